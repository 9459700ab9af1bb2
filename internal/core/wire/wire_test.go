package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vl1/internal/core"
)

func testHeader() Header {
	return Header{
		PacketID:    0x0102030405060708,
		Destination: core.Address(0x1122334455),
		Source:      core.Address(0x66778899aa),
		Flags:       MakeFlags(3, CipherPoly1305Salsa20, true),
		MAC:         0xdeadbeefcafebabe,
		VerbByte:    uint8(VerbFRAME) | VerbCompressed,
	}
}

func TestHeader_EncodeDecode(t *testing.T) {
	h := testHeader()
	b := make([]byte, MinPacketLength+4)
	require.NoError(t, h.Encode(b))

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b[0:8])
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55}, b[8:13])
	assert.Equal(t, []byte{0x66, 0x77, 0x88, 0x99, 0xaa}, b[13:18])

	got, err := DecodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, uint8(3), got.Hops())
	assert.Equal(t, CipherPoly1305Salsa20, got.Cipher())
	assert.True(t, got.Fragmented())
	assert.Equal(t, VerbFRAME, got.Verb())
	assert.True(t, got.Compressed())

	assert.Equal(t, uint8(3), PacketHops(b))
	assert.Equal(t, CipherPoly1305Salsa20, PacketCipher(b))
	assert.Equal(t, VerbFRAME, PacketVerb(b))
}

func TestDecodeHeader_TooShort(t *testing.T) {
	for _, n := range []int{0, 1, 16, MinPacketLength - 1} {
		_, err := DecodeHeader(make([]byte, n))
		assert.True(t, errors.Is(err, core.ErrMalformedPacket), "length %d", n)
	}
}

func TestFragmentHeader_EncodeDecode(t *testing.T) {
	fh := FragmentHeader{
		PacketID:    42,
		Destination: core.Address(0x0a0b0c0d0e),
		Number:      2,
		Total:       5,
		Hops:        1,
	}
	b := make([]byte, MinFragmentLength+10)
	require.NoError(t, fh.Encode(b))
	assert.True(t, IsFragment(b))
	assert.Equal(t, byte(0x52), b[IdxFragmentCounts])

	got, err := DecodeFragmentHeader(b)
	require.NoError(t, err)
	assert.Equal(t, fh, got)
}

func TestDecodeFragmentHeader_Rejects(t *testing.T) {
	_, err := DecodeFragmentHeader(make([]byte, MinFragmentLength-1))
	assert.ErrorIs(t, err, core.ErrMalformedPacket)

	_, err = DecodeFragmentHeader(make([]byte, MinFragmentLength))
	assert.ErrorIs(t, err, core.ErrMalformedPacket)
}

func TestIsFragment_WholePacket(t *testing.T) {
	b := make([]byte, MinPacketLength)
	require.NoError(t, testHeader().Encode(b))
	assert.False(t, IsFragment(b))
}

func TestIncrementHops(t *testing.T) {
	b := make([]byte, MinPacketLength)
	h := testHeader()
	h.Flags = MakeFlags(6, CipherPoly1305None, false)
	require.NoError(t, h.Encode(b))

	hops, err := IncrementHops(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), hops)
	assert.Equal(t, CipherPoly1305None, PacketCipher(b), "cipher bits must survive")

	_, err = IncrementHops(b)
	assert.ErrorIs(t, err, core.ErrHopLimitExceeded)

	frag := make([]byte, MinFragmentLength)
	require.NoError(t, FragmentHeader{Total: 2, Number: 1}.Encode(frag))
	hops, err = IncrementHops(frag)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), hops)
	assert.Equal(t, uint8(1), Hops(frag))
}

func TestSplit(t *testing.T) {
	packet := make([]byte, 3000)
	h := testHeader()
	h.Flags = MakeFlags(2, CipherPoly1305Salsa20, false)
	require.NoError(t, h.Encode(packet))
	for i := MinPacketLength; i < len(packet); i++ {
		packet[i] = byte(i)
	}

	parts, err := Split(packet, 1000)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	head, err := DecodeHeader(parts[0])
	require.NoError(t, err)
	assert.True(t, head.Fragmented())
	assert.Len(t, parts[0], 1000)

	rebuilt := append([]byte{}, parts[0]...)
	for i, p := range parts[1:] {
		fh, err := DecodeFragmentHeader(p)
		require.NoError(t, err)
		assert.Equal(t, uint8(i+1), fh.Number)
		assert.Equal(t, uint8(4), fh.Total)
		assert.Equal(t, uint8(2), fh.Hops)
		assert.Equal(t, h.PacketID, fh.PacketID)
		rebuilt = append(rebuilt, p[FragmentPayloadStart:]...)
	}
	assert.True(t, bytes.Equal(packet[IdxVerb:], rebuilt[IdxVerb:]))
}

func TestSplit_FitsMTU(t *testing.T) {
	packet := make([]byte, 100)
	parts, err := Split(packet, DefaultPhysMTU)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestSplit_TooLarge(t *testing.T) {
	_, err := Split(make([]byte, MaxFragments*200), 100)
	assert.ErrorIs(t, err, core.ErrMalformedPacket)
}

func TestPacketIDs_Unique(t *testing.T) {
	ids := NewPacketIDs()
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id := ids.Next()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestVerbString(t *testing.T) {
	assert.Equal(t, "HELLO", VerbHELLO.String())
	assert.Equal(t, "VERB(0x1f)", Verb(0x1f).String())
	assert.True(t, VerbECHO.Known())
	assert.False(t, Verb(0x1e).Known())
}
