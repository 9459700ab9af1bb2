package wire

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/vl1/internal/core"
)

// FragmentHeader is the decoded header of a non-head fragment.
type FragmentHeader struct {
	PacketID    uint64
	Destination core.Address
	// Number is the position of this fragment in its series. The head is number 0.
	Number uint8
	Total  uint8
	Hops   uint8
}

// IsFragment reports whether b is laid out as a fragment. The indicator byte overlaps the
// first byte of a packet's source address, which is never 0xff for a valid node.
func IsFragment(b []byte) bool {
	return len(b) >= MinFragmentLength && b[IdxFragmentIndicator] == FragmentIndicator
}

// DecodeFragmentHeader parses the fixed part of a fragment.
func DecodeFragmentHeader(b []byte) (FragmentHeader, error) {
	if len(b) < MinFragmentLength {
		return FragmentHeader{}, fmt.Errorf("%w: fragment of %d bytes shorter than %d", core.ErrMalformedPacket, len(b), MinFragmentLength)
	}
	if b[IdxFragmentIndicator] != FragmentIndicator {
		return FragmentHeader{}, fmt.Errorf("%w: missing fragment indicator", core.ErrMalformedPacket)
	}
	counts := b[IdxFragmentCounts]
	return FragmentHeader{
		PacketID:    binary.BigEndian.Uint64(b[IdxPacketID:]),
		Destination: core.AddressFromBytes(b[IdxDestination:]),
		Number:      counts & 0x0f,
		Total:       counts >> 4,
		Hops:        b[IdxFragmentHops] & FlagsHopsMask,
	}, nil
}

// Encode writes the fragment header into b[0:MinFragmentLength].
func (h FragmentHeader) Encode(b []byte) error {
	if len(b) < MinFragmentLength {
		return fmt.Errorf("%w: buffer of %d bytes cannot hold a fragment header", core.ErrMalformedPacket, len(b))
	}
	binary.BigEndian.PutUint64(b[IdxPacketID:], h.PacketID)
	h.Destination.PutBytes(b[IdxDestination:])
	b[IdxFragmentIndicator] = FragmentIndicator
	b[IdxFragmentCounts] = (h.Total << 4) | (h.Number & 0x0f)
	b[IdxFragmentHops] = h.Hops & FlagsHopsMask
	return nil
}

// Split cuts an armored packet into a head and trailing fragments no larger than mtu.
// A packet that already fits is returned as the only element.
func Split(packet []byte, mtu int) ([][]byte, error) {
	if len(packet) < MinPacketLength {
		return nil, fmt.Errorf("%w: packet of %d bytes", core.ErrMalformedPacket, len(packet))
	}
	if len(packet) <= mtu {
		return [][]byte{packet}, nil
	}
	if mtu <= MinPacketLength || mtu <= FragmentPayloadStart {
		return nil, fmt.Errorf("%w: mtu %d too small", core.ErrMalformedPacket, mtu)
	}

	chunk := mtu - FragmentPayloadStart
	rest := len(packet) - mtu
	total := 1 + (rest+chunk-1)/chunk
	// The series length has to fit the high nibble of the counts byte.
	if total > MaxFragments || total > 0x0f {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments", core.ErrMalformedPacket, len(packet), total)
	}

	head := make([]byte, mtu)
	copy(head, packet[:mtu])
	head[IdxFlags] |= FlagFragmented

	out := make([][]byte, 0, total)
	out = append(out, head)

	fh := FragmentHeader{
		PacketID:    binary.BigEndian.Uint64(packet[IdxPacketID:]),
		Destination: core.AddressFromBytes(packet[IdxDestination:]),
		Total:       uint8(total),
		Hops:        PacketHops(packet),
	}
	for off, n := mtu, 1; off < len(packet); off, n = off+chunk, n+1 {
		end := off + chunk
		if end > len(packet) {
			end = len(packet)
		}
		frag := make([]byte, FragmentPayloadStart+end-off)
		fh.Number = uint8(n)
		_ = fh.Encode(frag)
		copy(frag[FragmentPayloadStart:], packet[off:end])
		out = append(out, frag)
	}
	return out, nil
}
