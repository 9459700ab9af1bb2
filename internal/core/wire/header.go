package wire

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/vl1/internal/core"
)

// Header is the decoded fixed part of a whole packet or of the head of a fragmented series.
type Header struct {
	PacketID    uint64
	Destination core.Address
	Source      core.Address
	Flags       uint8
	MAC         uint64
	// VerbByte is still ciphertext until the packet has been dearmored.
	VerbByte uint8
}

// DecodeHeader parses the first MinPacketLength bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < MinPacketLength {
		return Header{}, fmt.Errorf("%w: packet of %d bytes shorter than %d", core.ErrMalformedPacket, len(b), MinPacketLength)
	}
	return Header{
		PacketID:    binary.BigEndian.Uint64(b[IdxPacketID:]),
		Destination: core.AddressFromBytes(b[IdxDestination:]),
		Source:      core.AddressFromBytes(b[IdxSource:]),
		Flags:       b[IdxFlags],
		MAC:         binary.BigEndian.Uint64(b[IdxMAC:]),
		VerbByte:    b[IdxVerb],
	}, nil
}

// Encode writes the header into b[0:MinPacketLength].
func (h Header) Encode(b []byte) error {
	if len(b) < MinPacketLength {
		return fmt.Errorf("%w: buffer of %d bytes cannot hold a header", core.ErrMalformedPacket, len(b))
	}
	binary.BigEndian.PutUint64(b[IdxPacketID:], h.PacketID)
	h.Destination.PutBytes(b[IdxDestination:])
	h.Source.PutBytes(b[IdxSource:])
	b[IdxFlags] = h.Flags
	binary.BigEndian.PutUint64(b[IdxMAC:], h.MAC)
	b[IdxVerb] = h.VerbByte
	return nil
}

// Hops is the number of relays the packet has crossed.
func (h Header) Hops() uint8 { return h.Flags & FlagsHopsMask }

// Cipher is the cipher suite selected by the sender.
func (h Header) Cipher() CipherSuite { return CipherSuite((h.Flags & FlagsCipherMask) >> 3) }

// Fragmented reports whether more fragments follow this head.
func (h Header) Fragmented() bool { return h.Flags&FlagFragmented != 0 }

// Verb is only meaningful after dearmoring.
func (h Header) Verb() Verb { return Verb(h.VerbByte & VerbMask) }

// Compressed is only meaningful after dearmoring.
func (h Header) Compressed() bool { return h.VerbByte&VerbCompressed != 0 }

// PacketHops reads the hop count straight from a packet buffer.
func PacketHops(b []byte) uint8 { return b[IdxFlags] & FlagsHopsMask }

// PacketCipher reads the cipher suite straight from a packet buffer.
func PacketCipher(b []byte) CipherSuite { return CipherSuite((b[IdxFlags] & FlagsCipherMask) >> 3) }

// PacketVerb reads the verb straight from a dearmored packet buffer.
func PacketVerb(b []byte) Verb { return Verb(b[IdxVerb] & VerbMask) }

// MakeFlags packs hops and cipher into a flags byte.
func MakeFlags(hops uint8, cipher CipherSuite, fragmented bool) uint8 {
	f := hops&FlagsHopsMask | (uint8(cipher)<<3)&FlagsCipherMask
	if fragmented {
		f |= FlagFragmented
	}
	return f
}

// IncrementHops bumps the hop counter of a packet or fragment in place and returns the new count.
func IncrementHops(b []byte) (uint8, error) {
	if IsFragment(b) {
		hops := (b[IdxFragmentHops] & FlagsHopsMask) + 1
		if hops > MaxHops {
			return 0, core.ErrHopLimitExceeded
		}
		b[IdxFragmentHops] = (b[IdxFragmentHops] &^ FlagsHopsMask) | hops
		return hops, nil
	}
	if len(b) < MinPacketLength {
		return 0, core.ErrMalformedPacket
	}
	hops := PacketHops(b) + 1
	if hops > MaxHops {
		return 0, core.ErrHopLimitExceeded
	}
	b[IdxFlags] = (b[IdxFlags] &^ FlagsHopsMask) | hops
	return hops, nil
}

// Hops reads the hop counter of either a packet or a fragment.
func Hops(b []byte) uint8 {
	if IsFragment(b) {
		return b[IdxFragmentHops] & FlagsHopsMask
	}
	return PacketHops(b)
}
