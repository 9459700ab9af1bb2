package crypto

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/core/wire"
)

// MaxDecompressedPayload bounds the decoded payload so it always fits a pooled buffer.
const MaxDecompressedPayload = buffer.Size - wire.PayloadStart

// Decompress expands the payload of a dearmored packet whose verb carries the
// compressed flag. Packets without the flag are returned unchanged. Unauthenticated
// packets are never expanded. On success the input buffer is released and a new one
// returned.
func Decompress(pkt *buffer.Buf, n int, authenticated bool) (*buffer.Buf, int, error) {
	if n < wire.MinPacketLength {
		return nil, 0, core.ErrMalformedPacket
	}
	if pkt.B[wire.IdxVerb]&wire.VerbCompressed == 0 {
		return pkt, n, nil
	}
	if !authenticated {
		return nil, 0, fmt.Errorf("%w: compressed payload on unauthenticated packet", core.ErrInvalidCompressedData)
	}

	src := pkt.B[wire.PayloadStart:n]
	dLen, err := s2.DecodedLen(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", core.ErrInvalidCompressedData, err)
	}
	if dLen > MaxDecompressedPayload {
		return nil, 0, fmt.Errorf("%w: decoded length %d exceeds %d", core.ErrInvalidCompressedData, dLen, MaxDecompressedPayload)
	}

	out := buffer.Get()
	decoded, err := s2.Decode(out.B[wire.PayloadStart:], src)
	if err != nil {
		out.Release()
		return nil, 0, fmt.Errorf("%w: %v", core.ErrInvalidCompressedData, err)
	}
	copy(out.B, pkt.B[:wire.PayloadStart])
	out.B[wire.IdxVerb] &^= wire.VerbCompressed
	pkt.Release()
	return out, wire.PayloadStart + len(decoded), nil
}

// Compress returns a copy of a plaintext packet with an s2-compressed payload and the
// compressed flag set, or the packet itself when compression does not shrink it.
func Compress(packet []byte) []byte {
	if len(packet) <= wire.PayloadStart {
		return packet
	}
	encoded := s2.Encode(nil, packet[wire.PayloadStart:])
	if len(encoded) >= len(packet)-wire.PayloadStart {
		return packet
	}
	out := make([]byte, wire.PayloadStart+len(encoded))
	copy(out, packet[:wire.PayloadStart])
	copy(out[wire.PayloadStart:], encoded)
	out[wire.IdxVerb] |= wire.VerbCompressed
	return out
}
