package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/poly1305"
	"golang.org/x/crypto/salsa20/salsa"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/core/wire"
)

// BlockSize is the keystream granularity. The keystream can only be entered at a
// block boundary.
const BlockSize = 64

var packetKeyInfo = []byte("vl1 packet key")

// PacketKey derives the one-packet key from the long-lived shared secret. It binds the
// packet ID, both addresses, the cipher bits and the total packet size; the hop count
// is left out because relays rewrite it.
func PacketKey(secret *Key, header []byte, packetSize int) (Key, error) {
	if len(header) < wire.IdxFlags+1 {
		return Key{}, core.ErrMalformedPacket
	}
	var salt [wire.IdxFlags + 3]byte
	copy(salt[:], header[:wire.IdxFlags])
	salt[wire.IdxFlags] = header[wire.IdxFlags] & wire.FlagsKeyMask
	binary.LittleEndian.PutUint16(salt[wire.IdxFlags+1:], uint16(packetSize))

	var key Key
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret[:], salt[:], packetKeyInfo), key[:]); err != nil {
		return Key{}, fmt.Errorf("derive packet key: %w", err)
	}
	return key, nil
}

// keystream positions the Salsa20 counter: nonce is the packet ID as it appears on
// the wire, block counter is little-endian.
func keystream(header []byte, block uint64) [16]byte {
	var ctr [16]byte
	copy(ctr[:8], header[wire.IdxPacketID:wire.IdxPacketID+8])
	binary.LittleEndian.PutUint64(ctr[8:], block)
	return ctr
}

// macKey is the first 32 bytes of keystream block 0. Payload encryption starts at block 1.
func macKey(key *Key, header []byte) [32]byte {
	var mk, zero [32]byte
	ctr := keystream(header, 0)
	salsa.XORKeyStream(mk[:], zero[:], &ctr, (*[32]byte)(key))
	return mk
}

// Realign shifts bytes from the head of each slice onto the tail of the previous one
// until every slice except the last is a whole number of keystream blocks. Slices that
// empty out are removed. Every slice but the last needs BlockSize-1 bytes of spare room
// after E in its buffer.
func Realign(slices []buffer.Slice) ([]buffer.Slice, error) {
	for i := 0; i < len(slices)-1; i++ {
		need := (BlockSize - slices[i].Len()%BlockSize) % BlockSize
		if need > slices[i].Spare() {
			return nil, fmt.Errorf("%w: slice %d has %d spare bytes, needs %d", core.ErrOutOfMemory, i, slices[i].Spare(), need)
		}
		for need > 0 && i+1 < len(slices) {
			next := &slices[i+1]
			take := need
			if take > next.Len() {
				take = next.Len()
			}
			copy(slices[i].Buf.B[slices[i].E:], next.Bytes()[:take])
			slices[i].E += take
			next.S += take
			need -= take
			if next.Len() == 0 {
				slices = append(slices[:i+1], slices[i+2:]...)
			}
		}
	}
	return slices, nil
}

// Dearmor authenticates and, for the Salsa20 suite, decrypts a packet held in one or
// more slices. slices[0] starts at the packet header; the rest are fragment payloads.
// On success it returns a new contiguous buffer with the plaintext packet. On failure no
// plaintext is returned. secret may be nil for the trusted-path suite, and trusted may
// be nil for the others.
//
// The Salsa20 path realigns the slices in place, so their contents are consumed.
func Dearmor(slices []buffer.Slice, secret *Key, trusted func(pathID uint64) bool) (*buffer.Buf, int, error) {
	if len(slices) == 0 || slices[0].Len() < wire.MinPacketLength {
		return nil, 0, fmt.Errorf("%w: head shorter than header", core.ErrMalformedPacket)
	}
	size := buffer.TotalLen(slices)
	if size > buffer.Size {
		return nil, 0, fmt.Errorf("%w: packet of %d bytes", core.ErrMalformedPacket, size)
	}
	header := slices[0].Bytes()[:wire.MinPacketLength]
	cipher := wire.PacketCipher(header)
	macField := header[wire.IdxMAC : wire.IdxMAC+8]

	switch cipher {
	case wire.CipherNone:
		if trusted == nil || !trusted(binary.BigEndian.Uint64(macField)) {
			return nil, 0, core.ErrNotTrustedPath
		}
		out, n, err := buffer.Assemble(slices)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", core.ErrMalformedPacket, err)
		}
		return out, n, nil

	case wire.CipherPoly1305None:
		if secret == nil {
			return nil, 0, core.ErrMacVerificationFailed
		}
		key, err := PacketKey(secret, header, size)
		if err != nil {
			return nil, 0, err
		}
		if !verify(&key, header, encryptedSection(slices)) {
			return nil, 0, core.ErrMacVerificationFailed
		}
		out, n, err := buffer.Assemble(slices)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", core.ErrMalformedPacket, err)
		}
		return out, n, nil

	case wire.CipherPoly1305Salsa20:
		if secret == nil {
			return nil, 0, core.ErrMacVerificationFailed
		}
		key, err := PacketKey(secret, header, size)
		if err != nil {
			return nil, 0, err
		}
		section, err := Realign(encryptedSection(slices))
		if err != nil {
			return nil, 0, err
		}
		if !verify(&key, header, section) {
			return nil, 0, core.ErrMacVerificationFailed
		}

		out := buffer.Get()
		copy(out.B, header[:wire.EncryptedSectionStart])
		off := wire.EncryptedSectionStart
		for _, s := range section {
			ctr := keystream(header, 1+uint64(off-wire.EncryptedSectionStart)/BlockSize)
			salsa.XORKeyStream(out.B[off:off+s.Len()], s.Bytes(), &ctr, (*[32]byte)(&key))
			off += s.Len()
		}
		return out, off, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", core.ErrUnknownCipherSuite, cipher)
}

// encryptedSection returns a copy of slices with the first one advanced past the
// unencrypted header.
func encryptedSection(slices []buffer.Slice) []buffer.Slice {
	section := make([]buffer.Slice, len(slices))
	copy(section, slices)
	section[0].S += wire.EncryptedSectionStart
	return section
}

func verify(key *Key, header []byte, section []buffer.Slice) bool {
	mk := macKey(key, header)
	mac := poly1305.New(&mk)
	for _, s := range section {
		_, _ = mac.Write(s.Bytes())
	}
	tag := mac.Sum(nil)
	return subtle.ConstantTimeCompare(tag[:8], header[wire.IdxMAC:wire.IdxMAC+8]) == 1
}

// Armor protects a whole plaintext packet in place using the cipher selected in its
// flags. The fragmented flag may be set afterwards; it does not feed the key.
func Armor(packet []byte, secret *Key) error {
	if len(packet) < wire.MinPacketLength {
		return core.ErrMalformedPacket
	}
	cipher := wire.PacketCipher(packet)
	if cipher != wire.CipherPoly1305None && cipher != wire.CipherPoly1305Salsa20 {
		return fmt.Errorf("%w: cannot armor with %s", core.ErrUnknownCipherSuite, cipher)
	}
	key, err := PacketKey(secret, packet, len(packet))
	if err != nil {
		return err
	}
	section := packet[wire.EncryptedSectionStart:]
	if cipher == wire.CipherPoly1305Salsa20 {
		ctr := keystream(packet, 1)
		salsa.XORKeyStream(section, section, &ctr, (*[32]byte)(&key))
	}
	mk := macKey(&key, packet)
	var tag [16]byte
	poly1305.Sum(&tag, section, &mk)
	copy(packet[wire.IdxMAC:wire.IdxMAC+8], tag[:8])
	return nil
}

// ArmorTrusted marks a packet for a trusted path: no MAC, the path ID travels in the MAC field.
func ArmorTrusted(packet []byte, pathID uint64) error {
	if len(packet) < wire.MinPacketLength {
		return core.ErrMalformedPacket
	}
	packet[wire.IdxFlags] = (packet[wire.IdxFlags] &^ wire.FlagsCipherMask) | uint8(wire.CipherNone)<<3
	binary.BigEndian.PutUint64(packet[wire.IdxMAC:], pathID)
	return nil
}
