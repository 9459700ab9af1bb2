package core

import (
	"encoding/hex"
	"fmt"
)

// AddressLength is the wire size of a node address.
const AddressLength = 5

// AddressReservedPrefix marks addresses that can never be assigned to a node.
const AddressReservedPrefix = 0xff

// Address is a 40-bit node address held in the low bits of a uint64.
type Address uint64

// AddressFromBytes reads a big-endian 5-byte address. b must hold at least AddressLength bytes.
func AddressFromBytes(b []byte) Address {
	_ = b[4]
	return Address(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]))
}

// PutBytes writes the address big-endian into b[0:5].
func (a Address) PutBytes(b []byte) {
	_ = b[4]
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
}

// Bytes returns the 5-byte wire form.
func (a Address) Bytes() [AddressLength]byte {
	var b [AddressLength]byte
	a.PutBytes(b[:])
	return b
}

// IsReserved reports whether a is zero or falls in the reserved range.
func (a Address) IsReserved() bool {
	return a == 0 || byte(a>>32) == AddressReservedPrefix
}

func (a Address) String() string {
	return fmt.Sprintf("%010x", uint64(a)&0xffffffffff)
}

// ParseAddress parses the 10 hex digit text form.
func ParseAddress(s string) (Address, error) {
	if len(s) != AddressLength*2 {
		return 0, fmt.Errorf("%w: address %q must be %d hex digits", ErrInvalidObject, s, AddressLength*2)
	}
	var b [AddressLength]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return 0, fmt.Errorf("%w: address %q: %v", ErrInvalidObject, s, err)
	}
	return AddressFromBytes(b[:]), nil
}

// MarshalText lets addresses appear as map keys and strings in JSON output.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
