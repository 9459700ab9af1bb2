// Package crypto implements node identities, key agreement and packet protection.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"

	"firestige.xyz/vl1/internal/core"
)

const (
	KeyLength = 32

	identityTypeX25519 = 0

	// MarshaledPublicLength is address(5) | type(1) | public(32).
	MarshaledPublicLength = core.AddressLength + 1 + KeyLength
	// MarshaledPrivateLength appends the secret(32).
	MarshaledPrivateLength = MarshaledPublicLength + KeyLength

	// Work parameters: a 2 MiB argon2id pass over the public key. A key qualifies when the
	// first digest byte is below WorkThreshold; the address is the last five digest bytes.
	WorkThreshold = 17
	workMemoryKiB = 2048
	workDigestLen = 64
)

var workSalt = []byte("vl1 identity work")

// Key is a 32-byte symmetric or Curve25519 key.
type Key [KeyLength]byte

// Identity binds a node address to its public key. The secret is present only for the
// local node.
type Identity struct {
	Address core.Address
	Public  Key
	secret  *Key
}

func work(public Key) []byte {
	return argon2.IDKey(public[:], workSalt, 1, workMemoryKiB, 1, workDigestLen)
}

// DeriveAddress runs the memory-hard work function over public and returns the address it
// yields and whether the key meets the work threshold.
func DeriveAddress(public Key) (core.Address, bool) {
	digest := work(public)
	return core.AddressFromBytes(digest[workDigestLen-core.AddressLength:]), digest[0] < WorkThreshold
}

// Generate creates a new identity with a secret key, retrying until the public key meets
// the work threshold and the derived address is assignable.
func Generate() (Identity, error) {
	for {
		var secret Key
		if _, err := rand.Read(secret[:]); err != nil {
			return Identity{}, fmt.Errorf("generate identity: %w", err)
		}
		pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
		if err != nil {
			return Identity{}, fmt.Errorf("generate identity: %w", err)
		}
		var public Key
		copy(public[:], pub)
		addr, ok := DeriveAddress(public)
		if !ok || addr.IsReserved() {
			continue
		}
		return Identity{Address: addr, Public: public, secret: &secret}, nil
	}
}

// HasSecret reports whether the identity can perform key agreement.
func (id Identity) HasSecret() bool {
	return id.secret != nil
}

// PublicOnly strips the secret key.
func (id Identity) PublicOnly() Identity {
	return Identity{Address: id.Address, Public: id.Public}
}

// Equal compares address and public key in constant time.
func (id Identity) Equal(other Identity) bool {
	return id.Address == other.Address && subtle.ConstantTimeCompare(id.Public[:], other.Public[:]) == 1
}

// LocallyValidate checks that the address is assignable and is the one the work function
// yields for a public key that meets the work threshold.
func (id Identity) LocallyValidate() bool {
	if id.Address.IsReserved() {
		return false
	}
	addr, ok := DeriveAddress(id.Public)
	return ok && addr == id.Address
}

// Agree derives the long-lived shared secret between id (which must hold a secret)
// and peer.
func (id Identity) Agree(peer Identity) (Key, error) {
	if id.secret == nil {
		return Key{}, fmt.Errorf("%w: identity %s has no secret key", core.ErrInvalidObject, id.Address)
	}
	raw, err := curve25519.X25519(id.secret[:], peer.Public[:])
	if err != nil {
		return Key{}, fmt.Errorf("%w: key agreement with %s: %v", core.ErrInvalidObject, peer.Address, err)
	}
	return blake2s.Sum256(raw), nil
}

// Marshal appends the binary form to b.
func (id Identity) Marshal(b []byte, includeSecret bool) []byte {
	var addr [core.AddressLength]byte
	id.Address.PutBytes(addr[:])
	b = append(b, addr[:]...)
	b = append(b, identityTypeX25519)
	b = append(b, id.Public[:]...)
	if includeSecret && id.secret != nil {
		b = append(b, id.secret[:]...)
	}
	return b
}

// UnmarshalIdentity parses a public identity from the front of b and returns the number
// of bytes consumed.
func UnmarshalIdentity(b []byte) (Identity, int, error) {
	if len(b) < MarshaledPublicLength {
		return Identity{}, 0, fmt.Errorf("%w: identity needs %d bytes, have %d", core.ErrInvalidObject, MarshaledPublicLength, len(b))
	}
	if b[core.AddressLength] != identityTypeX25519 {
		return Identity{}, 0, fmt.Errorf("%w: unknown identity type %d", core.ErrInvalidObject, b[core.AddressLength])
	}
	var id Identity
	id.Address = core.AddressFromBytes(b)
	copy(id.Public[:], b[core.AddressLength+1:MarshaledPublicLength])
	return id, MarshaledPublicLength, nil
}

// String renders address:0:public, the public text form.
func (id Identity) String() string {
	return fmt.Sprintf("%s:%d:%s", id.Address, identityTypeX25519, hex.EncodeToString(id.Public[:]))
}

// SecretString renders address:0:public:secret.
func (id Identity) SecretString() string {
	if id.secret == nil {
		return id.String()
	}
	return id.String() + ":" + hex.EncodeToString(id.secret[:])
}

// ParseIdentity parses the text form produced by String or SecretString. A secret, when
// present, must match the public key.
func ParseIdentity(s string) (Identity, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields) != 3 && len(fields) != 4 {
		return Identity{}, fmt.Errorf("%w: identity must have 3 or 4 fields", core.ErrInvalidObject)
	}
	addr, err := core.ParseAddress(fields[0])
	if err != nil {
		return Identity{}, err
	}
	if fields[1] != "0" {
		return Identity{}, fmt.Errorf("%w: unknown identity type %q", core.ErrInvalidObject, fields[1])
	}
	id := Identity{Address: addr}
	if err := decodeKey(fields[2], &id.Public); err != nil {
		return Identity{}, err
	}
	if len(fields) == 4 {
		var secret Key
		if err := decodeKey(fields[3], &secret); err != nil {
			return Identity{}, err
		}
		pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
		if err != nil || subtle.ConstantTimeCompare(pub, id.Public[:]) != 1 {
			return Identity{}, fmt.Errorf("%w: secret key does not match public key", core.ErrInvalidObject)
		}
		id.secret = &secret
	}
	return id, nil
}

func decodeKey(s string, k *Key) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeyLength {
		return fmt.Errorf("%w: key must be %d hex bytes", core.ErrInvalidObject, KeyLength)
	}
	copy(k[:], b)
	return nil
}
