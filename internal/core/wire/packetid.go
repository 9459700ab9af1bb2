package wire

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// PacketIDs hands out packet IDs. The counter starts at a random point so IDs from a
// restarted node do not repeat earlier ones under the same key.
type PacketIDs struct {
	next atomic.Uint64
}

// NewPacketIDs creates a generator seeded from crypto/rand.
func NewPacketIDs() *PacketIDs {
	var seed [8]byte
	_, _ = rand.Read(seed[:])
	p := &PacketIDs{}
	p.next.Store(binary.BigEndian.Uint64(seed[:]))
	return p
}

// Next returns a fresh packet ID.
func (p *PacketIDs) Next() uint64 {
	return p.next.Add(1)
}
