// Package buffer implements reference-counted packet buffers drawn from a shared pool.
package buffer

import (
	"fmt"
	"sync/atomic"

	pool "github.com/libp2p/go-buffer-pool"
)

// Size is the capacity of every pooled buffer. It holds the largest reassembled
// packet plus the slack the keystream realignment needs.
const Size = 32768

// Buf is a pooled buffer shared between the receive path, the defragmenter and the
// WHOIS queue. The last Release returns the memory to the pool.
type Buf struct {
	B    []byte
	refs atomic.Int32
}

var outstanding atomic.Int64

// Get returns a buffer with a reference count of one.
func Get() *Buf {
	b := &Buf{B: pool.Get(Size)}
	b.refs.Store(1)
	outstanding.Add(1)
	return b
}

// From copies data into a new pooled buffer.
func From(data []byte) (*Buf, error) {
	if len(data) > Size {
		return nil, fmt.Errorf("buffer: %d bytes exceeds buffer size %d", len(data), Size)
	}
	b := Get()
	copy(b.B, data)
	return b, nil
}

// Retain adds a reference.
func (b *Buf) Retain() *Buf {
	b.refs.Add(1)
	return b
}

// Release drops a reference and recycles the memory when none remain.
func (b *Buf) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		pool.Put(b.B)
		b.B = nil
		outstanding.Add(-1)
	case n < 0:
		panic("buffer: release of a buffer with no references")
	}
}

// Refs returns the current reference count.
func (b *Buf) Refs() int32 {
	return b.refs.Load()
}

// Outstanding is the number of buffers currently checked out of the pool.
func Outstanding() int64 {
	return outstanding.Load()
}

// Slice is a window [S, E) into a shared buffer.
type Slice struct {
	Buf *Buf
	S   int
	E   int
}

// Bytes returns the window contents.
func (s Slice) Bytes() []byte {
	return s.Buf.B[s.S:s.E]
}

// Len is E - S.
func (s Slice) Len() int {
	return s.E - s.S
}

// Spare is how far E can grow before reaching the end of the buffer.
func (s Slice) Spare() int {
	return len(s.Buf.B) - s.E
}

// ReleaseAll releases every buffer in slices.
func ReleaseAll(slices []Slice) {
	for _, s := range slices {
		if s.Buf != nil {
			s.Buf.Release()
		}
	}
}

// TotalLen sums the slice lengths.
func TotalLen(slices []Slice) int {
	n := 0
	for _, s := range slices {
		n += s.Len()
	}
	return n
}

// Assemble copies the slices into one new contiguous buffer. The input slices are not released.
func Assemble(slices []Slice) (*Buf, int, error) {
	total := TotalLen(slices)
	if total > Size {
		return nil, 0, fmt.Errorf("buffer: assembled length %d exceeds %d", total, Size)
	}
	out := Get()
	n := 0
	for _, s := range slices {
		n += copy(out.B[n:], s.Bytes())
	}
	return out, n, nil
}
