package engine

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/wire"
)

type expected struct {
	verb wire.Verb
	to   core.Address
	sent time.Time
}

// expectTable remembers requests that are waiting for an OK or ERROR so replies
// nobody asked for can be dropped. The oldest request is forgotten when full.
type expectTable struct {
	timeout time.Duration
	table   *lru.Cache // packet ID -> expected
}

func newExpectTable(size int, timeout time.Duration) (*expectTable, error) {
	table, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("expect table: %w", err)
	}
	return &expectTable{timeout: timeout, table: table}, nil
}

func (t *expectTable) add(packetID uint64, verb wire.Verb, to core.Address, now time.Time) {
	t.table.Add(packetID, expected{verb: verb, to: to, sent: now})
}

// take consumes the request a reply refers to. It fails when the reply names an
// unknown packet, the wrong verb, the wrong peer, or arrives too late.
func (t *expectTable) take(packetID uint64, verb wire.Verb, from core.Address, now time.Time) (time.Time, bool) {
	v, ok := t.table.Peek(packetID)
	if !ok {
		return time.Time{}, false
	}
	exp := v.(expected)
	if exp.verb != verb || exp.to != from {
		return time.Time{}, false
	}
	t.table.Remove(packetID)
	if now.Sub(exp.sent) > t.timeout {
		return time.Time{}, false
	}
	return exp.sent, true
}

// prune drops requests older than the timeout, oldest first.
func (t *expectTable) prune(now time.Time) int {
	n := 0
	for _, k := range t.table.Keys() {
		v, ok := t.table.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(expected).sent) <= t.timeout {
			break
		}
		t.table.Remove(k)
		n++
	}
	return n
}

func (t *expectTable) len() int {
	return t.table.Len()
}
