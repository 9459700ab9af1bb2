// Package whois parks packets from senders whose identity is not yet known and
// tracks the WHOIS lookups issued for them.
package whois

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/metrics"
)

// State of a pending address.
type State int

const (
	StateNoRequestSent State = iota
	StateRequestSent
	StateResolved
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNoRequestSent:
		return "no_request_sent"
	case StateRequestSent:
		return "request_sent"
	case StateResolved:
		return "resolved"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// EnqueueResult tells the caller what Enqueue did with the packet.
type EnqueueResult int

const (
	// Known means the identity was already resolved; the packet was not queued and
	// still belongs to the caller.
	Known EnqueueResult = iota
	// Queued means the packet was parked behind an outstanding request.
	Queued
	// QueuedSendWhois means the packet was parked and a WHOIS must be sent now.
	QueuedSendWhois
)

// QueuedPacket is a reassembled, still armored packet. The queue owns the slices
// until they are handed back by Resolve or released on expiry or eviction.
type QueuedPacket struct {
	LocalSocket int64
	From        netip.AddrPort
	Slices      []buffer.Slice
	Arrived     time.Time
}

// Release returns the packet's buffers to the pool.
func (p QueuedPacket) Release() {
	buffer.ReleaseAll(p.Slices)
}

// Config bounds the queue.
type Config struct {
	MaxPacketsPerAddress int
	MaxAddresses         int
	RetryDelay           time.Duration
	MaxRetries           int
}

// Expired reports an address given up on and how many packets went with it.
type Expired struct {
	Address core.Address
	Dropped int
}

// Status is a snapshot of one pending address.
type Status struct {
	Address  core.Address `json:"address"`
	State    string       `json:"state"`
	Retries  int          `json:"retries"`
	Packets  int          `json:"packets"`
	LastSent time.Time    `json:"last_sent"`
}

type entry struct {
	addr     core.Address
	state    State
	retries  int
	lastSent time.Time
	packets  []QueuedPacket
}

// Queue is safe for concurrent use. Enqueue and Resolve are serialized so a packet
// can never be parked for an address that has just been resolved.
type Queue struct {
	cfg   Config
	mu    sync.Mutex
	table *lru.Cache // core.Address -> *entry
}

// New creates a queue. Zero values in cfg take defaults.
func New(cfg Config) (*Queue, error) {
	if cfg.MaxPacketsPerAddress <= 0 {
		cfg.MaxPacketsPerAddress = 32
	}
	if cfg.MaxAddresses <= 0 {
		cfg.MaxAddresses = 1024
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	q := &Queue{cfg: cfg}
	table, err := lru.NewWithEvict(cfg.MaxAddresses, q.onEvict)
	if err != nil {
		return nil, fmt.Errorf("whois: %w", err)
	}
	q.table = table
	return q, nil
}

// onEvict runs under q.mu for every removal. Entries that were resolved or expired
// have already had their packets detached.
func (q *Queue) onEvict(_, value interface{}) {
	e := value.(*entry)
	if len(e.packets) > 0 {
		metrics.WhoisRequestsTotal.WithLabelValues("evicted").Inc()
	}
	q.drop(e)
}

func (q *Queue) drop(e *entry) int {
	n := len(e.packets)
	for _, p := range e.packets {
		p.Release()
	}
	e.packets = nil
	metrics.WhoisPendingPackets.Sub(float64(n))
	return n
}

// Enqueue parks pkt behind a lookup for addr. known is evaluated inside the queue's
// critical section; when it reports the address as resolved the packet is not taken.
func (q *Queue) Enqueue(addr core.Address, pkt QueuedPacket, now time.Time, known func(core.Address) bool) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if known != nil && known(addr) {
		return Known
	}

	var e *entry
	if v, ok := q.table.Get(addr); ok {
		e = v.(*entry)
	} else {
		e = &entry{addr: addr, state: StateNoRequestSent}
		q.table.Add(addr, e)
	}

	if len(e.packets) >= q.cfg.MaxPacketsPerAddress {
		e.packets[0].Release()
		e.packets[0] = QueuedPacket{}
		e.packets = e.packets[1:]
		metrics.WhoisPendingPackets.Dec()
	}
	e.packets = append(e.packets, pkt)
	metrics.WhoisPendingPackets.Inc()

	if e.state == StateNoRequestSent {
		e.state = StateRequestSent
		e.retries = 1
		e.lastSent = now
		metrics.WhoisRequestsTotal.WithLabelValues("sent").Inc()
		return QueuedSendWhois
	}
	return Queued
}

// Resolve removes addr and hands its packets back in arrival order. The caller
// must add the identity to its directory before calling Resolve.
func (q *Queue) Resolve(addr core.Address) []QueuedPacket {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, ok := q.table.Peek(addr)
	if !ok {
		return nil
	}
	e := v.(*entry)
	pkts := e.packets
	e.packets = nil
	e.state = StateResolved
	q.table.Remove(addr)
	metrics.WhoisPendingPackets.Sub(float64(len(pkts)))
	metrics.WhoisRequestsTotal.WithLabelValues("resolved").Inc()
	return pkts
}

// Service advances retry timers. It returns the addresses whose WHOIS must be sent
// again and the addresses that ran out of retries; the packets of the latter have
// been released.
func (q *Queue) Service(now time.Time) (retry []core.Address, expired []Expired) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, k := range q.table.Keys() {
		v, ok := q.table.Peek(k)
		if !ok {
			continue
		}
		e := v.(*entry)
		if e.state != StateRequestSent || now.Sub(e.lastSent) < q.cfg.RetryDelay {
			continue
		}
		if e.retries >= q.cfg.MaxRetries {
			e.state = StateExpired
			expired = append(expired, Expired{Address: e.addr, Dropped: q.drop(e)})
			q.table.Remove(k)
			metrics.WhoisRequestsTotal.WithLabelValues("expired").Inc()
			continue
		}
		e.retries++
		e.lastSent = now
		retry = append(retry, e.addr)
		metrics.WhoisRequestsTotal.WithLabelValues("retry").Inc()
	}
	return retry, expired
}

// Pending snapshots the queue, least recently used first.
func (q *Queue) Pending() []Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := q.table.Keys()
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		v, ok := q.table.Peek(k)
		if !ok {
			continue
		}
		e := v.(*entry)
		out = append(out, Status{
			Address:  e.addr,
			State:    e.state.String(),
			Retries:  e.retries,
			Packets:  len(e.packets),
			LastSent: e.lastSent,
		})
	}
	return out
}

// Len is the number of pending addresses.
func (q *Queue) Len() int {
	return q.table.Len()
}

// Close releases every parked packet.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.table.Purge()
}
