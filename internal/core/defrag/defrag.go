// Package defrag reassembles packets that arrive as a head plus numbered fragments.
package defrag

import (
	"container/list"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/metrics"
)

// Result is the outcome of feeding one fragment to the defragmenter.
type Result int

const (
	// OK means the fragment was stored and more are needed.
	OK Result = iota
	// Complete means every fragment is present; the slices are returned in order.
	Complete
	DuplicateFragment
	InvalidFragment
	TooManyFragmentsForPath
	OutOfMemory
)

var resultNames = [...]string{"ok", "complete", "duplicate_fragment", "invalid_fragment", "too_many_fragments_for_path", "out_of_memory"}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "unknown"
}

// Err maps failure results to the shared sentinel errors. OK and Complete map to nil.
func (r Result) Err() error {
	switch r {
	case DuplicateFragment:
		return core.ErrDuplicateFragment
	case InvalidFragment:
		return core.ErrInvalidFragment
	case TooManyFragmentsForPath:
		return core.ErrTooManyFragmentsForPath
	case OutOfMemory:
		return core.ErrOutOfMemory
	}
	return nil
}

// PathKey identifies the physical path a fragment arrived on.
type PathKey struct {
	LocalSocket int64
	Addr        netip.AddrPort
}

// Config bounds the memory the defragmenter may hold.
type Config struct {
	// Timeout after which an incomplete record is discarded by Expire.
	Timeout time.Duration
	// EvictGrace is how long a record must sit untouched before a new record on the
	// same path (or anywhere, when the global table is full) may push it out.
	EvictGrace time.Duration
	// MaxRecords caps incomplete records across all paths.
	MaxRecords int
	// MaxFragsPerIP and RateLimitWindow configure the per-source fragment rate limiter (0 = disabled).
	MaxFragsPerIP   int
	RateLimitWindow time.Duration
}

type record struct {
	packetID    uint64
	slots       [wire.MaxFragments]buffer.Slice
	have        uint32
	count       int
	total       int // 0 until a fragment carrying the series length arrives
	lastTouched time.Time
	elem        *list.Element
}

type pathTable struct {
	mu      sync.Mutex
	records map[uint64]*record
	lru     list.List // *record, most recently touched at the front
	dead    bool
}

// Defragmenter holds partially assembled packets keyed by (path, packetId).
// Each path has its own lock so a flood on one path does not serialize the others.
type Defragmenter struct {
	mu      sync.RWMutex
	paths   map[PathKey]*pathTable
	records atomic.Int64
	config  Config
	limiter *SourceLimiter // nil when disabled
}

// New creates a defragmenter. Zero config fields take defaults.
func New(cfg Config) *Defragmenter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.EvictGrace < 0 {
		cfg.EvictGrace = 0
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 4096
	}
	return &Defragmenter{
		paths:  make(map[PathKey]*pathTable),
		config: cfg,
		limiter: NewSourceLimiter(SourceLimiterConfig{
			PerSource: cfg.MaxFragsPerIP,
			Window:    cfg.RateLimitWindow,
		}),
	}
}

// Allow applies the per-source fragment rate limit. It always allows when disabled.
func (d *Defragmenter) Allow(addr netip.Addr, now time.Time) bool {
	return d.limiter == nil || d.limiter.Allow(addr, now)
}

// Assemble feeds one fragment. index is the fragment's position; total is the series
// length, or 0 for a head whose header does not carry it.
//
// Ownership: on OK the defragmenter takes its own reference to frag.Buf; the caller
// keeps and releases its reference as usual. On Complete the returned slices carry
// references owned by the caller, which must release them. On any failure nothing is kept.
func (d *Defragmenter) Assemble(packetID uint64, frag buffer.Slice, index, total int, now time.Time, path PathKey, maxPerPath int) (Result, []buffer.Slice) {
	res, out := d.assemble(packetID, frag, index, total, now, path, maxPerPath)
	metrics.FragmentsTotal.WithLabelValues(res.String()).Inc()
	return res, out
}

func (d *Defragmenter) assemble(packetID uint64, frag buffer.Slice, index, total int, now time.Time, path PathKey, maxPerPath int) (Result, []buffer.Slice) {
	if index < 0 || index >= wire.MaxFragments || total < 0 || total > wire.MaxFragments {
		return InvalidFragment, nil
	}
	if total == 0 && index != 0 {
		return InvalidFragment, nil
	}
	if total != 0 && index >= total {
		return InvalidFragment, nil
	}

	pt := d.lockTable(path)
	defer pt.mu.Unlock()

	rec, exists := pt.records[packetID]
	if !exists {
		if res := d.makeRoom(pt, now, maxPerPath); res != OK {
			return res, nil
		}
		rec = &record{packetID: packetID}
		rec.elem = pt.lru.PushFront(rec)
		pt.records[packetID] = rec
		d.records.Add(1)
		metrics.ReassemblyActiveRecords.Inc()
	}

	if total != 0 {
		switch {
		case rec.total == 0:
			if rec.have>>uint(total) != 0 {
				return InvalidFragment, nil
			}
			rec.total = total
		case rec.total != total:
			return InvalidFragment, nil
		}
	}

	bit := uint32(1) << uint(index)
	if rec.have&bit != 0 {
		return DuplicateFragment, nil
	}
	frag.Buf.Retain()
	rec.slots[index] = frag
	rec.have |= bit
	rec.count++
	rec.lastTouched = now
	pt.lru.MoveToFront(rec.elem)

	if rec.total == 0 || rec.count < rec.total {
		return OK, nil
	}

	out := make([]buffer.Slice, rec.total)
	copy(out, rec.slots[:rec.total])
	d.remove(pt, rec, false)
	return Complete, out
}

// lockTable returns the path's table with its lock held.
func (d *Defragmenter) lockTable(path PathKey) *pathTable {
	for {
		d.mu.RLock()
		pt := d.paths[path]
		d.mu.RUnlock()

		if pt == nil {
			d.mu.Lock()
			if pt = d.paths[path]; pt == nil {
				pt = &pathTable{records: make(map[uint64]*record)}
				d.paths[path] = pt
			}
			d.mu.Unlock()
		}

		pt.mu.Lock()
		if !pt.dead {
			return pt
		}
		// Expire dropped this table between lookup and lock.
		pt.mu.Unlock()
	}
}

// makeRoom enforces the per-path and global budgets before a new record is created.
// Must be called with pt.mu held.
func (d *Defragmenter) makeRoom(pt *pathTable, now time.Time, maxPerPath int) Result {
	if maxPerPath <= 0 {
		return TooManyFragmentsForPath
	}
	if len(pt.records) >= maxPerPath {
		oldest := pt.lru.Back().Value.(*record)
		if now.Sub(oldest.lastTouched) < d.config.EvictGrace {
			return TooManyFragmentsForPath
		}
		d.remove(pt, oldest, true)
		metrics.ReassemblyEvictionsTotal.WithLabelValues("path_budget").Inc()
	}
	if d.records.Load() >= int64(d.config.MaxRecords) && !d.evictOldest(pt, now) {
		return OutOfMemory
	}
	return OK
}

// evictOldest removes the least recently touched record across all paths, provided it
// has been idle for EvictGrace. Tables other than own that are busy are skipped.
// Must be called with own.mu held.
func (d *Defragmenter) evictOldest(own *pathTable, now time.Time) bool {
	d.mu.RLock()
	tables := make([]*pathTable, 0, len(d.paths))
	for _, pt := range d.paths {
		tables = append(tables, pt)
	}
	d.mu.RUnlock()

	var (
		victimTable *pathTable
		victim      *record
	)
	for _, pt := range tables {
		if pt != own {
			if !pt.mu.TryLock() {
				continue
			}
		}
		if back := pt.lru.Back(); back != nil {
			r := back.Value.(*record)
			if victim == nil || r.lastTouched.Before(victim.lastTouched) {
				if victimTable != nil && victimTable != own {
					victimTable.mu.Unlock()
				}
				victimTable, victim = pt, r
				continue
			}
		}
		if pt != own {
			pt.mu.Unlock()
		}
	}
	if victim == nil {
		return false
	}
	if victimTable != own {
		defer victimTable.mu.Unlock()
	}
	if now.Sub(victim.lastTouched) < d.config.EvictGrace {
		return false
	}
	d.remove(victimTable, victim, true)
	metrics.ReassemblyEvictionsTotal.WithLabelValues("memory").Inc()
	return true
}

// remove deletes rec from pt. Buffers are released when release is set; otherwise the
// caller has taken ownership of them. Must be called with pt.mu held.
func (d *Defragmenter) remove(pt *pathTable, rec *record, release bool) {
	delete(pt.records, rec.packetID)
	pt.lru.Remove(rec.elem)
	if release {
		for i := range rec.slots {
			if rec.have&(1<<uint(i)) != 0 {
				rec.slots[i].Buf.Release()
			}
		}
	}
	rec.slots = [wire.MaxFragments]buffer.Slice{}
	d.records.Add(-1)
	metrics.ReassemblyActiveRecords.Dec()
}

// Expire discards records not touched within the timeout and returns how many went.
// Lock order is table before d.mu, matching evictOldest.
func (d *Defragmenter) Expire(now time.Time) int {
	d.mu.RLock()
	tables := make(map[PathKey]*pathTable, len(d.paths))
	for key, pt := range d.paths {
		tables[key] = pt
	}
	d.mu.RUnlock()

	expired := 0
	for key, pt := range tables {
		pt.mu.Lock()
		for e := pt.lru.Back(); e != nil; {
			r := e.Value.(*record)
			if now.Sub(r.lastTouched) <= d.config.Timeout {
				break
			}
			prev := e.Prev()
			d.remove(pt, r, true)
			expired++
			e = prev
		}
		if len(pt.records) == 0 && !pt.dead {
			pt.dead = true
			d.mu.Lock()
			delete(d.paths, key)
			d.mu.Unlock()
		}
		pt.mu.Unlock()
	}
	if expired > 0 {
		metrics.ReassemblyEvictionsTotal.WithLabelValues("timeout").Add(float64(expired))
	}
	return expired
}

// Records returns the number of incomplete records held.
func (d *Defragmenter) Records() int {
	return int(d.records.Load())
}

// PathRecords returns the number of incomplete records held for one path.
func (d *Defragmenter) PathRecords(path PathKey) int {
	d.mu.RLock()
	pt := d.paths[path]
	d.mu.RUnlock()
	if pt == nil {
		return 0
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.records)
}

// RateLimited returns the number of fragments refused by the rate limiter.
func (d *Defragmenter) RateLimited() int64 {
	if d.limiter == nil {
		return 0
	}
	return d.limiter.Rejected()
}
