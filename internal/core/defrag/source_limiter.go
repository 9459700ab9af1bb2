package defrag

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// SourceLimiter caps the fragments accepted from one source IP. Each source counts
// inside its own fixed window, which starts at its first fragment and resets once it
// has expired; there is no sliding carry-over between windows. Sources are keyed by
// IP only, so rotating the port does not buy a fresh budget.
type SourceLimiter struct {
	window time.Duration
	limit  int64

	mu      sync.Mutex
	sources map[netip.Addr]*sourceWindow
	sweepAt time.Time

	rejected atomic.Int64
}

type sourceWindow struct {
	start time.Time
	count int64
}

// SourceLimiterConfig sets the per-source budget. A zero PerSource disables limiting.
type SourceLimiterConfig struct {
	PerSource int
	Window    time.Duration // default 10s
}

// NewSourceLimiter returns nil when limiting is disabled.
func NewSourceLimiter(cfg SourceLimiterConfig) *SourceLimiter {
	if cfg.PerSource <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	return &SourceLimiter{
		window:  cfg.Window,
		limit:   int64(cfg.PerSource),
		sources: make(map[netip.Addr]*sourceWindow),
	}
}

// Allow charges one fragment to src and reports whether its window still has room.
func (l *SourceLimiter) Allow(src netip.Addr, now time.Time) bool {
	src = src.Unmap()

	l.mu.Lock()
	if !now.Before(l.sweepAt) {
		l.sweep(now)
	}
	w := l.sources[src]
	if w == nil {
		w = &sourceWindow{start: now}
		l.sources[src] = w
	} else if now.Sub(w.start) >= l.window {
		w.start, w.count = now, 0
	}
	w.count++
	ok := w.count <= l.limit
	l.mu.Unlock()

	if !ok {
		l.rejected.Add(1)
	}
	return ok
}

// sweep forgets sources whose window has expired. Called with mu held.
func (l *SourceLimiter) sweep(now time.Time) {
	for src, w := range l.sources {
		if now.Sub(w.start) >= l.window {
			delete(l.sources, src)
		}
	}
	l.sweepAt = now.Add(l.window)
}

// Rejected is the number of fragments refused so far.
func (l *SourceLimiter) Rejected() int64 {
	return l.rejected.Load()
}

// ActiveSources is the number of sources currently tracked.
func (l *SourceLimiter) ActiveSources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
