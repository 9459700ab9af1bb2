package engine

import (
	"context"
	"sync/atomic"
	"time"

	"firestige.xyz/vl1/internal/core/whois"
)

type counters struct {
	received   atomic.Uint64
	dropped    atomic.Uint64
	dispatched atomic.Uint64
	relayed    atomic.Uint64
	queued     atomic.Uint64
	sent       atomic.Uint64
}

// Stats is a point-in-time view of the engine's counters and tables.
type Stats struct {
	Received          uint64        `json:"received"`
	Dropped           uint64        `json:"dropped"`
	Dispatched        uint64        `json:"dispatched"`
	Relayed           uint64        `json:"relayed"`
	Queued            uint64        `json:"queued"`
	Sent              uint64        `json:"sent"`
	ReassemblyRecords int           `json:"reassembly_records"`
	WhoisPending      int           `json:"whois_pending"`
	ExpectedReplies   int           `json:"expected_replies"`
	Uptime            time.Duration `json:"uptime"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Received:          e.stats.received.Load(),
		Dropped:           e.stats.dropped.Load(),
		Dispatched:        e.stats.dispatched.Load(),
		Relayed:           e.stats.relayed.Load(),
		Queued:            e.stats.queued.Load(),
		Sent:              e.stats.sent.Load(),
		ReassemblyRecords: e.defrag.Records(),
		WhoisPending:      e.whois.Len(),
		ExpectedReplies:   e.expect.len(),
		Uptime:            e.now().Sub(e.started),
	}
}

// PendingWhois lists the addresses waiting for identity resolution.
func (e *Engine) PendingWhois() []whois.Status {
	return e.whois.Pending()
}

type pathPruner interface {
	PrunePaths(now time.Time, idle time.Duration) int
}

// Service runs periodic maintenance: reassembly expiry, WHOIS retries and expiry,
// and forgetting stale requests and paths. It must be called regularly.
func (e *Engine) Service(now time.Time) {
	if n := e.defrag.Expire(now); n > 0 {
		e.logger.WithField("records", n).Trace("expired incomplete packets")
	}

	retry, expired := e.whois.Service(now)
	if len(retry) > 0 {
		e.sendWhois(retry)
	}
	for _, x := range expired {
		e.logger.WithField("address", x.Address).WithField("dropped", x.Dropped).Debug("WHOIS gave up")
	}

	e.expect.prune(now)
	if p, ok := e.dir.(pathPruner); ok {
		p.PrunePaths(now, e.cfg.PathIdleTimeout)
	}
}

// Run calls Service every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Service(e.now())
		}
	}
}

// Close releases every packet still held for reassembly or identity resolution.
func (e *Engine) Close() {
	e.whois.Close()
	e.defrag.Expire(e.now().Add(24 * time.Hour))
}
