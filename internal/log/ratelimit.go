package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited forwards at most burst lines per interval to the wrapped logger and counts
// the rest. Drops caused by exhausted tables go through it so a flood of bad datagrams
// cannot turn into a flood of log lines.
type RateLimited struct {
	next       Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewRateLimited wraps next. every is the refill interval of a single log token.
func NewRateLimited(next Logger, every time.Duration, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Logger returns the wrapped logger when a token is available, nil otherwise.
// When lines were suppressed since the last emitted one, the count is attached as a field.
func (r *RateLimited) Logger() Logger {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return nil
	}
	if n := r.suppressed.Swap(0); n > 0 {
		return r.next.WithField("suppressed", n)
	}
	return r.next
}

// Suppressed returns how many lines are pending suppression accounting.
func (r *RateLimited) Suppressed() uint64 {
	return r.suppressed.Load()
}
