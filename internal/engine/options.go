package engine

import (
	"time"

	"firestige.xyz/vl1/internal/core/defrag"
	"firestige.xyz/vl1/internal/core/relay"
	"firestige.xyz/vl1/internal/core/whois"
	"firestige.xyz/vl1/internal/core/wire"
)

// Config bounds every table the engine keeps.
type Config struct {
	// MTU is the largest datagram sent; bigger packets are fragmented.
	MTU int
	// MaxFragmentsPerPath caps incomplete reassemblies per physical path.
	MaxFragmentsPerPath int
	// MaxHops is the relay depth limit, at most wire.MaxHops.
	MaxHops uint8
	Defrag  defrag.Config
	Whois   whois.Config
	// ExpectTimeout is how long a sent request accepts its OK or ERROR.
	ExpectTimeout time.Duration
	MaxExpected   int
	// PathIdleTimeout is how long an unused path is kept.
	PathIdleTimeout time.Duration
	// CompressMin is the smallest payload worth compressing.
	CompressMin int
}

func (c *Config) applyDefaults() {
	if c.MTU <= 0 {
		c.MTU = wire.DefaultPhysMTU
	}
	if c.MaxFragmentsPerPath <= 0 {
		c.MaxFragmentsPerPath = 64
	}
	if c.MaxHops == 0 || c.MaxHops > wire.MaxHops {
		c.MaxHops = wire.MaxHops
	}
	if c.ExpectTimeout <= 0 {
		c.ExpectTimeout = 10 * time.Second
	}
	if c.MaxExpected <= 0 {
		c.MaxExpected = 4096
	}
	if c.PathIdleTimeout <= 0 {
		c.PathIdleTimeout = 2 * time.Minute
	}
	if c.CompressMin <= 0 {
		c.CompressMin = 64
	}
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	diagnostics Diagnostics
	router      relay.Router
	clock       func() time.Time
}

// WithDiagnostics replaces the default metrics and log reporting of dropped packets.
func WithDiagnostics(d Diagnostics) Option {
	return func(o *options) {
		o.diagnostics = d
	}
}

// WithRouter sets the next-hop router used for relaying. By default packets
// are forwarded straight to their destination, or to the root when no path is known.
func WithRouter(r relay.Router) Option {
	return func(o *options) {
		o.router = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}
