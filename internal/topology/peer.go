package topology

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/crypto"
)

// Version is what a peer reported in its HELLO.
type Version struct {
	Proto    uint8  `json:"proto"`
	Major    uint8  `json:"major"`
	Minor    uint8  `json:"minor"`
	Revision uint16 `json:"revision"`
}

// Peer is a node whose identity is known and with which a key has been agreed.
type Peer struct {
	identity crypto.Identity
	key      crypto.Key

	mu       sync.RWMutex
	paths    []*Path // most recently active first
	maxPaths int
	version  Version

	lastReceive atomic.Int64
	latency     atomic.Int64

	whoisGate *rate.Limiter
	echoGate  *rate.Limiter
}

func newPeer(id crypto.Identity, key crypto.Key, cfg Config) *Peer {
	return &Peer{
		identity:  id.PublicOnly(),
		key:       key,
		maxPaths:  cfg.MaxPathsPerPeer,
		whoisGate: rate.NewLimiter(cfg.WhoisRate, cfg.WhoisBurst),
		echoGate:  rate.NewLimiter(cfg.EchoRate, cfg.EchoBurst),
	}
}

func (p *Peer) Address() core.Address { return p.identity.Address }

func (p *Peer) Identity() crypto.Identity { return p.identity }

// Key is the long-lived shared secret. The returned key must not be modified.
func (p *Peer) Key() *crypto.Key { return &p.key }

// Received records authenticated traffic from the peer. Packets that arrived
// directly (zero hops) teach the peer's physical path.
func (p *Peer) Received(path *Path, hops uint8, now time.Time) {
	p.lastReceive.Store(now.UnixNano())
	if path == nil || hops != 0 {
		return
	}
	p.learnPath(path)
}

func (p *Peer) learnPath(path *Path) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.paths {
		if existing == path {
			copy(p.paths[1:i+1], p.paths[:i])
			p.paths[0] = path
			return
		}
	}
	if p.maxPaths > 0 && len(p.paths) >= p.maxPaths {
		p.paths = p.paths[:p.maxPaths-1]
	}
	p.paths = append([]*Path{path}, p.paths...)
}

// BestPath is the most recently active path, if any.
func (p *Peer) BestPath() (*Path, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.paths) == 0 {
		return nil, false
	}
	return p.paths[0], true
}

// Paths returns a snapshot of the peer's paths.
func (p *Peer) Paths() []*Path {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Path(nil), p.paths...)
}

func (p *Peer) SetVersion(v Version) {
	p.mu.Lock()
	p.version = v
	p.mu.Unlock()
}

func (p *Peer) Version() Version {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Peer) LastReceive() time.Time {
	return unixNano(p.lastReceive.Load())
}

func (p *Peer) SetLatency(d time.Duration) { p.latency.Store(int64(d)) }

func (p *Peer) Latency() time.Duration { return time.Duration(p.latency.Load()) }

// AllowWhois gates inbound WHOIS requests from this peer.
func (p *Peer) AllowWhois(now time.Time) bool { return p.whoisGate.AllowN(now, 1) }

// AllowEcho gates inbound ECHO requests from this peer.
func (p *Peer) AllowEcho(now time.Time) bool { return p.echoGate.AllowN(now, 1) }
