package topology

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// Path is a local socket plus remote physical address. One canonical Path exists
// per pair so receive and send times are shared by every peer using it.
type Path struct {
	LocalSocket int64
	Addr        netip.AddrPort

	lastReceive atomic.Int64
	lastSend    atomic.Int64
}

// NewPath creates a path that has seen no traffic.
func NewPath(localSocket int64, addr netip.AddrPort) *Path {
	return &Path{LocalSocket: localSocket, Addr: addr}
}

// Received stamps the last time anything arrived on the path.
func (p *Path) Received(now time.Time) {
	p.lastReceive.Store(now.UnixNano())
}

// Sent stamps the last time anything was sent on the path.
func (p *Path) Sent(now time.Time) {
	p.lastSend.Store(now.UnixNano())
}

// LastReceive is the zero time when nothing has been received.
func (p *Path) LastReceive() time.Time {
	return unixNano(p.lastReceive.Load())
}

func (p *Path) LastSend() time.Time {
	return unixNano(p.lastSend.Load())
}

// Alive reports whether something arrived within timeout.
func (p *Path) Alive(now time.Time, timeout time.Duration) bool {
	last := p.lastReceive.Load()
	return last != 0 && now.UnixNano()-last < int64(timeout)
}

func (p *Path) String() string {
	return p.Addr.String()
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

type pathKey struct {
	localSocket int64
	addr        netip.AddrPort
}
