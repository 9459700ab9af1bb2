// Package topology is the peer directory: known identities, their shared keys
// and the physical paths used to reach them.
package topology

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/metrics"
)

// Config tunes per-peer limits.
type Config struct {
	MaxPathsPerPeer int
	WhoisRate       rate.Limit
	WhoisBurst      int
	EchoRate        rate.Limit
	EchoBurst       int
}

// TrustedPath is a network on which packets may skip encryption and
// authentication, provided they carry the matching ID.
type TrustedPath struct {
	ID      uint64
	Network netip.Prefix
}

// Topology is safe for concurrent use. Lookups take a read lock only.
type Topology struct {
	self crypto.Identity
	cfg  Config

	mu      sync.RWMutex
	peers   map[core.Address]*Peer
	paths   map[pathKey]*Path
	roots   []core.Address
	trusted []TrustedPath
}

// New creates a directory for the local identity, which must hold its secret.
func New(self crypto.Identity, cfg Config) (*Topology, error) {
	if !self.HasSecret() {
		return nil, fmt.Errorf("%w: local identity %s has no secret key", core.ErrInvalidObject, self.Address)
	}
	if cfg.MaxPathsPerPeer <= 0 {
		cfg.MaxPathsPerPeer = 8
	}
	if cfg.WhoisRate <= 0 {
		cfg.WhoisRate = 10
	}
	if cfg.WhoisBurst <= 0 {
		cfg.WhoisBurst = 20
	}
	if cfg.EchoRate <= 0 {
		cfg.EchoRate = 4
	}
	if cfg.EchoBurst <= 0 {
		cfg.EchoBurst = 8
	}
	return &Topology{
		self:  self,
		cfg:   cfg,
		peers: make(map[core.Address]*Peer),
		paths: make(map[pathKey]*Path),
	}, nil
}

// Self is the local identity.
func (t *Topology) Self() crypto.Identity { return t.self }

// Lookup finds a known peer.
func (t *Topology) Lookup(addr core.Address) (*Peer, bool) {
	t.mu.RLock()
	p, ok := t.peers[addr]
	t.mu.RUnlock()
	return p, ok
}

// Add learns an identity and agrees a key with it. Adding an identity that is
// already known returns the existing peer; a different key for a known address
// is rejected.
func (t *Topology) Add(id crypto.Identity) (*Peer, error) {
	if id.Address == t.self.Address {
		return nil, fmt.Errorf("%w: identity claims the local address %s", core.ErrInvalidObject, id.Address)
	}
	if !id.LocallyValidate() {
		return nil, fmt.Errorf("%w: identity %s does not validate", core.ErrInvalidObject, id.Address)
	}
	if p, ok := t.Lookup(id.Address); ok {
		if !p.identity.Equal(id) {
			return nil, fmt.Errorf("%w: address collision for %s", core.ErrInvalidObject, id.Address)
		}
		return p, nil
	}

	key, err := t.self.Agree(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id.Address]; ok {
		if !p.identity.Equal(id) {
			return nil, fmt.Errorf("%w: address collision for %s", core.ErrInvalidObject, id.Address)
		}
		return p, nil
	}
	p := newPeer(id, key, t.cfg)
	t.peers[id.Address] = p
	metrics.PeersKnown.Set(float64(len(t.peers)))
	return p, nil
}

// Path returns the canonical path for the pair, creating it on first use.
func (t *Topology) Path(localSocket int64, addr netip.AddrPort) *Path {
	k := pathKey{localSocket: localSocket, addr: addr}
	t.mu.RLock()
	p, ok := t.paths[k]
	t.mu.RUnlock()
	if ok {
		return p
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.paths[k]; ok {
		return p
	}
	p = NewPath(localSocket, addr)
	t.paths[k] = p
	return p
}

// ExistingPath returns the canonical path without creating one.
func (t *Topology) ExistingPath(localSocket int64, addr netip.AddrPort) (*Path, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.paths[pathKey{localSocket: localSocket, addr: addr}]
	return p, ok
}

// PrunePaths forgets paths that no peer uses and that have been idle for longer
// than idle. It returns how many were removed.
func (t *Topology) PrunePaths(now time.Time, idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	used := make(map[*Path]struct{})
	for _, peer := range t.peers {
		for _, p := range peer.Paths() {
			used[p] = struct{}{}
		}
	}
	n := 0
	for k, p := range t.paths {
		if _, ok := used[p]; ok {
			continue
		}
		last := p.lastReceive.Load()
		if last == 0 || now.UnixNano()-last > int64(idle) {
			delete(t.paths, k)
			n++
		}
	}
	return n
}

// BestPath resolves an address to its most recently active path.
func (t *Topology) BestPath(addr core.Address) (int64, netip.AddrPort, bool) {
	peer, ok := t.Lookup(addr)
	if !ok {
		return 0, netip.AddrPort{}, false
	}
	path, ok := peer.BestPath()
	if !ok {
		return 0, netip.AddrPort{}, false
	}
	return path.LocalSocket, path.Addr, true
}

// AddRoot adds a root node with its static endpoints. Roots answer WHOIS and
// relay for nodes that have no direct path.
func (t *Topology) AddRoot(id crypto.Identity, localSocket int64, endpoints ...netip.AddrPort) (*Peer, error) {
	peer, err := t.Add(id)
	if err != nil {
		return nil, err
	}
	for i := len(endpoints) - 1; i >= 0; i-- {
		peer.learnPath(t.Path(localSocket, endpoints[i]))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.roots {
		if r == id.Address {
			return peer, nil
		}
	}
	t.roots = append(t.roots, id.Address)
	return peer, nil
}

// Root returns the preferred root: the first configured root that has a path.
func (t *Topology) Root() (*Peer, bool) {
	t.mu.RLock()
	roots := append([]core.Address(nil), t.roots...)
	t.mu.RUnlock()
	var fallback *Peer
	for _, addr := range roots {
		peer, ok := t.Lookup(addr)
		if !ok {
			continue
		}
		if _, has := peer.BestPath(); has {
			return peer, true
		}
		if fallback == nil {
			fallback = peer
		}
	}
	return fallback, fallback != nil
}

// RootAddress is Root reduced to its address, for relay fallback.
func (t *Topology) RootAddress() (core.Address, bool) {
	peer, ok := t.Root()
	if !ok {
		return 0, false
	}
	return peer.Address(), true
}

// IsRoot reports whether addr is a configured root.
func (t *Topology) IsRoot(addr core.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.roots {
		if r == addr {
			return true
		}
	}
	return false
}

// SetTrustedPaths replaces the trusted path table.
func (t *Topology) SetTrustedPaths(paths []TrustedPath) {
	t.mu.Lock()
	t.trusted = append([]TrustedPath(nil), paths...)
	t.mu.Unlock()
}

// TrustedPath reports whether a packet from addr carrying id may skip authentication.
func (t *Topology) TrustedPath(addr netip.AddrPort, id uint64) bool {
	ip := addr.Addr().Unmap()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tp := range t.trusted {
		if tp.ID == id && tp.Network.Contains(ip) {
			return true
		}
	}
	return false
}

// Peers returns a snapshot ordered by address.
func (t *Topology) Peers() []*Peer {
	t.mu.RLock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Len is the number of known peers.
func (t *Topology) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
