package relay

import (
	"sync"

	"firestige.xyz/vl1/internal/core"
)

// RouteTable is a static next-hop table. Destinations without an entry are treated
// as directly reachable.
//
// Thread-safe: all methods are safe for concurrent use.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[core.Address]core.Address // dst -> next hop
}

// NewRouteTable creates an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[core.Address]core.Address)}
}

// AddRoute sets the next hop for reaching dst.
func (rt *RouteTable) AddRoute(dst, nextHop core.Address) {
	rt.mu.Lock()
	rt.routes[dst] = nextHop
	rt.mu.Unlock()
}

// RemoveRoute makes dst directly reachable again.
func (rt *RouteTable) RemoveRoute(dst core.Address) {
	rt.mu.Lock()
	delete(rt.routes, dst)
	rt.mu.Unlock()
}

// NextHop implements Router.
func (rt *RouteTable) NextHop(dst core.Address) (core.Address, error) {
	rt.mu.RLock()
	nh, ok := rt.routes[dst]
	rt.mu.RUnlock()
	if ok {
		return nh, nil
	}
	return dst, nil
}

// Len returns the number of routes.
func (rt *RouteTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.routes)
}

// Routes returns a snapshot copy of all routes.
func (rt *RouteTable) Routes() map[core.Address]core.Address {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	snap := make(map[core.Address]core.Address, len(rt.routes))
	for k, v := range rt.routes {
		snap[k] = v
	}
	return snap
}
