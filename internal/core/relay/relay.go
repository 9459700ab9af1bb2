// Package relay decides whether a packet is for this node and forwards the ones
// that are not, without decrypting them.
package relay

import (
	"fmt"
	"net/netip"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/wire"
)

// Decision is the outcome of Decide.
type Decision int

const (
	Local Decision = iota
	Forward
	DropHopLimit
)

func (d Decision) String() string {
	switch d {
	case Local:
		return "local"
	case Forward:
		return "forward"
	case DropHopLimit:
		return "drop_hop_limit"
	}
	return "unknown"
}

// Decide classifies a packet by destination and hop count. A packet that has
// already crossed maxHops relays is never forwarded.
func Decide(self, dst core.Address, hops, maxHops uint8) Decision {
	if dst == self {
		return Local
	}
	if hops >= maxHops {
		return DropHopLimit
	}
	return Forward
}

// Router provides next-hop routing decisions. NextHop returns dst itself when dst
// is directly reachable.
type Router interface {
	NextHop(dst core.Address) (core.Address, error)
}

// Paths resolves a node address to the physical path currently used to reach it.
type Paths interface {
	BestPath(addr core.Address) (localSocket int64, to netip.AddrPort, ok bool)
}

// Action is a forward to be executed by the caller. Data aliases the packet passed
// to Relay.
type Action struct {
	NextHop     core.Address
	LocalSocket int64
	To          netip.AddrPort
	Data        []byte
}

// Relayer forwards packets addressed to other nodes.
type Relayer struct {
	Self    core.Address
	Router  Router
	Paths   Paths
	MaxHops uint8
	// Upstream, when set, names the node used when the next hop has no direct path.
	Upstream func() (core.Address, bool)
}

// Relay bumps the hop counter of pkt in place and resolves where it goes next.
// pkt may be a whole packet, a head or a fragment.
func (r *Relayer) Relay(pkt []byte, dst core.Address) (*Action, error) {
	maxHops := r.MaxHops
	if maxHops == 0 || maxHops > wire.MaxHops {
		maxHops = wire.MaxHops
	}
	switch Decide(r.Self, dst, wire.Hops(pkt), maxHops) {
	case Local:
		return nil, fmt.Errorf("%w: %s is this node", core.ErrNoRoute, dst)
	case DropHopLimit:
		return nil, core.ErrHopLimitExceeded
	}

	nextHop := dst
	if r.Router != nil {
		nh, err := r.Router.NextHop(dst)
		if err != nil {
			return nil, err
		}
		nextHop = nh
	}

	sock, to, ok := r.Paths.BestPath(nextHop)
	if !ok && r.Upstream != nil {
		if up, has := r.Upstream(); has && up != nextHop && up != r.Self {
			nextHop = up
			sock, to, ok = r.Paths.BestPath(up)
		}
	}
	if !ok || nextHop == r.Self {
		return nil, fmt.Errorf("%w: %s", core.ErrNoRoute, dst)
	}

	if _, err := wire.IncrementHops(pkt); err != nil {
		return nil, err
	}
	return &Action{NextHop: nextHop, LocalSocket: sock, To: to, Data: pkt}, nil
}
