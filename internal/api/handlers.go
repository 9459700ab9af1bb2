package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/whois"
	"firestige.xyz/vl1/internal/engine"
	"firestige.xyz/vl1/internal/topology"
	"firestige.xyz/vl1/internal/transport"
)

// StatusResponse describes the local node.
type StatusResponse struct {
	Address       core.Address               `json:"address"`
	Version       string                     `json:"version"`
	Uptime        string                     `json:"uptime"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Peers         int                        `json:"peers"`
	Engine        engine.Stats               `json:"engine"`
	Dispatcher    *transport.DispatcherStats `json:"dispatcher,omitempty"`
}

// PathInfo describes one physical path to a peer.
type PathInfo struct {
	LocalSocket int64     `json:"local_socket"`
	Address     string    `json:"address"`
	LastReceive time.Time `json:"last_receive"`
	LastSend    time.Time `json:"last_send"`
}

// PeerInfo describes a known peer.
type PeerInfo struct {
	Address     core.Address `json:"address"`
	Identity    string       `json:"identity"`
	Root        bool         `json:"root"`
	Version     string       `json:"version"`
	LatencyMs   float64      `json:"latency_ms"`
	LastReceive time.Time    `json:"last_receive"`
	Paths       []PathInfo   `json:"paths"`
}

// WhoisResponse lists addresses waiting on a WHOIS.
type WhoisResponse struct {
	Count   int            `json:"count"`
	Pending []whois.Status `json:"pending"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(c *gin.Context) {
	uptime := s.now().Sub(s.started)
	resp := StatusResponse{
		Address:       s.engine.Address(),
		Version:       s.version,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Peers:         len(s.dir.Peers()),
		Engine:        s.engine.Stats(),
	}
	if s.dispatcher != nil {
		ds := s.dispatcher.Stats()
		resp.Dispatcher = &ds
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePeers(c *gin.Context) {
	peers := s.dir.Peers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, s.peerInfo(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePeer(c *gin.Context) {
	addr, err := core.ParseAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	p, ok := s.dir.Lookup(addr)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: fmt.Sprintf("peer %s not known", addr)})
		return
	}
	c.JSON(http.StatusOK, s.peerInfo(p))
}

func (s *Server) handleWhois(c *gin.Context) {
	pending := s.engine.PendingWhois()
	c.JSON(http.StatusOK, WhoisResponse{Count: len(pending), Pending: pending})
}

func (s *Server) peerInfo(p *topology.Peer) PeerInfo {
	v := p.Version()
	info := PeerInfo{
		Address:     p.Address(),
		Identity:    p.Identity().String(),
		Root:        s.dir.IsRoot(p.Address()),
		LatencyMs:   float64(p.Latency()) / float64(time.Millisecond),
		LastReceive: p.LastReceive(),
		Paths:       []PathInfo{},
	}
	if v.Proto != 0 {
		info.Version = fmt.Sprintf("%d.%d.%d/%d", v.Major, v.Minor, v.Revision, v.Proto)
	}
	for _, path := range p.Paths() {
		info.Paths = append(info.Paths, PathInfo{
			LocalSocket: path.LocalSocket,
			Address:     path.Addr.String(),
			LastReceive: path.LastReceive(),
			LastSend:    path.LastSend(),
		})
	}
	return info
}
