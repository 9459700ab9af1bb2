package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/core/whois"
	"firestige.xyz/vl1/internal/engine"
	"firestige.xyz/vl1/internal/topology"
	"firestige.xyz/vl1/internal/transport"
)

type fakeEngine struct {
	addr    core.Address
	stats   engine.Stats
	pending []whois.Status
}

func (f *fakeEngine) Address() core.Address        { return f.addr }
func (f *fakeEngine) Stats() engine.Stats          { return f.stats }
func (f *fakeEngine) PendingWhois() []whois.Status { return f.pending }

type fakeDispatcher struct{}

func (fakeDispatcher) Stats() transport.DispatcherStats {
	return transport.DispatcherStats{Delivered: 7, Queued: []int{0, 1}}
}

type fixture struct {
	server *Server
	topo   *topology.Topology
	peer   *topology.Peer
	root   *topology.Peer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	self, err := crypto.Generate()
	require.NoError(t, err)
	topo, err := topology.New(self, topology.Config{})
	require.NoError(t, err)

	pid, err := crypto.Generate()
	require.NoError(t, err)
	peer, err := topo.Add(pid.PublicOnly())
	require.NoError(t, err)
	peer.Received(topo.Path(1, netip.MustParseAddrPort("192.0.2.10:9993")), 0, time.Now())
	peer.SetVersion(topology.Version{Proto: 11, Major: 1, Minor: 2, Revision: 3})
	peer.SetLatency(15 * time.Millisecond)

	rid, err := crypto.Generate()
	require.NoError(t, err)
	root, err := topo.AddRoot(rid.PublicOnly(), 1, netip.MustParseAddrPort("198.51.100.1:9993"))
	require.NoError(t, err)

	e := &fakeEngine{
		addr:    self.Address,
		stats:   engine.Stats{Received: 10, Dispatched: 4},
		pending: []whois.Status{{Address: 0x0102030405, State: "request_sent", Retries: 1, Packets: 2}},
	}
	return &fixture{
		server: New("127.0.0.1:0", "1.0.0", e, topo, fakeDispatcher{}),
		topo:   topo,
		peer:   peer,
		root:   root,
	}
}

func (f *fixture) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	var resp StatusResponse
	require.Equal(t, http.StatusOK, f.get(t, "/status", &resp))
	assert.Equal(t, f.topo.Self().Address, resp.Address)
	assert.Equal(t, "1.0.0", resp.Version)
	assert.Equal(t, 2, resp.Peers)
	assert.Equal(t, uint64(10), resp.Engine.Received)
	assert.Equal(t, uint64(4), resp.Engine.Dispatched)
	require.NotNil(t, resp.Dispatcher)
	assert.Equal(t, uint64(7), resp.Dispatcher.Delivered)
}

func TestPeers(t *testing.T) {
	f := newFixture(t)
	var peers []PeerInfo
	require.Equal(t, http.StatusOK, f.get(t, "/peer", &peers))
	require.Len(t, peers, 2)

	byAddr := map[core.Address]PeerInfo{}
	for _, p := range peers {
		byAddr[p.Address] = p
	}
	assert.True(t, byAddr[f.root.Address()].Root)
	p := byAddr[f.peer.Address()]
	assert.False(t, p.Root)
	assert.Equal(t, "1.2.3/11", p.Version)
	assert.InDelta(t, 15.0, p.LatencyMs, 0.001)
	require.Len(t, p.Paths, 1)
	assert.Equal(t, "192.0.2.10:9993", p.Paths[0].Address)
	assert.Equal(t, f.peer.Identity().String(), p.Identity)
}

func TestPeerLookup(t *testing.T) {
	f := newFixture(t)

	var p PeerInfo
	require.Equal(t, http.StatusOK, f.get(t, "/peer/"+f.peer.Address().String(), &p))
	assert.Equal(t, f.peer.Address(), p.Address)

	var e errorResponse
	assert.Equal(t, http.StatusNotFound, f.get(t, "/peer/0102030405", &e))
	assert.Contains(t, e.Error, "0102030405")
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/peer/xyz", &e))
}

func TestWhois(t *testing.T) {
	f := newFixture(t)
	var resp WhoisResponse
	require.Equal(t, http.StatusOK, f.get(t, "/whois", &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, core.Address(0x0102030405), resp.Pending[0].Address)
	assert.Equal(t, "request_sent", resp.Pending[0].State)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.server.Start(context.Background()))
	resp, err := http.Get("http://" + f.server.Addr().String() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, f.server.Stop(context.Background()))
}
