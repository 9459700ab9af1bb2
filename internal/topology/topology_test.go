package topology

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/crypto"
)

func newIdentity(t *testing.T) crypto.Identity {
	t.Helper()
	id, err := crypto.Generate()
	require.NoError(t, err)
	return id
}

func newTopology(t *testing.T) (*Topology, crypto.Identity) {
	t.Helper()
	self := newIdentity(t)
	topo, err := New(self, Config{})
	require.NoError(t, err)
	return topo, self
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(newIdentity(t).PublicOnly(), Config{})
	assert.ErrorIs(t, err, core.ErrInvalidObject)
}

func TestAddAgreesKey(t *testing.T) {
	topo, self := newTopology(t)
	remote := newIdentity(t)

	peer, err := topo.Add(remote.PublicOnly())
	require.NoError(t, err)
	assert.Equal(t, remote.Address, peer.Address())
	assert.False(t, peer.Identity().HasSecret())

	// The remote side computes the same secret.
	want, err := remote.Agree(self.PublicOnly())
	require.NoError(t, err)
	assert.Equal(t, want, *peer.Key())

	got, ok := topo.Lookup(remote.Address)
	require.True(t, ok)
	assert.Same(t, peer, got)

	again, err := topo.Add(remote.PublicOnly())
	require.NoError(t, err)
	assert.Same(t, peer, again)
	assert.Equal(t, 1, topo.Len())
}

func TestAddRejects(t *testing.T) {
	topo, self := newTopology(t)

	_, err := topo.Add(self.PublicOnly())
	assert.ErrorIs(t, err, core.ErrInvalidObject)

	remote := newIdentity(t).PublicOnly()
	forged := remote
	forged.Public[0] ^= 1
	_, err = topo.Add(forged)
	assert.ErrorIs(t, err, core.ErrInvalidObject, "address does not derive from key")

	_, ok := topo.Lookup(remote.Address)
	assert.False(t, ok)
}

func TestPathIsCanonical(t *testing.T) {
	topo, _ := newTopology(t)
	ap := netip.MustParseAddrPort("1.2.3.4:9993")

	a := topo.Path(1, ap)
	b := topo.Path(1, ap)
	c := topo.Path(2, ap)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	_, ok := topo.ExistingPath(3, ap)
	assert.False(t, ok)
}

func TestPeerLearnsDirectPaths(t *testing.T) {
	topo, _ := newTopology(t)
	peer, err := topo.Add(newIdentity(t).PublicOnly())
	require.NoError(t, err)
	now := time.Now()

	p1 := topo.Path(1, netip.MustParseAddrPort("1.1.1.1:9993"))
	p2 := topo.Path(1, netip.MustParseAddrPort("2.2.2.2:9993"))

	peer.Received(p1, 2, now)
	_, ok := peer.BestPath()
	assert.False(t, ok, "relayed traffic does not teach a path")

	peer.Received(p1, 0, now)
	peer.Received(p2, 0, now)
	best, ok := peer.BestPath()
	require.True(t, ok)
	assert.Same(t, p2, best)

	peer.Received(p1, 0, now)
	best, _ = peer.BestPath()
	assert.Same(t, p1, best)
	assert.Len(t, peer.Paths(), 2)

	sock, ap, ok := topo.BestPath(peer.Address())
	require.True(t, ok)
	assert.Equal(t, int64(1), sock)
	assert.Equal(t, p1.Addr, ap)
}

func TestPrunePaths(t *testing.T) {
	topo, _ := newTopology(t)
	now := time.Now()
	peer, err := topo.Add(newIdentity(t).PublicOnly())
	require.NoError(t, err)

	used := topo.Path(1, netip.MustParseAddrPort("1.1.1.1:9993"))
	peer.Received(used, 0, now)
	idle := topo.Path(1, netip.MustParseAddrPort("2.2.2.2:9993"))
	idle.Received(now.Add(-time.Hour))
	fresh := topo.Path(1, netip.MustParseAddrPort("3.3.3.3:9993"))
	fresh.Received(now)

	assert.Equal(t, 1, topo.PrunePaths(now, time.Minute))
	_, ok := topo.ExistingPath(1, idle.Addr)
	assert.False(t, ok)
	_, ok = topo.ExistingPath(1, used.Addr)
	assert.True(t, ok)
	_, ok = topo.ExistingPath(1, fresh.Addr)
	assert.True(t, ok)
}

func TestRoot(t *testing.T) {
	topo, _ := newTopology(t)
	_, ok := topo.Root()
	assert.False(t, ok)

	root := newIdentity(t).PublicOnly()
	ep := netip.MustParseAddrPort("9.9.9.9:9993")
	_, err := topo.AddRoot(root, 1, ep)
	require.NoError(t, err)

	peer, ok := topo.Root()
	require.True(t, ok)
	assert.Equal(t, root.Address, peer.Address())
	assert.True(t, topo.IsRoot(root.Address))

	addr, ok := topo.RootAddress()
	require.True(t, ok)
	assert.Equal(t, root.Address, addr)

	_, ap, ok := topo.BestPath(root.Address)
	require.True(t, ok)
	assert.Equal(t, ep, ap)
}

func TestTrustedPath(t *testing.T) {
	topo, _ := newTopology(t)
	topo.SetTrustedPaths([]TrustedPath{{ID: 77, Network: netip.MustParsePrefix("10.0.0.0/8")}})

	assert.True(t, topo.TrustedPath(netip.MustParseAddrPort("10.1.2.3:9993"), 77))
	assert.True(t, topo.TrustedPath(netip.MustParseAddrPort("[::ffff:10.1.2.3]:9993"), 77))
	assert.False(t, topo.TrustedPath(netip.MustParseAddrPort("10.1.2.3:9993"), 78))
	assert.False(t, topo.TrustedPath(netip.MustParseAddrPort("11.1.2.3:9993"), 77))
}

func TestPeerRateGates(t *testing.T) {
	topo, err := New(newIdentity(t), Config{WhoisRate: 1, WhoisBurst: 2, EchoRate: 1, EchoBurst: 1})
	require.NoError(t, err)
	peer, err := topo.Add(newIdentity(t).PublicOnly())
	require.NoError(t, err)

	now := time.Now()
	assert.True(t, peer.AllowWhois(now))
	assert.True(t, peer.AllowWhois(now))
	assert.False(t, peer.AllowWhois(now))
	assert.True(t, peer.AllowWhois(now.Add(time.Second)))

	assert.True(t, peer.AllowEcho(now))
	assert.False(t, peer.AllowEcho(now))
}

func TestCacheRoundTrip(t *testing.T) {
	topo, self := newTopology(t)
	remote := newIdentity(t).PublicOnly()
	peer, err := topo.Add(remote)
	require.NoError(t, err)
	path := topo.Path(1, netip.MustParseAddrPort("1.2.3.4:9993"))
	peer.Received(path, 0, time.Now())

	cache := NewCache(filepath.Join(t.TempDir(), "peers.cache"))
	require.NoError(t, cache.Save(topo))

	restored, err := New(self, Config{})
	require.NoError(t, err)
	n, err := cache.Load(restored)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := restored.Lookup(remote.Address)
	require.True(t, ok)
	assert.True(t, got.Identity().Equal(remote))
	assert.Equal(t, *peer.Key(), *got.Key())
	best, ok := got.BestPath()
	require.True(t, ok)
	assert.Equal(t, path.Addr, best.Addr)
}

func TestCacheMissingFile(t *testing.T) {
	topo, _ := newTopology(t)
	n, err := NewCache(filepath.Join(t.TempDir(), "none")).Load(topo)
	require.NoError(t, err)
	assert.Zero(t, n)
}
