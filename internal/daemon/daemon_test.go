package daemon

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vl1/internal/config"
	"firestige.xyz/vl1/internal/core/wire"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Node.Identity = filepath.Join(dir, "identity.secret")
	cfg.Node.PeerCache = filepath.Join(dir, "peers.cache")
	cfg.Node.Listen = []string{"127.0.0.1:0"}
	cfg.Metrics.Enabled = false
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Workers.Count = 2
	cfg.Engine.ServiceInterval = 20 * time.Millisecond
	return cfg
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	pidFile := filepath.Join(t.TempDir(), "vl1.pid")
	d := NewWithConfig(cfg, pidFile)
	require.NoError(t, d.Start())

	_, err := os.Stat(pidFile)
	require.NoError(t, err)
	id, err := ReadIdentityFile(cfg.Node.Identity)
	require.NoError(t, err)
	assert.True(t, id.HasSecret())
	assert.Equal(t, id.Address.String(), d.Address())

	resp, err := http.Get("http://" + d.apiServer.Addr().String() + "/status")
	require.NoError(t, err)
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, d.Address(), status["address"])

	d.Stop()
	d.Stop()
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.Node.PeerCache)
	assert.NoError(t, err)

	// A restart keeps the identity.
	d2 := NewWithConfig(cfg, "")
	require.NoError(t, d2.Start())
	defer d2.Stop()
	assert.Equal(t, id.Address.String(), d2.Address())
}

func TestDaemonGreetsRoot(t *testing.T) {
	root := NewWithConfig(testConfig(t), "")
	require.NoError(t, root.Start())
	defer root.Stop()
	rootAddr := root.udp.LocalAddrs()[1]

	cfg := testConfig(t)
	cfg.Node.Roots = []config.RootConfig{{
		Identity:  root.identity.PublicOnly().String(),
		Endpoints: []string{rootAddr.String()},
	}}
	leaf := NewWithConfig(cfg, "")
	require.NoError(t, leaf.Start())
	defer leaf.Stop()

	require.Eventually(t, func() bool {
		_, ok := root.topo.Lookup(leaf.identity.Address)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "root never learned the leaf")

	rootPeer, ok := leaf.topo.Lookup(root.identity.Address)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return rootPeer.Version().Proto == wire.ProtoVersion
	}, 5*time.Second, 10*time.Millisecond, "leaf never saw OK(HELLO)")
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "identity.secret")
	id, created, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, id.Equal(again))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	public := filepath.Join(t.TempDir(), "identity.public")
	require.NoError(t, WriteIdentityFile(public, id.PublicOnly()))
	_, _, err = LoadOrCreateIdentity(public)
	assert.Error(t, err)
}
