package config

import (
	"bytes"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/crypto"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	root, err := crypto.Generate()
	require.NoError(t, err)

	path := writeConfig(t, `
vl1:
  node:
    identity: /tmp/vl1/identity.secret
    peer_cache: ""
    listen:
      - "0.0.0.0:9993"
      - "[::]:9993"
    roots:
      - identity: "`+root.String()+`"
        endpoints:
          - "198.51.100.7:9993"
  engine:
    mtu: 1400
    fragment_timeout: 5s
    evict_grace: 250ms
    whois_max_retries: 6
  relay:
    max_hops: 3
    routes:
      - destination: "0102030405"
        next_hop: "0a0b0c0d0e"
  trusted_paths:
    - id: 42
      network: 10.1.0.7/16
  log:
    level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	addrs, err := cfg.ListenAddrs()
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("0.0.0.0:9993"),
		netip.MustParseAddrPort("[::]:9993"),
	}, addrs)

	roots, err := cfg.ParseRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.True(t, roots[0].Identity.Equal(root))
	assert.False(t, roots[0].Identity.HasSecret())
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("198.51.100.7:9993")}, roots[0].Endpoints)

	require.Len(t, cfg.Relay.Routes, 1)
	assert.Equal(t, core.Address(0x0102030405), cfg.Relay.Routes[0].Destination)
	assert.Equal(t, core.Address(0x0a0b0c0d0e), cfg.Relay.Routes[0].NextHop)

	tps, err := cfg.ParseTrustedPaths()
	require.NoError(t, err)
	require.Len(t, tps, 1)
	assert.Equal(t, uint64(42), tps[0].ID)
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/16"), tps[0].Network)

	ec := cfg.EngineConfig()
	assert.Equal(t, 1400, ec.MTU)
	assert.Equal(t, uint8(3), ec.MaxHops)
	assert.Equal(t, 5*time.Second, ec.Defrag.Timeout)
	assert.Equal(t, 250*time.Millisecond, ec.Defrag.EvictGrace)
	assert.Equal(t, 6, ec.Whois.MaxRetries)
	assert.Equal(t, 32, ec.Whois.MaxPacketsPerAddress)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "vl1:\n  log:\n    level: info\n"))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vl1/identity.secret", cfg.Node.Identity)
	assert.Equal(t, []string{"0.0.0.0:9993"}, cfg.Node.Listen)
	assert.Empty(t, cfg.Node.Roots)
	assert.Equal(t, 1432, cfg.Engine.MTU)
	assert.Equal(t, 3*time.Second, cfg.Engine.FragmentTimeout)
	assert.Zero(t, cfg.Engine.EvictGrace)
	assert.Zero(t, cfg.EngineConfig().Defrag.EvictGrace)
	assert.Equal(t, 64, cfg.Engine.MaxFragmentsPerPath)
	assert.Equal(t, 4096, cfg.Engine.MaxRecords)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.WhoisRetry)
	assert.Equal(t, 4, cfg.Engine.WhoisMaxRetries)
	assert.Equal(t, 32, cfg.Engine.WhoisMaxPacketsPerAddress)
	assert.Equal(t, 1024, cfg.Engine.WhoisMaxAddresses)
	assert.Equal(t, 7, cfg.Relay.MaxHops)
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.Workers.Count)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "127.0.0.1:9993", cfg.API.Listen)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("VL1_ENGINE_WHOIS_MAX_RETRIES", "9")
	t.Setenv("VL1_LOG_LEVEL", "warn")
	t.Setenv("VL1_NODE_LISTEN", "127.0.0.1:1000,127.0.0.1:1001")

	cfg, err := Load(writeConfig(t, "vl1:\n  log:\n    level: info\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Engine.WhoisMaxRetries)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"127.0.0.1:1000", "127.0.0.1:1001"}, cfg.Node.Listen)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "vl1:\n  log:\n    level: loud\n"},
		{"log console", "vl1:\n  log:\n    console: tty\n"},
		{"listen address", "vl1:\n  node:\n    listen: [\"9993\"]\n"},
		{"root identity", "vl1:\n  node:\n    roots:\n      - identity: nope\n"},
		{"max hops", "vl1:\n  relay:\n    max_hops: 9\n"},
		{"mtu", "vl1:\n  engine:\n    mtu: 20\n"},
		{"negative timeout", "vl1:\n  engine:\n    whois_retry: -1s\n"},
		{"reserved route", "vl1:\n  relay:\n    routes:\n      - destination: \"ff00000001\"\n        next_hop: \"0102030405\"\n"},
		{"trusted path id", "vl1:\n  trusted_paths:\n    - id: 0\n      network: 10.0.0.0/8\n"},
		{"duplicate trusted path", "vl1:\n  trusted_paths:\n    - id: 1\n      network: 10.0.0.0/8\n    - id: 1\n      network: 10.0.0.0/8\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrConfigInvalid), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestWriteExampleLoadsAsDefaults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteExample(&buf))
	assert.Contains(t, buf.String(), "vl1:")
	assert.Contains(t, buf.String(), "whois_max_retries: 4")

	loaded, err := Load(writeConfig(t, buf.String()))
	require.NoError(t, err)
	def, err := Default()
	require.NoError(t, err)
	assert.Equal(t, def, loaded)
}
