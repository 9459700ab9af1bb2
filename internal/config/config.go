// Package config loads the node configuration using viper.
package config

import (
	"fmt"
	"io"
	"net/netip"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/buffer"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/core/defrag"
	"firestige.xyz/vl1/internal/core/whois"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/engine"
	"firestige.xyz/vl1/internal/log"
	"firestige.xyz/vl1/internal/topology"
)

// Config is the top-level configuration. Maps to the `vl1:` root key in YAML.
type Config struct {
	Node         NodeConfig          `mapstructure:"node"`
	Engine       EngineConfig        `mapstructure:"engine"`
	Relay        RelayConfig         `mapstructure:"relay"`
	TrustedPaths []TrustedPathConfig `mapstructure:"trusted_paths"`
	Workers      WorkersConfig       `mapstructure:"workers"`
	Log          log.LoggerConfig    `mapstructure:"log"`
	Metrics      MetricsConfig       `mapstructure:"metrics"`
	API          APIConfig           `mapstructure:"api"`
}

// ─── Node ───

// NodeConfig identifies the local node and where it listens.
type NodeConfig struct {
	Identity  string       `mapstructure:"identity"`   // secret identity file, generated when missing
	PeerCache string       `mapstructure:"peer_cache"` // empty = no peer cache
	Listen    []string     `mapstructure:"listen"`     // UDP ip:port, one local socket each
	Roots     []RootConfig `mapstructure:"roots"`
}

// RootConfig names a root node by its public identity and physical endpoints.
type RootConfig struct {
	Identity  string   `mapstructure:"identity"`
	Endpoints []string `mapstructure:"endpoints"`
}

// ─── Engine ───

// EngineConfig exposes every bound and timeout of the packet engine.
type EngineConfig struct {
	MTU                 int           `mapstructure:"mtu"`
	FragmentTimeout     time.Duration `mapstructure:"fragment_timeout"`
	EvictGrace          time.Duration `mapstructure:"evict_grace"`
	MaxFragmentsPerPath int           `mapstructure:"max_fragments_per_path"`
	MaxRecords          int           `mapstructure:"max_records"`
	FragmentRateLimit   int           `mapstructure:"fragment_rate_limit"` // per source IP and window, 0 = off
	FragmentRateWindow  time.Duration `mapstructure:"fragment_rate_window"`

	WhoisRetry                time.Duration `mapstructure:"whois_retry"`
	WhoisMaxRetries           int           `mapstructure:"whois_max_retries"`
	WhoisMaxPacketsPerAddress int           `mapstructure:"whois_max_packets_per_address"`
	WhoisMaxAddresses         int           `mapstructure:"whois_max_addresses"`

	ExpectTimeout   time.Duration `mapstructure:"expect_timeout"`
	PathIdleTimeout time.Duration `mapstructure:"path_idle_timeout"`
	ServiceInterval time.Duration `mapstructure:"service_interval"`
	CompressMin     int           `mapstructure:"compress_min"`
}

// ─── Relay ───

// RelayConfig controls forwarding of packets addressed to other nodes.
type RelayConfig struct {
	MaxHops int           `mapstructure:"max_hops"`
	Routes  []RouteConfig `mapstructure:"routes"`
}

// RouteConfig is a static next hop for a destination address.
type RouteConfig struct {
	Destination core.Address `mapstructure:"destination"`
	NextHop     core.Address `mapstructure:"next_hop"`
}

// TrustedPathConfig marks a physical network on which the NONE cipher is accepted.
type TrustedPathConfig struct {
	ID      uint64 `mapstructure:"id"`
	Network string `mapstructure:"network"`
}

// ─── Workers ───

// WorkersConfig sizes the receive side.
type WorkersConfig struct {
	Count     int `mapstructure:"count"` // 0 = GOMAXPROCS
	QueueSize int `mapstructure:"queue_size"`
	BatchSize int `mapstructure:"batch_size"`
}

// ─── Metrics / API ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// APIConfig contains the admin HTTP API settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `vl1: ...`.
type configRoot struct {
	VL1 Config `mapstructure:"vl1"`
}

// Load loads configuration from file.
// The YAML file uses `vl1:` as root key; env vars map through the key replacer
// (key "vl1.engine.whois_max_retries" → env "VL1_ENGINE_WHOIS_MAX_RETRIES").
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var root configRoot
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToAddressHookFunc(),
	))
	if err := v.Unmarshal(&root, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.VL1
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// stringToAddressHookFunc decodes the 10 hex digit form of a node address.
func stringToAddressHookFunc() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(core.Address(0))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		return core.ParseAddress(data.(string))
	}
}

// setDefaults sets default values for configuration.
// All keys use "vl1." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("vl1.node.identity", "/var/lib/vl1/identity.secret")
	v.SetDefault("vl1.node.peer_cache", "/var/lib/vl1/peers.cache")
	v.SetDefault("vl1.node.listen", []string{"0.0.0.0:9993"})
	v.SetDefault("vl1.node.roots", []map[string]interface{}{})

	// Engine defaults
	v.SetDefault("vl1.engine.mtu", wire.DefaultPhysMTU)
	v.SetDefault("vl1.engine.fragment_timeout", "3s")
	v.SetDefault("vl1.engine.evict_grace", "0s")
	v.SetDefault("vl1.engine.max_fragments_per_path", 64)
	v.SetDefault("vl1.engine.max_records", 4096)
	v.SetDefault("vl1.engine.fragment_rate_limit", 0)
	v.SetDefault("vl1.engine.fragment_rate_window", "1s")
	v.SetDefault("vl1.engine.whois_retry", "500ms")
	v.SetDefault("vl1.engine.whois_max_retries", 4)
	v.SetDefault("vl1.engine.whois_max_packets_per_address", 32)
	v.SetDefault("vl1.engine.whois_max_addresses", 1024)
	v.SetDefault("vl1.engine.expect_timeout", "10s")
	v.SetDefault("vl1.engine.path_idle_timeout", "2m")
	v.SetDefault("vl1.engine.service_interval", "250ms")
	v.SetDefault("vl1.engine.compress_min", 64)

	// Relay defaults
	v.SetDefault("vl1.relay.max_hops", wire.MaxHops)
	v.SetDefault("vl1.relay.routes", []map[string]interface{}{})

	v.SetDefault("vl1.trusted_paths", []map[string]interface{}{})

	// Worker defaults
	v.SetDefault("vl1.workers.count", 0)
	v.SetDefault("vl1.workers.queue_size", 4096)
	v.SetDefault("vl1.workers.batch_size", 64)

	// Log defaults
	v.SetDefault("vl1.log.level", "info")
	v.SetDefault("vl1.log.pattern", "%time [%level] %caller: %msg %field%n")
	v.SetDefault("vl1.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("vl1.log.caller", false)
	v.SetDefault("vl1.log.console", "stdout")
	v.SetDefault("vl1.log.file.filename", "")
	v.SetDefault("vl1.log.file.max_size", 100)
	v.SetDefault("vl1.log.file.max_backups", 5)
	v.SetDefault("vl1.log.file.max_age", 30)
	v.SetDefault("vl1.log.file.compress", true)

	// Metrics defaults
	v.SetDefault("vl1.metrics.enabled", true)
	v.SetDefault("vl1.metrics.listen", ":9091")
	v.SetDefault("vl1.metrics.path", "/metrics")

	// API defaults
	v.SetDefault("vl1.api.enabled", true)
	v.SetDefault("vl1.api.listen", "127.0.0.1:9993")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log level %q (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	switch cfg.Log.Console {
	case "", "stdout", "stderr", "none":
	default:
		return fmt.Errorf("%w: log console %q (must be stdout/stderr/none)", core.ErrConfigInvalid, cfg.Log.Console)
	}

	// ── Node ──
	if cfg.Node.Identity == "" {
		return fmt.Errorf("%w: node.identity is required", core.ErrConfigInvalid)
	}
	if len(cfg.Node.Listen) == 0 {
		return fmt.Errorf("%w: node.listen needs at least one address", core.ErrConfigInvalid)
	}
	if _, err := cfg.ListenAddrs(); err != nil {
		return err
	}
	if _, err := cfg.ParseRoots(); err != nil {
		return err
	}

	// ── Engine ──
	e := &cfg.Engine
	if e.MTU < 2*wire.FragmentPayloadStart+wire.MinPacketLength || e.MTU > buffer.Size {
		return fmt.Errorf("%w: engine.mtu %d out of range", core.ErrConfigInvalid, e.MTU)
	}
	for name, d := range map[string]time.Duration{
		"fragment_timeout":  e.FragmentTimeout,
		"whois_retry":       e.WhoisRetry,
		"expect_timeout":    e.ExpectTimeout,
		"path_idle_timeout": e.PathIdleTimeout,
		"service_interval":  e.ServiceInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: engine.%s must be positive", core.ErrConfigInvalid, name)
		}
	}
	if e.EvictGrace < 0 {
		return fmt.Errorf("%w: engine.evict_grace must not be negative", core.ErrConfigInvalid)
	}
	if e.MaxFragmentsPerPath <= 0 || e.MaxRecords <= 0 || e.WhoisMaxRetries <= 0 ||
		e.WhoisMaxPacketsPerAddress <= 0 || e.WhoisMaxAddresses <= 0 {
		return fmt.Errorf("%w: engine limits must be positive", core.ErrConfigInvalid)
	}
	if e.FragmentRateLimit < 0 {
		return fmt.Errorf("%w: engine.fragment_rate_limit must not be negative", core.ErrConfigInvalid)
	}

	// ── Relay ──
	if cfg.Relay.MaxHops < 1 || cfg.Relay.MaxHops > wire.MaxHops {
		return fmt.Errorf("%w: relay.max_hops must be within 1..%d", core.ErrConfigInvalid, wire.MaxHops)
	}
	for _, r := range cfg.Relay.Routes {
		if r.Destination.IsReserved() || r.NextHop.IsReserved() {
			return fmt.Errorf("%w: relay route %s via %s uses a reserved address", core.ErrConfigInvalid, r.Destination, r.NextHop)
		}
	}

	// ── Trusted paths ──
	if _, err := cfg.ParseTrustedPaths(); err != nil {
		return err
	}

	// ── Workers ──
	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = runtime.GOMAXPROCS(0)
	}
	if cfg.Workers.QueueSize <= 0 {
		cfg.Workers.QueueSize = 4096
	}
	if cfg.Workers.BatchSize <= 0 {
		cfg.Workers.BatchSize = 64
	}
	return nil
}

// ListenAddrs parses node.listen.
func (cfg *Config) ListenAddrs() ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(cfg.Node.Listen))
	for _, s := range cfg.Node.Listen {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("%w: node.listen %q: %v", core.ErrConfigInvalid, s, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

// Root is a parsed RootConfig.
type Root struct {
	Identity  crypto.Identity
	Endpoints []netip.AddrPort
}

// ParseRoots parses node.roots.
func (cfg *Config) ParseRoots() ([]Root, error) {
	out := make([]Root, 0, len(cfg.Node.Roots))
	for i, rc := range cfg.Node.Roots {
		id, err := crypto.ParseIdentity(rc.Identity)
		if err != nil {
			return nil, fmt.Errorf("%w: node.roots[%d]: %v", core.ErrConfigInvalid, i, err)
		}
		r := Root{Identity: id.PublicOnly()}
		for _, ep := range rc.Endpoints {
			ap, err := netip.ParseAddrPort(ep)
			if err != nil {
				return nil, fmt.Errorf("%w: node.roots[%d] endpoint %q: %v", core.ErrConfigInvalid, i, ep, err)
			}
			r.Endpoints = append(r.Endpoints, ap)
		}
		out = append(out, r)
	}
	return out, nil
}

// ParseTrustedPaths parses trusted_paths.
func (cfg *Config) ParseTrustedPaths() ([]topology.TrustedPath, error) {
	out := make([]topology.TrustedPath, 0, len(cfg.TrustedPaths))
	seen := make(map[uint64]bool, len(cfg.TrustedPaths))
	for _, tp := range cfg.TrustedPaths {
		if tp.ID == 0 {
			return nil, fmt.Errorf("%w: trusted path id must not be 0", core.ErrConfigInvalid)
		}
		if seen[tp.ID] {
			return nil, fmt.Errorf("%w: duplicate trusted path id %d", core.ErrConfigInvalid, tp.ID)
		}
		seen[tp.ID] = true
		prefix, err := netip.ParsePrefix(tp.Network)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted path %d: %v", core.ErrConfigInvalid, tp.ID, err)
		}
		out = append(out, topology.TrustedPath{ID: tp.ID, Network: prefix.Masked()})
	}
	return out, nil
}

// EngineConfig converts the engine and relay sections into the runtime form.
func (cfg *Config) EngineConfig() engine.Config {
	e := cfg.Engine
	return engine.Config{
		MTU:                 e.MTU,
		MaxFragmentsPerPath: e.MaxFragmentsPerPath,
		MaxHops:             uint8(cfg.Relay.MaxHops),
		Defrag: defrag.Config{
			Timeout:         e.FragmentTimeout,
			EvictGrace:      e.EvictGrace,
			MaxRecords:      e.MaxRecords,
			MaxFragsPerIP:   e.FragmentRateLimit,
			RateLimitWindow: e.FragmentRateWindow,
		},
		Whois: whois.Config{
			MaxPacketsPerAddress: e.WhoisMaxPacketsPerAddress,
			MaxAddresses:         e.WhoisMaxAddresses,
			RetryDelay:           e.WhoisRetry,
			MaxRetries:           e.WhoisMaxRetries,
		},
		ExpectTimeout:   e.ExpectTimeout,
		PathIdleTimeout: e.PathIdleTimeout,
		CompressMin:     e.CompressMin,
	}
}

// WriteExample writes a YAML file holding every key with its default value.
func WriteExample(w io.Writer) error {
	v := newViper()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]interface{}{"vl1": v.AllSettings()["vl1"]}); err != nil {
		return err
	}
	return enc.Close()
}
