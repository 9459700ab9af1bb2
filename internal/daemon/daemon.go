// Package daemon implements the node process lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"firestige.xyz/vl1/internal/api"
	"firestige.xyz/vl1/internal/config"
	"firestige.xyz/vl1/internal/core/crypto"
	"firestige.xyz/vl1/internal/core/relay"
	"firestige.xyz/vl1/internal/core/wire"
	"firestige.xyz/vl1/internal/engine"
	"firestige.xyz/vl1/internal/log"
	"firestige.xyz/vl1/internal/metrics"
	"firestige.xyz/vl1/internal/topology"
	"firestige.xyz/vl1/internal/transport"
)

// Version is the software version reported by the API and the CLI.
var Version = fmt.Sprintf("%d.%d.%d", engine.VersionMajor, engine.VersionMinor, engine.VersionRevision)

// Daemon manages the node process lifecycle.
type Daemon struct {
	config     *config.Config
	configPath string
	pidFile    string

	identity   crypto.Identity
	topo       *topology.Topology
	cache      *topology.Cache
	engine     *engine.Engine
	udp        *transport.UDP
	dispatcher *transport.Dispatcher

	apiServer     *api.Server     // nil if api disabled
	metricsServer *metrics.Server // nil if metrics disabled

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the configuration at configPath. An empty path uses the defaults.
func New(configPath, pidFile string) (*Daemon, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := NewWithConfig(cfg, pidFile)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig creates a daemon from an already validated configuration.
func NewWithConfig(cfg *config.Config, pidFile string) *Daemon {
	d := &Daemon{
		config:       cfg,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all components.
func (d *Daemon) Start() error {
	// 1. Logging
	if err := log.Init(&d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()

	// 2. PID file
	if err := d.writePIDFile(); err != nil {
		return err
	}

	// 3. Metrics
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Identity
	id, created, err := LoadOrCreateIdentity(d.config.Node.Identity)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	d.identity = id
	if created {
		logger.WithField("path", d.config.Node.Identity).Info("generated new identity")
	}

	// 5. Topology, roots, trusted paths and the peer cache
	if err := d.initTopology(); err != nil {
		return err
	}

	// 6. Sockets and engine
	listen, err := d.config.ListenAddrs()
	if err != nil {
		return err
	}
	d.udp, err = transport.Listen(listen, d.config.Workers.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to bind: %w", err)
	}
	if err := d.initEngine(); err != nil {
		return err
	}

	// 7. Receive workers
	d.dispatcher = transport.NewDispatcher(d.engine, d.config.Workers.Count, d.config.Workers.QueueSize)
	d.udp.Start(d.dispatcher)

	// 8. Admin API
	if d.config.API.Enabled {
		d.apiServer = api.New(d.config.API.Listen, Version, d.engine, d.topo, d.dispatcher)
		if err := d.apiServer.Start(d.ctx); err != nil {
			return err
		}
	}

	// 9. Periodic service and root greeting
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.engine.Run(d.ctx, d.config.Engine.ServiceInterval)
	}()
	d.greetRoots()

	logger.WithFields(map[string]interface{}{
		"address": d.identity.Address,
		"version": Version,
		"sockets": len(listen),
		"workers": d.config.Workers.Count,
	}).Info("node started")
	return nil
}

func (d *Daemon) initTopology() error {
	topo, err := topology.New(d.identity, topology.Config{})
	if err != nil {
		return err
	}
	d.topo = topo

	roots, err := d.config.ParseRoots()
	if err != nil {
		return err
	}
	for _, r := range roots {
		// Endpoints are bound to the first local socket.
		if _, err := topo.AddRoot(r.Identity, 1, r.Endpoints...); err != nil {
			return fmt.Errorf("root %s: %w", r.Identity.Address, err)
		}
	}

	trusted, err := d.config.ParseTrustedPaths()
	if err != nil {
		return err
	}
	topo.SetTrustedPaths(trusted)

	if d.config.Node.PeerCache != "" {
		d.cache = topology.NewCache(d.config.Node.PeerCache)
		n, err := d.cache.Load(topo)
		if err != nil {
			log.GetLogger().WithError(err).Warn("peer cache not loaded")
		} else if n > 0 {
			log.GetLogger().WithField("peers", n).Info("peer cache loaded")
		}
	}
	return nil
}

func (d *Daemon) initEngine() error {
	routes := relay.NewRouteTable()
	for _, r := range d.config.Relay.Routes {
		routes.AddRoute(r.Destination, r.NextHop)
	}
	e, err := engine.New(d.config.EngineConfig(), d.identity, d.topo, d.udp, engine.WithRouter(routes))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	e.Register(wire.VerbUSERMESSAGE, engine.HandlerFunc(func(in *engine.Inbound) error {
		log.GetLogger().WithFields(map[string]interface{}{
			"from":  in.Source,
			"bytes": len(in.Payload),
		}).Debug("user message")
		return nil
	}))
	d.engine = e
	return nil
}

func (d *Daemon) greetRoots() {
	for _, p := range d.topo.Peers() {
		if !d.topo.IsRoot(p.Address()) {
			continue
		}
		if err := d.engine.Hello(p); err != nil {
			log.GetLogger().WithError(err).WithField("root", p.Address()).Warn("root greeting failed")
		}
	}
}

// Address is the local node address, valid after Start.
func (d *Daemon) Address() string {
	return d.identity.Address.String()
}

// Stop performs graceful shutdown. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. No new API requests
	if d.apiServer != nil {
		if err := d.apiServer.Stop(context.Background()); err != nil {
			logger.WithError(err).Error("error stopping api server")
		}
	}

	// 2. No new datagrams, then drain the workers
	if d.udp != nil {
		if err := d.udp.Close(); err != nil {
			logger.WithError(err).Error("error closing sockets")
		}
	}
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}

	// 3. Stop the service loop and release queued packets
	d.cancel()
	d.wg.Wait()
	if d.engine != nil {
		d.engine.Close()
	}

	// 4. Persist what was learned
	if d.cache != nil && d.topo != nil {
		if err := d.cache.Save(d.topo); err != nil {
			logger.WithError(err).Error("failed to save peer cache")
		}
	}

	// 5. Metrics last so the final counters can still be scraped
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(context.Background()); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}
	logger.Info("node stopped")
}

// Run blocks until SIGTERM, SIGINT or TriggerShutdown. SIGHUP reloads the
// trusted paths from the configuration file.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	logger := log.GetLogger()

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				}
			}
		case <-d.shutdownChan:
			d.Stop()
			return nil
		}
	}
}

// Reload re-reads the configuration file. Trusted paths are applied in place;
// everything else requires a restart.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return nil
	}
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	trusted, err := cfg.ParseTrustedPaths()
	if err != nil {
		return err
	}
	d.topo.SetTrustedPaths(trusted)
	d.config.TrustedPaths = cfg.TrustedPaths
	log.GetLogger().WithField("trusted_paths", len(trusted)).Info("configuration reloaded")
	return nil
}

// TriggerShutdown asks Run to return.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}
	metrics.SetBuildInfo(Version, wire.ProtoVersion)
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}

