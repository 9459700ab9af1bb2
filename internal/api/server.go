// Package api serves the admin HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"firestige.xyz/vl1/internal/core"
	"firestige.xyz/vl1/internal/core/whois"
	"firestige.xyz/vl1/internal/engine"
	"firestige.xyz/vl1/internal/log"
	"firestige.xyz/vl1/internal/topology"
	"firestige.xyz/vl1/internal/transport"
)

// Engine is the part of the packet engine the API reports on.
type Engine interface {
	Address() core.Address
	Stats() engine.Stats
	PendingWhois() []whois.Status
}

// Directory is the part of the topology the API reports on.
type Directory interface {
	Peers() []*topology.Peer
	Lookup(addr core.Address) (*topology.Peer, bool)
	IsRoot(addr core.Address) bool
}

// Dispatcher reports receive queue state. Optional.
type Dispatcher interface {
	Stats() transport.DispatcherStats
}

// Server is the admin HTTP server.
type Server struct {
	addr       string
	engine     Engine
	dir        Directory
	dispatcher Dispatcher
	version    string
	started    time.Time
	now        func() time.Time

	router     *gin.Engine
	httpServer *http.Server
	bound      net.Addr
}

// New builds the router. dispatcher may be nil.
func New(addr, version string, e Engine, dir Directory, dispatcher Dispatcher) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		addr:       addr,
		engine:     e,
		dir:        dir,
		dispatcher: dispatcher,
		version:    version,
		started:    time.Now(),
		now:        time.Now,
		router:     gin.New(),
	}
	s.router.Use(gin.Recovery(), loggingMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/peer", s.handlePeers)
	s.router.GET("/peer/:address", s.handlePeer)
	s.router.GET("/whois", s.handleWhois)
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server listen on %s: %w", s.addr, err)
	}
	s.bound = ln.Addr()
	log.GetLogger().WithField("addr", s.bound.String()).Info("starting api server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.GetLogger().WithError(err).Error("api server error")
		}
	}()
	return nil
}

// Addr is the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr {
	return s.bound
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger := log.GetLogger()
		if !logger.IsDebugEnabled() {
			return
		}
		logger.WithFields(map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("api request")
	}
}
