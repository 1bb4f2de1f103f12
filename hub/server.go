// Package hub implements the rendezvous hub: pair-code issuing, the device
// connection registry, room lifecycle and frame relay between the two peers
// of a room. The hub holds no state across restarts; everything lives in
// memory. It can be embedded in other binaries (the standalone all-in-one
// binary runs it in-process).
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/codetether/codetether/internal/hub/frontend"
	"github.com/codetether/codetether/internal/hub/pairing"
	"github.com/codetether/codetether/internal/hub/registry"
	"github.com/codetether/codetether/internal/hub/rooms"
	"github.com/codetether/codetether/internal/logging"
	"github.com/codetether/codetether/internal/metrics"
)

// Config holds configuration for a hub server.
type Config struct {
	Addr              string        // TCP listen address, e.g. ":3000"
	HeartbeatInterval time.Duration // reaper period; a conn dies after 2x with no ping
	PairTTL           time.Duration // pending pair code lifetime
	RoomTTL           time.Duration // idle room eviction; 0 keeps rooms until restart
	MaxConnections    int           // cap on concurrent TCP connections; 0 = unlimited
	Frontend          http.Handler  // optional override for the web client assets
}

func (c *Config) withDefaults() {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PairTTL <= 0 {
		c.PairTTL = pairing.DefaultTTL
	}
}

// Server is a reusable hub instance. Call Serve to start listening.
type Server struct {
	cfg      Config
	pairs    *pairing.Store
	registry *registry.Registry
	rooms    *rooms.Table
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the pairing store, connection registry and room table and
// builds the HTTP surface around them.
func NewServer(cfg Config) *Server {
	cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		pairs:    pairing.NewStore(cfg.PairTTL),
		registry: registry.New(),
		rooms:    rooms.NewTable(),
		logger:   slog.With("component", "hub"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/pair/request", s.handlePairRequest)
	mux.HandleFunc("/api/pair/confirm", s.handlePairConfirm)
	mux.HandleFunc("/api/pair/status", s.handlePairStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Web client assets at / and /mobile.
	assets := cfg.Frontend
	if assets == nil {
		assets = frontend.Handler()
	}
	mux.Handle("/", assets)
	mux.Handle("/mobile", assets)
	mux.Handle("/mobile/", assets)

	s.server = &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the hub's HTTP surface for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Serve starts the hub listener. It blocks until ctx is cancelled, then
// performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		s.runReaper(reaperCtx)
	}()

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.logger.Info("hub shutting down...")

		// 1. Stop accepting and drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		// 2. Close all device sockets.
		for _, conn := range s.registry.Snapshot() {
			_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		}

		// 3. Stop the reaper.
		stopReaper()
		<-reaperDone

		close(shutdownDone)
	}()

	s.logger.Info("hub listening", "addr", s.cfg.Addr)

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		stopReaper()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	return nil
}
