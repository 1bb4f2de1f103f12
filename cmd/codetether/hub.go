package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/codetether/codetether/hub"
	"github.com/codetether/codetether/internal/hub/frontend"
	"github.com/codetether/codetether/internal/logging"
)

var hubDefaults = map[string]any{
	"hub.port":      3000,
	"hub.heartbeat": 30 * time.Second,
	"hub.pair_ttl":  5 * time.Minute,
	"hub.room_ttl":  72 * time.Hour,
	"hub.max_conns": 0,
	"hub.log_level": "info",
}

type hubConfig struct {
	Port      int
	Heartbeat time.Duration
	PairTTL   time.Duration
	RoomTTL   time.Duration
	MaxConns  int
	LogLevel  string
}

func loadHubConfig(path string) (hubConfig, error) {
	k, err := loadKoanf(path, hubDefaults)
	if err != nil {
		return hubConfig{}, err
	}
	cfg := hubConfig{
		Port:      k.Int("hub.port"),
		Heartbeat: k.Duration("hub.heartbeat"),
		PairTTL:   k.Duration("hub.pair_ttl"),
		RoomTTL:   k.Duration("hub.room_ttl"),
		MaxConns:  k.Int("hub.max_conns"),
		LogLevel:  k.String("hub.log_level"),
	}
	// PaaS platforms hand the port over in PORT.
	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			cfg.Port = n
		}
	}
	return cfg, nil
}

func runHub(args []string) error {
	fs := flag.NewFlagSet("hub", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	port := fs.Int("port", 3000, "listen port")
	heartbeat := fs.Duration("heartbeat", 30*time.Second, "heartbeat reaper interval")
	pairTTL := fs.Duration("pair-ttl", 5*time.Minute, "pending pair code lifetime")
	roomTTL := fs.Duration("room-ttl", 72*time.Hour, "idle room eviction age (0 = keep until restart)")
	maxConns := fs.Int("max-conns", 0, "max concurrent connections (0 = unlimited)")
	devFrontend := fs.String("dev-frontend", "", "Vite dev server URL for reverse proxy (dev mode only)")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := loadHubConfig(*configPath)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["port"] {
		cfg.Port = *port
	}
	if set["heartbeat"] {
		cfg.Heartbeat = *heartbeat
	}
	if set["pair-ttl"] {
		cfg.PairTTL = *pairTTL
	}
	if set["room-ttl"] {
		cfg.RoomTTL = *roomTTL
	}
	if set["max-conns"] {
		cfg.MaxConns = *maxConns
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	logging.PrintBanner("hub", version, addr)
	logging.PrintAccessURL(addr)

	var assets http.Handler
	if *devFrontend != "" {
		assets, err = frontend.DevProxy(*devFrontend)
		if err != nil {
			return fmt.Errorf("dev frontend proxy: %w", err)
		}
	}

	server := hub.NewServer(hub.Config{
		Addr:              addr,
		HeartbeatInterval: cfg.Heartbeat,
		PairTTL:           cfg.PairTTL,
		RoomTTL:           cfg.RoomTTL,
		MaxConnections:    cfg.MaxConns,
		Frontend:          assets,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
