package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codetether/codetether/internal/agent/scope"
	"github.com/codetether/codetether/internal/agent/session"
	"github.com/codetether/codetether/internal/bridge"
	"github.com/codetether/codetether/internal/logging"
)

var bridgeDefaults = map[string]any{
	"bridge.password":    "",
	"bridge.chunk_limit": 4000,
	"bridge.markup":      false,
}

type bridgeConfig struct {
	Password     string
	ChunkLimit   int
	Markup       bool
	CLIPath      string
	AllowedDirs  []string
	DefaultDir   string
	MaxSessions  int
	RestartDelay time.Duration
	LogLevel     string
}

// loadBridgeConfig reads bridge.* plus the agent.* session settings; the
// bridge drives the same multiplexer, just without a hub.
func loadBridgeConfig(path string) (bridgeConfig, error) {
	k, err := loadKoanf(path, mergeDefaults(agentDefaults, bridgeDefaults))
	if err != nil {
		return bridgeConfig{}, err
	}
	return bridgeConfig{
		Password:     k.String("bridge.password"),
		ChunkLimit:   k.Int("bridge.chunk_limit"),
		Markup:       k.Bool("bridge.markup"),
		CLIPath:      k.String("agent.cli"),
		AllowedDirs:  splitDirs(k.String("agent.dirs")),
		DefaultDir:   k.String("agent.default_dir"),
		MaxSessions:  k.Int("agent.max_sessions"),
		RestartDelay: k.Duration("agent.restart_delay"),
		LogLevel:     k.String("agent.log_level"),
	}, nil
}

func runBridge(args []string) error {
	fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	password := fs.String("password", "", "operator password, plain or bcrypt hash")
	chunkLimit := fs.Int("chunk-limit", 4000, "outbound message size limit")
	markup := fs.Bool("markup", false, "send HTML-formatted messages")
	cliPath := fs.String("cli", defaultCLIPath(), "assistant CLI binary")
	dirs := fs.String("dirs", "", "comma-separated allowed working directories (default: home)")
	defaultDir := fs.String("default-dir", "", "working directory for new sessions (default: home)")
	maxSessions := fs.Int("max-sessions", 10, "concurrent session cap")
	restartDelay := fs.Duration("restart-delay", 3*time.Second, "wait before restarting a crashed CLI")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := loadBridgeConfig(*configPath)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["password"] {
		cfg.Password = *password
	}
	if set["chunk-limit"] {
		cfg.ChunkLimit = *chunkLimit
	}
	if set["markup"] {
		cfg.Markup = *markup
	}
	if set["cli"] {
		cfg.CLIPath = *cliPath
	}
	if set["dirs"] {
		cfg.AllowedDirs = splitDirs(*dirs)
	}
	if set["default-dir"] {
		cfg.DefaultDir = *defaultDir
	}
	if set["max-sessions"] {
		cfg.MaxSessions = *maxSessions
	}
	if set["restart-delay"] {
		cfg.RestartDelay = *restartDelay
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	logging.PrintBanner("bridge", version, "console")

	home, _ := os.UserHomeDir()
	roots := cfg.AllowedDirs
	if len(roots) == 0 && home != "" {
		roots = []string{home}
	}
	guard, err := scope.NewGuard(roots, home)
	if err != nil {
		return fmt.Errorf("directory scope: %w", err)
	}
	workDir := cfg.DefaultDir
	if workDir == "" {
		workDir = home
	}

	mux := session.NewMultiplexer(session.Config{
		CLIPath:      cfg.CLIPath,
		DefaultDir:   workDir,
		MaxSessions:  cfg.MaxSessions,
		RestartDelay: cfg.RestartDelay,
		Guard:        guard,
	})
	defer mux.Shutdown()

	br, err := bridge.New(bridge.Config{
		Secret:     cfg.Password,
		ChunkLimit: cfg.ChunkLimit,
		Markup:     cfg.Markup,
	}, bridge.NewConsoleTransport(os.Stdin, os.Stdout), mux)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("bridge ready", "cli", cfg.CLIPath, "markup", cfg.Markup)

	if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
