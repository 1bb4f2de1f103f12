package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/codetether/codetether/agent"
	"github.com/codetether/codetether/internal/logging"
)

var agentDefaults = map[string]any{
	"agent.hub":           "http://localhost:3000",
	"agent.name":          "",
	"agent.cli":           defaultCLIPath(),
	"agent.dirs":          "",
	"agent.default_dir":   "",
	"agent.max_sessions":  10,
	"agent.restart_delay": 3 * time.Second,
	"agent.db":            "",
	"agent.log_level":     "info",
}

type agentConfig struct {
	HubURL       string
	DeviceName   string
	CLIPath      string
	AllowedDirs  []string
	DefaultDir   string
	MaxSessions  int
	RestartDelay time.Duration
	DBPath       string
	LogLevel     string
}

func loadAgentConfig(path string) (agentConfig, error) {
	k, err := loadKoanf(path, agentDefaults)
	if err != nil {
		return agentConfig{}, err
	}
	return agentConfig{
		HubURL:       k.String("agent.hub"),
		DeviceName:   k.String("agent.name"),
		CLIPath:      k.String("agent.cli"),
		AllowedDirs:  splitDirs(k.String("agent.dirs")),
		DefaultDir:   k.String("agent.default_dir"),
		MaxSessions:  k.Int("agent.max_sessions"),
		RestartDelay: k.Duration("agent.restart_delay"),
		DBPath:       k.String("agent.db"),
		LogLevel:     k.String("agent.log_level"),
	}, nil
}

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	hubURL := fs.String("hub", "http://localhost:3000", "hub server URL")
	name := fs.String("name", "", "device name shown on the phone (default: hostname)")
	cliPath := fs.String("cli", defaultCLIPath(), "assistant CLI binary")
	dirs := fs.String("dirs", "", "comma-separated allowed working directories (default: home)")
	defaultDir := fs.String("default-dir", "", "working directory for new sessions (default: home)")
	maxSessions := fs.Int("max-sessions", 10, "concurrent session cap")
	restartDelay := fs.Duration("restart-delay", 3*time.Second, "wait before restarting a crashed CLI")
	dbPath := fs.String("db", "", "state database path (default: ~/.codetether/state.db)")
	qr := fs.Bool("qr", isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
		"print the pairing link as a QR code")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := loadAgentConfig(*configPath)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["hub"] {
		cfg.HubURL = *hubURL
	}
	if set["name"] {
		cfg.DeviceName = *name
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
	if set["db"] {
		cfg.DBPath = *dbPath
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	logging.PrintBanner("agent", version, cfg.HubURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return agent.Run(ctx, agent.RunConfig{
		HubURL:       cfg.HubURL,
		DBPath:       cfg.DBPath,
		CLIPath:      cfg.CLIPath,
		AllowedDirs:  cfg.AllowedDirs,
		DefaultDir:   cfg.DefaultDir,
		MaxSessions:  cfg.MaxSessions,
		RestartDelay: cfg.RestartDelay,
		DeviceName:   cfg.DeviceName,
		PairQR:       *qr,
		Out:          os.Stdout,
	})
}
