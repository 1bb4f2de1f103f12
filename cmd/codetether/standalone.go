package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/codetether/codetether/agent"
	"github.com/codetether/codetether/hub"
	"github.com/codetether/codetether/internal/agent/store"
	"github.com/codetether/codetether/internal/hub/frontend"
	"github.com/codetether/codetether/internal/logging"
)

var standaloneDefaults = map[string]any{
	"standalone.port": 4000,
}

type standaloneConfig struct {
	Port         int
	Heartbeat    time.Duration
	PairTTL      time.Duration
	DeviceName   string
	CLIPath      string
	AllowedDirs  []string
	DefaultDir   string
	MaxSessions  int
	RestartDelay time.Duration
	DBPath       string
	LogLevel     string
}

// loadStandaloneConfig reads standalone.port plus the hub.* and agent.*
// settings of the two embedded halves.
func loadStandaloneConfig(path string) (standaloneConfig, error) {
	k, err := loadKoanf(path, mergeDefaults(hubDefaults, agentDefaults, standaloneDefaults))
	if err != nil {
		return standaloneConfig{}, err
	}
	return standaloneConfig{
		Port:         k.Int("standalone.port"),
		Heartbeat:    k.Duration("hub.heartbeat"),
		PairTTL:      k.Duration("hub.pair_ttl"),
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

func runStandalone(args []string) error {
	fs := flag.NewFlagSet("codetether", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	port := fs.Int("port", 4000, "listen port")
	name := fs.String("name", "", "device name shown on the phone (default: hostname)")
	cliPath := fs.String("cli", defaultCLIPath(), "assistant CLI binary")
	dirs := fs.String("dirs", "", "comma-separated allowed working directories (default: home)")
	defaultDir := fs.String("default-dir", "", "working directory for new sessions (default: home)")
	dbPath := fs.String("db", "", "state database path (default: ~/.codetether/standalone.db)")
	devFrontend := fs.String("dev-frontend", "", "Vite dev server URL (dev mode)")
	qr := fs.Bool("qr", isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
		"print the pairing link as a QR code")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := loadStandaloneConfig(*configPath)
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["port"] {
		cfg.Port = *port
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
	if set["db"] {
		cfg.DBPath = *dbPath
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	if cfg.DBPath == "" {
		p, err := store.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve state path: %w", err)
		}
		// Kept apart from the agent's db: the loopback hub's rooms die
		// with the process, so a pairing stored here never belongs to a
		// cloud hub.
		cfg.DBPath = filepath.Join(filepath.Dir(p), "standalone.db")
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	logging.PrintBanner("standalone", version, addr)
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
		Frontend:          assets,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the hub in the background.
	var wg sync.WaitGroup
	hubErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hubErrCh <- server.Serve(ctx)
	}()

	hubURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	if err := waitForHub(ctx, hubURL); err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("wait for hub: %w", err)
	}

	// Run the agent against the loopback hub.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := agent.Run(ctx, agent.RunConfig{
			HubURL:       hubURL,
			DBPath:       cfg.DBPath,
			CLIPath:      cfg.CLIPath,
			AllowedDirs:  cfg.AllowedDirs,
			DefaultDir:   cfg.DefaultDir,
			MaxSessions:  cfg.MaxSessions,
			RestartDelay: cfg.RestartDelay,
			DeviceName:   cfg.DeviceName,
			PairQR:       *qr,
			Out:          os.Stdout,
		}); err != nil {
			slog.Error("agent error", "error", err)
		}
	}()

	select {
	case err := <-hubErrCh:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return nil
	}
}

// waitForHub polls the health endpoint until the embedded hub answers
// (max ~5 seconds).
func waitForHub(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: time.Second}
	for i := 0; i < 50; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("hub not answering on %s", baseURL)
}
