// Package agent provides an exported entry point for running the
// CodeTether desktop agent as a library (e.g. from the standalone binary).
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/codetether/codetether/internal/agent/hubclient"
	"github.com/codetether/codetether/internal/agent/scope"
	"github.com/codetether/codetether/internal/agent/session"
	"github.com/codetether/codetether/internal/agent/store"
)

// RunConfig holds configuration for running the agent as a library.
type RunConfig struct {
	HubURL       string        // Hub base URL; http(s) and ws(s) both accepted
	DBPath       string        // SQLite state path; empty = store.DefaultPath()
	CLIPath      string        // assistant binary to spawn per session
	AllowedDirs  []string      // directory-scope allow-list; empty = home dir
	DefaultDir   string        // directory for sessions created without one
	MaxSessions  int           // concurrent session cap
	RestartDelay time.Duration // crash restart delay for workers
	DeviceName   string        // overrides the stored identity name when set
	PairQR       bool          // render the pair URL as a terminal QR code
	Out          io.Writer     // pairing instructions; nil = os.Stdout
}

// Run starts the desktop agent and blocks until ctx is cancelled: it opens
// the state store, revives persisted sessions, then keeps a hub connection
// alive. Returns an error only when startup itself fails.
func Run(ctx context.Context, cfg RunConfig) error {
	dbPath := cfg.DBPath
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve state path: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	deviceID, deviceName, err := st.DeviceIdentity(ctx)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	if cfg.DeviceName != "" {
		deviceName = cfg.DeviceName
	}

	home, _ := os.UserHomeDir()
	roots := cfg.AllowedDirs
	if len(roots) == 0 && home != "" {
		roots = []string{home}
	}
	guard, err := scope.NewGuard(roots, home)
	if err != nil {
		return fmt.Errorf("directory scope: %w", err)
	}

	defaultDir := cfg.DefaultDir
	if defaultDir == "" {
		defaultDir = home
	}

	mux := session.NewMultiplexer(session.Config{
		CLIPath:      cfg.CLIPath,
		DefaultDir:   defaultDir,
		MaxSessions:  cfg.MaxSessions,
		RestartDelay: cfg.RestartDelay,
		Guard:        guard,
	})
	defer mux.Shutdown()

	if n := restoreSessions(ctx, st, mux); n > 0 {
		slog.Info("restored sessions", "count", n)
	}

	slog.Info("starting agent",
		"device_id", deviceID,
		"device_name", deviceName,
		"hub", cfg.HubURL,
	)

	client := hubclient.New(hubclient.Config{
		HubURL:     cfg.HubURL,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		PairQR:     cfg.PairQR,
		Out:        cfg.Out,
	}, mux, st)

	client.Run(ctx)
	return nil
}
