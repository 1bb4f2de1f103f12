// Package hubclient maintains the desktop agent's connection to the
// rendezvous hub: authentication, heartbeat, pairing and rejoin, plus the
// frame bridge between the room and the local session multiplexer.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/codetether/codetether/internal/agent/session"
	"github.com/codetether/codetether/internal/agent/store"
	"github.com/codetether/codetether/internal/protocol"
)

const (
	defaultPingInterval = 30 * time.Second

	// readLimit matches the hub's inbound frame cap.
	readLimit = 1 << 20

	// maxMessageText keeps one relayed message comfortably inside the
	// hub's frame cap; longer worker output is truncated (the transcript
	// keeps the full text).
	maxMessageText = 512 << 10

	dialTimeout = 15 * time.Second
	sendTimeout = 10 * time.Second
)

var (
	errNotConnected = errors.New("not connected to hub")
	// errAuthRejected aborts reconnection: a rejected token is a
	// configuration problem retrying cannot fix.
	errAuthRejected = errors.New("hub rejected auth token")
)

// Config configures the desktop hub client.
type Config struct {
	// HubURL is the hub's base URL; http(s) and ws(s) schemes both work.
	HubURL string
	// DeviceID and DeviceName identify this desktop to the hub.
	DeviceID   string
	DeviceName string
	// PingInterval is the heartbeat period. Defaults to 30s, half the
	// hub's idle allowance.
	PingInterval time.Duration
	// PairQR renders pairing instructions as a terminal QR code.
	PairQR bool
	// Out receives pairing instructions. Defaults to os.Stdout.
	Out io.Writer
}

// Client bridges one hub room to the local session multiplexer.
type Client struct {
	cfg   Config
	mux   *session.Multiplexer
	st    *store.Store
	httpc *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// New returns a client over mux and st. Call Run to connect.
func New(cfg Config, mux *session.Multiplexer, st *store.Store) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Client{
		cfg:   cfg,
		mux:   mux,
		st:    st,
		httpc: &http.Client{Timeout: 15 * time.Second},
	}
}

// Run connects to the hub and keeps the connection alive until ctx ends,
// reconnecting with exponential backoff. It also drains the multiplexer's
// event stream for the life of the process, so worker output keeps being
// persisted even while the hub is unreachable.
func (c *Client) Run(ctx context.Context) {
	if _, err := wsEndpoint(c.cfg.HubURL); err != nil {
		slog.Error("invalid hub url", "url", c.cfg.HubURL, "error", err)
		return
	}

	go c.pumpEvents()
	c.runWithReconnect(ctx, c.connect, newDefaultBackoff(), resetThreshold)
}

// connectFn establishes one connection to the hub. Injected in tests.
type connectFn func(ctx context.Context) error

func (c *Client) runWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errAuthRejected) {
			slog.Error("giving up on hub connection", "error", err)
			return
		}

		// A connection that lived long enough resets the backoff.
		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("disconnected from hub, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// connect runs one connection lifecycle: dial, auth, join (or pair), then
// the receive loop until the connection drops.
func (c *Client) connect(ctx context.Context) error {
	wsURL, err := wsEndpoint(c.cfg.HubURL)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	token := protocol.FormatAuthToken(protocol.Identity{
		DeviceID:   c.cfg.DeviceID,
		DeviceName: c.cfg.DeviceName,
		Role:       protocol.RoleDesktop,
	})
	if err := c.send(ctx, &protocol.Frame{Type: protocol.TypeAuth, Token: token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go c.pingLoop(loopCtx)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("undecodable frame from hub", "error", err)
			continue
		}
		if err := c.handleFrame(ctx, f); err != nil {
			return err
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, &protocol.Frame{Type: protocol.TypePing}); err != nil {
				slog.Warn("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

// send writes one frame. The mutex is held across the write: the WebSocket
// permits a single writer at a time.
func (c *Client) send(ctx context.Context, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// pumpEvents forwards worker output to the hub and the local store. It
// exits when the multiplexer shuts down.
func (c *Client) pumpEvents() {
	for ev := range c.mux.Events() {
		c.handleSessionEvent(ev)
	}
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[output truncated]"
}

// wsEndpoint turns the configured hub URL into the websocket endpoint.
func wsEndpoint(hubURL string) (string, error) {
	u, err := normalizeHubURL(hubURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else {
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// httpEndpoint turns the configured hub URL into the REST base URL,
// without a trailing slash.
func httpEndpoint(hubURL string) (string, error) {
	u, err := normalizeHubURL(hubURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// normalizeHubURL parses hubURL and maps ws/wss onto http/https.
func normalizeHubURL(hubURL string) (*url.URL, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("hub url has no host: %q", hubURL)
	}
	return u, nil
}
