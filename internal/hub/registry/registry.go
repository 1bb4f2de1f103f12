// Package registry tracks the live WebSocket connection of every
// authenticated device. It is the single point of truth for "is this device
// online right now"; room presence questions resolve through it.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codetether/codetether/internal/metrics"
)

const sendTimeout = 10 * time.Second

// Conn represents one authenticated device's live socket.
type Conn struct {
	DeviceID   string
	DeviceName string
	Role       string

	// SendFn overrides the socket write. Optional: used by tests.
	SendFn func(data []byte) error

	sock *websocket.Conn

	mu sync.Mutex // serializes socket writes

	stateMu  sync.Mutex
	lastPing time.Time
	roomID   string
}

// NewConn wraps an accepted socket for a freshly authenticated device.
func NewConn(sock *websocket.Conn, deviceID, deviceName, role string) *Conn {
	return &Conn{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Role:       role,
		sock:       sock,
		lastPing:   time.Now(),
	}
}

// Send writes a text frame to the device. The mutex serializes writes so
// concurrent senders cannot interleave frames.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SendFn != nil {
		return c.SendFn(data)
	}
	if c.sock == nil {
		return fmt.Errorf("socket is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying socket. Callers holding no locks only.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	if c.sock == nil {
		return nil
	}
	return c.sock.Close(code, reason)
}

// TouchPing records a heartbeat from the device.
func (c *Conn) TouchPing() {
	c.stateMu.Lock()
	c.lastPing = time.Now()
	c.stateMu.Unlock()
}

// LastPing returns the time of the most recent heartbeat.
func (c *Conn) LastPing() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastPing
}

// SetRoom binds the connection to a room ("" unbinds).
func (c *Conn) SetRoom(roomID string) {
	c.stateMu.Lock()
	c.roomID = roomID
	c.stateMu.Unlock()
}

// Room returns the room the connection is bound to, or "".
func (c *Conn) Room() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.roomID
}

// Registry tracks connected devices. Thread-safe.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn // deviceID -> Conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds a device connection and returns any displaced connection
// for the same device id. The caller must close the displaced socket; the
// registry never writes to sockets itself.
func (r *Registry) Register(c *Conn) (displaced *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	displaced = r.conns[c.DeviceID]
	r.conns[c.DeviceID] = c
	if displaced == nil {
		metrics.ConnectionsActive.Inc()
	}
	return displaced
}

// Unregister removes the given connection only if it is still the
// registered connection for that device. This prevents a stale connection's
// deferred cleanup from removing a newer replacement connection.
// Returns true if the connection was actually removed.
func (r *Registry) Unregister(deviceID string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[deviceID] == conn {
		delete(r.conns, deviceID)
		metrics.ConnectionsActive.Dec()
		return true
	}
	return false
}

// Get returns a device connection by id, or nil if not connected.
func (r *Registry) Get(deviceID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[deviceID]
}

// IsOnline returns true if the device is currently connected.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[deviceID]
	return ok
}

// Snapshot returns the current connections. The reaper iterates the
// snapshot so socket closes never happen under the registry lock.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of connected devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
