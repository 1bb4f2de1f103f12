// Package rooms maintains the hub's table of paired device rooms. A room
// outlives either peer's connection; only a hub restart or idle eviction
// removes it.
package rooms

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codetether/codetether/internal/metrics"
)

var (
	ErrNotFound  = errors.New("room not found")
	ErrNotInRoom = errors.New("device not in room")
)

// Room binds one desktop device and one web device.
type Room struct {
	ID              string
	DesktopDeviceID string
	WebDeviceID     string
	CreatedAt       time.Time
}

// PeerOf returns the other device of the room, or ErrNotInRoom when the
// given device is not one of the two.
func (r *Room) PeerOf(deviceID string) (string, error) {
	switch deviceID {
	case r.DesktopDeviceID:
		return r.WebDeviceID, nil
	case r.WebDeviceID:
		return r.DesktopDeviceID, nil
	}
	return "", ErrNotInRoom
}

// Has reports whether the device is one of the room's two peers.
func (r *Room) Has(deviceID string) bool {
	return deviceID == r.DesktopDeviceID || deviceID == r.WebDeviceID
}

type entry struct {
	room         Room
	lastActivity time.Time
}

// Table is the thread-safe room store. A device appears in at most one
// room; creating a room for a device evicts any room it was in.
type Table struct {
	// Now is the clock used for activity stamps. Tests may override it.
	Now func() time.Time

	mu       sync.Mutex
	byID     map[string]*entry
	byDevice map[string]string // deviceID -> roomID
}

// NewTable creates an empty room table.
func NewTable() *Table {
	return &Table{
		Now:      time.Now,
		byID:     make(map[string]*entry),
		byDevice: make(map[string]string),
	}
}

// Create allocates a room for the two devices. Any room either device
// already occupies is evicted first, keeping the at-most-one-room-per-device
// invariant.
func (t *Table) Create(desktopDeviceID, webDeviceID string) Room {
	now := t.Now()
	room := Room{
		ID:              uuid.NewString(),
		DesktopDeviceID: desktopDeviceID,
		WebDeviceID:     webDeviceID,
		CreatedAt:       now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictDeviceLocked(desktopDeviceID)
	t.evictDeviceLocked(webDeviceID)

	t.byID[room.ID] = &entry{room: room, lastActivity: now}
	t.byDevice[desktopDeviceID] = room.ID
	t.byDevice[webDeviceID] = room.ID
	metrics.RoomsActive.Inc()

	return room
}

// Get returns the room by id.
func (t *Table) Get(roomID string) (Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return e.room, nil
}

// ByDevice returns the room a device belongs to.
func (t *Table) ByDevice(deviceID string) (Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	roomID, ok := t.byDevice[deviceID]
	if !ok {
		return Room{}, ErrNotFound
	}
	return t.byID[roomID].room, nil
}

// Touch stamps the room's last activity. Called on every relayed frame and
// successful rejoin so live rooms never idle out.
func (t *Table) Touch(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byID[roomID]; ok {
		e.lastActivity = t.Now()
	}
}

// Remove deletes a room by id. Returns true if it existed.
func (t *Table) Remove(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(roomID)
}

// EvictIdle removes rooms whose last activity is older than maxIdle and
// returns them so the caller can notify any connected peers. A non-positive
// maxIdle disables eviction.
func (t *Table) EvictIdle(maxIdle time.Duration) []Room {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := t.Now().Add(-maxIdle)

	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []Room
	for roomID, e := range t.byID {
		if e.lastActivity.Before(cutoff) {
			evicted = append(evicted, e.room)
			t.removeLocked(roomID)
		}
	}
	return evicted
}

// Len returns the number of live rooms.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *Table) evictDeviceLocked(deviceID string) {
	if roomID, ok := t.byDevice[deviceID]; ok {
		t.removeLocked(roomID)
	}
}

func (t *Table) removeLocked(roomID string) bool {
	e, ok := t.byID[roomID]
	if !ok {
		return false
	}
	delete(t.byID, roomID)
	delete(t.byDevice, e.room.DesktopDeviceID)
	delete(t.byDevice, e.room.WebDeviceID)
	metrics.RoomsActive.Dec()
	return true
}
