package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/codetether/codetether/internal/agent/scope"
	"github.com/codetether/codetether/internal/util/sanitize"
)

const defaultMaxSessions = 10

var (
	// ErrSessionLimit is returned by Create once the session cap is hit.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrSessionNotFound is returned when an id or name matches nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoActiveSession is returned by operations that target the active
	// session when none exists.
	ErrNoActiveSession = errors.New("no active session")
)

// Config configures a Multiplexer.
type Config struct {
	// CLIPath is the assistant binary passed to each worker.
	CLIPath string
	// DefaultDir is used when Create is called without a directory.
	DefaultDir string
	// MaxSessions caps concurrent sessions. Defaults to 10.
	MaxSessions int
	// RestartDelay is forwarded to workers.
	RestartDelay time.Duration
	// Guard validates working directories against the allow-list.
	Guard *scope.Guard
}

// Info is a point-in-time snapshot of one session.
type Info struct {
	ID               int
	Name             string
	WorkingDirectory string
	Status           Status
	IsActive         bool
	RunningMinutes   int
	CreatedAt        time.Time
	LastActiveAt     time.Time
	Usage            Usage
}

// SessionEvent is a worker event tagged with the session it came from.
type SessionEvent struct {
	SessionID   string
	SessionName string
	Event       Event
}

type sessionEntry struct {
	id           int
	name         string
	dir          string
	createdAt    time.Time
	lastActiveAt time.Time
	worker       *Worker
}

// Multiplexer owns a set of sessions and a single active-session cursor.
// User input goes to the active session; output from every session is
// re-emitted on Events tagged with its session id. All operations are
// serialised with respect to each other.
type Multiplexer struct {
	cfg   Config
	start func(WorkerConfig) (*Worker, error)

	mu       sync.Mutex
	sessions []*sessionEntry // creation order
	byID     map[int]*sessionEntry
	activeID int // 0 = none
	nextID   int
	closed   bool

	events chan SessionEvent
	pumps  sync.WaitGroup
}

// NewMultiplexer returns an empty multiplexer. Guard must be set.
func NewMultiplexer(cfg Config) *Multiplexer {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	m := &Multiplexer{
		cfg:    cfg,
		byID:   make(map[int]*sessionEntry),
		nextID: 1,
		events: make(chan SessionEvent, 256),
	}
	m.start = func(wc WorkerConfig) (*Worker, error) {
		w := NewWorker(wc)
		if err := w.Start(); err != nil {
			return nil, err
		}
		return w, nil
	}
	return m
}

// Events returns the merged event stream of all sessions. It is closed by
// Shutdown after the last worker has stopped.
func (m *Multiplexer) Events() <-chan SessionEvent { return m.events }

// Create starts a new session in dir and returns its snapshot. An empty dir
// falls back to the configured default; an empty name falls back to the
// directory basename. The first session (or the first after all were
// closed) becomes active.
func (m *Multiplexer) Create(name, dir string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Info{}, ErrStopped
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return Info{}, ErrSessionLimit
	}
	if dir == "" {
		dir = m.cfg.DefaultDir
	}
	if dir == "" {
		return Info{}, errors.New("working directory required")
	}
	canonical, err := m.cfg.Guard.Check(dir)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(canonical)
	if err != nil || !st.IsDir() {
		return Info{}, fmt.Errorf("working directory does not exist: %s", canonical)
	}

	name = sanitize.Line(name, 64)
	if name == "" {
		name = filepath.Base(canonical)
	}
	id := m.nextID
	if m.nameTakenLocked(name) {
		name = fmt.Sprintf("%s-%d", name, id)
	}

	w, err := m.start(WorkerConfig{
		CLIPath:      m.cfg.CLIPath,
		WorkingDir:   canonical,
		RestartDelay: m.cfg.RestartDelay,
	})
	if err != nil {
		return Info{}, fmt.Errorf("start session worker: %w", err)
	}

	m.nextID++
	now := time.Now()
	e := &sessionEntry{
		id:           id,
		name:         name,
		dir:          canonical,
		createdAt:    now,
		lastActiveAt: now,
		worker:       w,
	}
	m.sessions = append(m.sessions, e)
	m.byID[id] = e
	if m.activeID == 0 {
		m.activeID = id
	}

	m.pumps.Add(1)
	go m.pump(e)

	return m.infoLocked(e), nil
}

// Restore recreates a persisted session under its original id and name,
// resuming the provider conversation recorded in seed. Meant for agent
// startup, before any Create.
func (m *Multiplexer) Restore(id int, name, dir string, createdAt time.Time, seed Usage) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Info{}, ErrStopped
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return Info{}, ErrSessionLimit
	}
	if _, ok := m.byID[id]; ok {
		return Info{}, fmt.Errorf("session id already in use: %d", id)
	}
	canonical, err := m.cfg.Guard.Check(dir)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(canonical)
	if err != nil || !st.IsDir() {
		return Info{}, fmt.Errorf("working directory does not exist: %s", canonical)
	}

	name = sanitize.Line(name, 64)
	if name == "" {
		name = filepath.Base(canonical)
	}

	w, err := m.start(WorkerConfig{
		CLIPath:      m.cfg.CLIPath,
		WorkingDir:   canonical,
		RestartDelay: m.cfg.RestartDelay,
		Seed:         seed,
	})
	if err != nil {
		return Info{}, fmt.Errorf("start session worker: %w", err)
	}

	if id >= m.nextID {
		m.nextID = id + 1
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	e := &sessionEntry{
		id:           id,
		name:         name,
		dir:          canonical,
		createdAt:    createdAt,
		lastActiveAt: time.Now(),
		worker:       w,
	}
	m.sessions = append(m.sessions, e)
	m.byID[id] = e
	if m.activeID == 0 {
		m.activeID = id
	}

	m.pumps.Add(1)
	go m.pump(e)

	return m.infoLocked(e), nil
}

// Switch makes the session identified by a numeric id or an exact name the
// active one.
func (m *Multiplexer) Switch(idOrName string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.resolveLocked(idOrName)
	if err != nil {
		return Info{}, err
	}
	m.activeID = e.id
	e.lastActiveAt = time.Now()
	return m.infoLocked(e), nil
}

// Close stops and removes a session; an empty idOrName closes the active
// one. When the active session goes away the oldest remaining session
// becomes active.
func (m *Multiplexer) Close(idOrName string) (Info, error) {
	m.mu.Lock()
	var e *sessionEntry
	var err error
	if idOrName == "" {
		e, err = m.activeLocked()
	} else {
		e, err = m.resolveLocked(idOrName)
	}
	if err != nil {
		m.mu.Unlock()
		return Info{}, err
	}

	for i, s := range m.sessions {
		if s == e {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			break
		}
	}
	delete(m.byID, e.id)
	if m.activeID == e.id {
		m.activeID = 0
		if len(m.sessions) > 0 {
			m.activeID = m.sessions[0].id
		}
	}
	info := m.infoLocked(e)
	m.mu.Unlock()

	// Stop outside the lock: graceful shutdown waits for the child.
	e.worker.Stop()
	info.Status = StatusStopped
	return info, nil
}

// Rename gives the active session a new name.
func (m *Multiplexer) Rename(name string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.activeLocked()
	if err != nil {
		return Info{}, err
	}
	name = sanitize.Line(name, 64)
	if name == "" {
		return Info{}, errors.New("session name required")
	}
	e.name = name
	return m.infoLocked(e), nil
}

// List returns snapshots of all sessions in creation order.
func (m *Multiplexer) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		infos = append(infos, m.infoLocked(e))
	}
	return infos
}

// Active returns the active session's snapshot, if any.
func (m *Multiplexer) Active() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.activeLocked()
	if err != nil {
		return Info{}, false
	}
	return m.infoLocked(e), true
}

// Count returns the number of open sessions.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Send delivers one user turn to the active session.
func (m *Multiplexer) Send(text string) error {
	m.mu.Lock()
	e, err := m.activeLocked()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := e.worker.Send(text); err != nil {
		return err
	}

	m.mu.Lock()
	e.lastActiveAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Restart gives the active session a fresh worker, dropping its
// conversation and usage counters. Workers are single-conversation, so
// restart means replacement: the old one is stopped and a new one started
// in the same directory. The call holds the multiplexer lock while the old
// child shuts down.
func (m *Multiplexer) Restart() (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.activeLocked()
	if err != nil {
		return Info{}, err
	}

	e.worker.Stop()

	w, err := m.start(WorkerConfig{
		CLIPath:      m.cfg.CLIPath,
		WorkingDir:   e.dir,
		RestartDelay: m.cfg.RestartDelay,
	})
	if err != nil {
		return Info{}, fmt.Errorf("restart session worker: %w", err)
	}
	e.worker = w
	e.lastActiveAt = time.Now()
	m.pumps.Add(1)
	go m.pump(e)
	return m.infoLocked(e), nil
}

// ForceStop kills the active session's child outright. The session entry
// stays listed with status stopped; Restart brings it back.
func (m *Multiplexer) ForceStop() (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.activeLocked()
	if err != nil {
		return Info{}, err
	}
	e.worker.ForceStop()
	return m.infoLocked(e), nil
}

// Shutdown stops every session gracefully and closes the events channel.
// Callers must keep draining Events until it closes.
func (m *Multiplexer) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*sessionEntry, len(m.sessions))
	copy(entries, m.sessions)
	m.sessions = nil
	m.byID = make(map[int]*sessionEntry)
	m.activeID = 0
	m.mu.Unlock()

	for _, e := range entries {
		e.worker.Stop()
	}
	m.pumps.Wait()
	close(m.events)
}

func (m *Multiplexer) pump(e *sessionEntry) {
	defer m.pumps.Done()
	sid := strconv.Itoa(e.id)
	for ev := range e.worker.Events() {
		m.mu.Lock()
		name := e.name
		m.mu.Unlock()
		m.events <- SessionEvent{SessionID: sid, SessionName: name, Event: ev}
	}
}

func (m *Multiplexer) activeLocked() (*sessionEntry, error) {
	if m.activeID == 0 {
		return nil, ErrNoActiveSession
	}
	e, ok := m.byID[m.activeID]
	if !ok {
		return nil, ErrNoActiveSession
	}
	return e, nil
}

// resolveLocked finds a session by numeric id first, then by exact name.
func (m *Multiplexer) resolveLocked(idOrName string) (*sessionEntry, error) {
	if id, err := strconv.Atoi(idOrName); err == nil {
		if e, ok := m.byID[id]; ok {
			return e, nil
		}
	}
	for _, e := range m.sessions {
		if e.name == idOrName {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, idOrName)
}

func (m *Multiplexer) nameTakenLocked(name string) bool {
	for _, e := range m.sessions {
		if e.name == name {
			return true
		}
	}
	return false
}

func (m *Multiplexer) infoLocked(e *sessionEntry) Info {
	return Info{
		ID:               e.id,
		Name:             e.name,
		WorkingDirectory: e.dir,
		Status:           e.worker.Status(),
		IsActive:         e.id == m.activeID,
		RunningMinutes:   int(time.Since(e.createdAt).Minutes()),
		CreatedAt:        e.createdAt,
		LastActiveAt:     e.lastActiveAt,
		Usage:            e.worker.Usage(),
	}
}
