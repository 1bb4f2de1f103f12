// Package session runs coding-assistant CLI processes, one per session, and
// multiplexes any number of them behind a single active-session cursor.
//
// Each Worker owns one child process speaking stream-json on stdin/stdout.
// Output is parsed line by line: assistant text accumulates in a turn buffer
// and is emitted as a single message event when the result line arrives.
// Workers deliver events over a channel and restart their child automatically
// after a crash, resuming the provider-side conversation when possible.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codetether/codetether/internal/util/sanitize"
)

const (
	defaultCLIPath      = "claude"
	defaultRestartDelay = 3 * time.Second

	// Children are asked to exit via closed stdin first; after this grace
	// period they get SIGTERM.
	stopGracePeriod = 5 * time.Second

	maxScanTokenSize = 16 * 1024 * 1024
	initialScanSize  = 1024 * 1024
)

// Status describes what a session is doing right now.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusStopped Status = "stopped"
)

// EventKind discriminates worker events.
type EventKind string

const (
	// EventReady fires once per child process, when its init line arrives.
	EventReady EventKind = "ready"
	// EventMessage carries a completed assistant turn (or its partial text
	// if the child died mid-turn).
	EventMessage EventKind = "message"
	// EventDone marks the end of a turn; the worker is idle again.
	EventDone EventKind = "done"
	// EventError reports a worker-level failure such as an unexpected exit.
	EventError EventKind = "error"
	// EventExit reports the child's exit code.
	EventExit EventKind = "exit"
)

// MessageSubtype qualifies EventMessage events.
type MessageSubtype string

const (
	MessageSuccess MessageSubtype = "success"
	MessageError   MessageSubtype = "error"
)

// Event is a single notification from a Worker. Which fields are set depends
// on Kind: Subtype and Text for messages, Err for errors, Code for exits.
type Event struct {
	Kind    EventKind
	Subtype MessageSubtype
	Text    string
	Err     error
	Code    int
}

// Usage accumulates provider-side accounting across the life of a worker.
type Usage struct {
	MessageCount      int
	InputTokens       int
	OutputTokens      int
	CostUSD           float64
	Model             string
	ProviderSessionID string
}

var (
	// ErrBusy is returned by Send while a previous turn is still running.
	ErrBusy = errors.New("already processing")
	// ErrNotRunning is returned by Send while the child is down (for
	// example during the restart delay after a crash).
	ErrNotRunning = errors.New("session worker is not running")
	// ErrStopped is returned once the worker has been stopped for good.
	ErrStopped = errors.New("session worker is stopped")

	errAlreadyRunning = errors.New("session worker already running")
)

// WorkerConfig configures a single session worker.
type WorkerConfig struct {
	// CLIPath is the assistant binary to launch. Defaults to "claude".
	CLIPath string
	// WorkingDir is the directory the child runs in.
	WorkingDir string
	// RestartDelay is the pause before restarting a crashed child.
	// Defaults to 3s.
	RestartDelay time.Duration
	// Seed preloads usage accounting, e.g. for a session restored from
	// the local store. A non-empty Seed.ProviderSessionID resumes that
	// provider conversation.
	Seed Usage
}

// spawnFunc launches one child process. resume carries the provider session
// id to continue, if any; onLine receives each non-empty stdout line.
type spawnFunc func(cfg WorkerConfig, resume string, onLine func([]byte)) (*child, error)

// Worker drives one session's assistant CLI across restarts.
type Worker struct {
	cfg   WorkerConfig
	spawn spawnFunc

	events chan Event

	mu      sync.Mutex
	child   *child
	busy    bool
	ready   bool
	stopped bool
	buffer  strings.Builder
	usage   Usage

	stopCh chan struct{}
}

// NewWorker returns a worker for cfg. Call Start to launch the child.
func NewWorker(cfg WorkerConfig) *Worker {
	return newWorkerWith(cfg, spawnCLI)
}

func newWorkerWith(cfg WorkerConfig, spawn spawnFunc) *Worker {
	if cfg.CLIPath == "" {
		cfg.CLIPath = defaultCLIPath
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	w := &Worker{
		cfg:    cfg,
		spawn:  spawn,
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
	}
	w.usage = cfg.Seed
	return w
}

// Events returns the worker's event stream. The channel is closed after the
// final exit event once the worker has stopped.
func (w *Worker) Events() <-chan Event { return w.events }

// Start launches the child process. The worker resumes the last known
// provider conversation if one is recorded.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.child != nil {
		w.mu.Unlock()
		return errAlreadyRunning
	}
	resume := w.usage.ProviderSessionID
	w.mu.Unlock()

	c, err := w.spawn(w.cfg, resume, w.handleLine)
	if err != nil {
		return fmt.Errorf("start assistant CLI: %w", err)
	}

	w.mu.Lock()
	if w.stopped || w.child != nil {
		w.mu.Unlock()
		c.kill()
		_ = c.wait()
		if w.stopped {
			return ErrStopped
		}
		return errAlreadyRunning
	}
	w.child = c
	w.mu.Unlock()

	go w.monitor(c)
	return nil
}

// Send submits one user turn. Exactly one turn runs at a time; a second Send
// before the done event fails with ErrBusy.
func (w *Worker) Send(text string) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	c := w.child
	if c == nil {
		w.mu.Unlock()
		return ErrNotRunning
	}
	if w.busy {
		w.mu.Unlock()
		return ErrBusy
	}
	w.busy = true
	w.mu.Unlock()

	data, err := json.Marshal(userInput{
		Type:    "user",
		Message: userInputContent{Role: "user", Content: text},
	})
	if err != nil {
		w.setIdle()
		return fmt.Errorf("encode user turn: %w", err)
	}
	if err := c.writeLine(data); err != nil {
		w.setIdle()
		return fmt.Errorf("write to assistant stdin: %w", err)
	}
	return nil
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	w.busy = false
	w.mu.Unlock()
}

// Stop shuts the worker down for good: stdin is closed, the child gets a
// grace period to exit, then SIGTERM. The final exit event is still
// delivered before the events channel closes. A stopped worker cannot be
// started again; restarting a session means replacing its worker.
func (w *Worker) Stop() {
	w.stop(false)
}

// ForceStop is Stop without the grace period: the child is killed outright.
func (w *Worker) ForceStop() {
	w.stop(true)
}

func (w *Worker) stop(force bool) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	c := w.child
	close(w.stopCh)
	w.mu.Unlock()

	if c == nil {
		return
	}
	if force {
		c.kill()
	} else {
		c.stop()
	}
	_ = c.wait()
}

// Status reports idle, busy, or stopped. A crashed child awaiting restart
// reports stopped until the new child is up.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.stopped || w.child == nil:
		return StatusStopped
	case w.busy:
		return StatusBusy
	default:
		return StatusIdle
	}
}

// Usage returns a copy of the accumulated usage counters.
func (w *Worker) Usage() Usage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usage
}

func (w *Worker) emit(ev Event) {
	w.events <- ev
}

// handleLine parses one stdout line from the current child. Called from the
// child's reader goroutine, which always finishes before the monitor runs.
func (w *Worker) handleLine(line []byte) {
	var msg streamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Debug("skipping unparseable assistant output", "error", err)
		return
	}

	switch msg.Type {
	case lineTypeSystem:
		if msg.Subtype != lineSubtypeInit {
			return
		}
		w.mu.Lock()
		w.usage.ProviderSessionID = msg.SessionID
		if msg.Model != "" {
			w.usage.Model = msg.Model
		}
		first := !w.ready
		w.ready = true
		w.mu.Unlock()
		if first {
			w.emit(Event{Kind: EventReady})
		}

	case lineTypeAssistant:
		w.mu.Lock()
		for _, blk := range msg.Message.Content {
			if blk.Type != "text" || blk.Text == "" {
				continue
			}
			if w.buffer.Len() > 0 {
				w.buffer.WriteString("\n")
			}
			w.buffer.WriteString(blk.Text)
		}
		w.mu.Unlock()

	case lineTypeResult:
		w.mu.Lock()
		text := w.buffer.String()
		w.buffer.Reset()
		if msg.SessionID != "" {
			w.usage.ProviderSessionID = msg.SessionID
		}
		w.usage.InputTokens += msg.Usage.InputTokens
		w.usage.OutputTokens += msg.Usage.OutputTokens
		w.usage.CostUSD += msg.TotalCostUSD
		w.usage.MessageCount++
		w.busy = false
		w.mu.Unlock()

		subtype := MessageSuccess
		if msg.IsError {
			subtype = MessageError
			if msg.Result != "" {
				text = msg.Result
			}
		} else if text == "" {
			text = msg.Result
		}
		w.emit(Event{Kind: EventMessage, Subtype: subtype, Text: text})
		w.emit(Event{Kind: EventDone})
	}
}

// monitor waits for the child to exit, surfaces whatever the crash
// interrupted, and drives the restart loop. The goroutine that observes the
// final stop is the one that closes the events channel.
func (w *Worker) monitor(c *child) {
	err := c.wait()

	w.mu.Lock()
	if w.child != c {
		// Another child replaced this one; its monitor owns the
		// lifecycle now.
		w.mu.Unlock()
		return
	}
	w.child = nil
	w.busy = false
	w.ready = false
	partial := w.buffer.String()
	w.buffer.Reset()
	stopped := w.stopped
	w.mu.Unlock()

	code := exitCode(err)
	if !stopped {
		if partial != "" {
			w.emit(Event{Kind: EventMessage, Subtype: MessageError, Text: partial})
		}
		w.emit(Event{Kind: EventError, Err: exitError(code, c.stderr())})
	}
	w.emit(Event{Kind: EventExit, Code: code})

	if stopped {
		close(w.events)
		return
	}

	for {
		select {
		case <-w.stopCh:
			close(w.events)
			return
		case <-time.After(w.cfg.RestartDelay):
		}

		err := w.Start()
		switch {
		case err == nil, errors.Is(err, errAlreadyRunning):
			// The new child's monitor owns the events channel now.
			return
		case errors.Is(err, ErrStopped):
			close(w.events)
			return
		default:
			w.emit(Event{Kind: EventError, Err: fmt.Errorf("restart assistant CLI: %w", err)})
		}
	}
}

func exitError(code int, stderr string) error {
	tail := sanitize.Line(stderr, 300)
	if tail == "" {
		return fmt.Errorf("assistant process exited unexpectedly (code %d)", code)
	}
	return fmt.Errorf("assistant process exited unexpectedly (code %d): %s", code, tail)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// child is one spawned CLI process. Its reader goroutine forwards stdout
// lines, then records the wait result and closes done. stderrBuf is only
// read after done closes, when the process can no longer write to it.
type child struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	cancel    context.CancelFunc
	stderrBuf bytes.Buffer

	done    chan struct{}
	waitErr error

	writeMu sync.Mutex
}

func spawnCLI(cfg WorkerConfig, resume string, onLine func([]byte)) (*child, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.CLIPath, args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = append(cmd.Environ(), "FORCE_COLOR=0")
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGracePeriod

	c := &child{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	cmd.Stderr = &c.stderrBuf

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	c.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	slog.Debug("assistant CLI started", "pid", cmd.Process.Pid, "dir", cfg.WorkingDir, "resume", resume != "")

	go c.readLines(stdout, onLine)
	return c, nil
}

func (c *child) readLines(stdout io.Reader, onLine func([]byte)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, initialScanSize), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		onLine(lineCopy)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("assistant stdout read failed", "error", err)
	}
	c.waitErr = c.cmd.Wait()
	close(c.done)
}

func (c *child) writeLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// stop closes stdin to let the child exit on its own, escalating to SIGTERM
// via the command context if it lingers.
func (c *child) stop() {
	_ = c.stdin.Close()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		c.cancel()
	}
}

func (c *child) kill() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.cancel()
}

func (c *child) wait() error {
	<-c.done
	return c.waitErr
}

func (c *child) stderr() string {
	return c.stderrBuf.String()
}
