package bridge

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/codetether/codetether/internal/agent/session"
	"github.com/codetether/codetether/internal/util/testutil"
)

// fakeTransport records everything the bridge sends and lets tests inject
// operator messages.
type fakeTransport struct {
	msgs chan InboundMessage

	mu        sync.Mutex
	plain     []string
	markup    []string
	markupErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan InboundMessage, 16)}
}

func (f *fakeTransport) Messages() <-chan InboundMessage { return f.msgs }

func (f *fakeTransport) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plain = append(f.plain, text)
	return nil
}

func (f *fakeTransport) SendMarkup(_ context.Context, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markupErr != nil {
		return f.markupErr
	}
	f.markup = append(f.markup, html)
	return nil
}

func (f *fakeTransport) operator(text string) {
	f.msgs <- InboundMessage{Operator: "op-1", Text: text}
}

func (f *fakeTransport) failMarkup(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markupErr = err
}

// saw reports whether any sent message, plain or markup, contains substr.
func (f *fakeTransport) saw(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.plain {
		if strings.Contains(m, substr) {
			return true
		}
	}
	for _, m := range f.markup {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func (f *fakeTransport) sawPlain(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.plain {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func (f *fakeTransport) sawMarkup(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.markup {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

// count returns how many sent messages contain substr.
func (f *fakeTransport) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.plain {
		if strings.Contains(m, substr) {
			n++
		}
	}
	for _, m := range f.markup {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) allPlain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.plain...)
}

func (f *fakeTransport) lastPlain() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.plain) == 0 {
		return ""
	}
	return f.plain[len(f.plain)-1]
}

// fakeMux is a scriptable stand-in for the session multiplexer. Send
// errors are staged up front and popped one per call.
type fakeMux struct {
	mu       sync.Mutex
	sessions []session.Info
	sendErrs []error
	sends    []string
	calls    []string
	events   chan session.SessionEvent
}

func newFakeMux(sessions ...session.Info) *fakeMux {
	return &fakeMux{
		sessions: sessions,
		events:   make(chan session.SessionEvent, 16),
	}
}

func sess(id int, name string, active bool) session.Info {
	return session.Info{
		ID:               id,
		Name:             name,
		WorkingDirectory: "/tmp/" + name,
		Status:           session.StatusIdle,
		IsActive:         active,
	}
}

func (f *fakeMux) stageSendErrs(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

func (f *fakeMux) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fakeMux) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMux) emit(id int, name string, ev session.Event) {
	f.events <- session.SessionEvent{SessionID: strconv.Itoa(id), SessionName: name, Event: ev}
}

func (f *fakeMux) Events() <-chan session.SessionEvent { return f.events }

func (f *fakeMux) Create(name, dir string) (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create "+name+" "+dir)
	for i := range f.sessions {
		f.sessions[i].IsActive = false
	}
	in := session.Info{
		ID:               len(f.sessions) + 1,
		Name:             name,
		WorkingDirectory: dir,
		Status:           session.StatusIdle,
		IsActive:         true,
	}
	f.sessions = append(f.sessions, in)
	return in, nil
}

func (f *fakeMux) Switch(idOrName string) (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "switch "+idOrName)
	for i := range f.sessions {
		if strconv.Itoa(f.sessions[i].ID) == idOrName || f.sessions[i].Name == idOrName {
			for j := range f.sessions {
				f.sessions[j].IsActive = false
			}
			f.sessions[i].IsActive = true
			return f.sessions[i], nil
		}
	}
	return session.Info{}, session.ErrSessionNotFound
}

func (f *fakeMux) Close(idOrName string) (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "close "+idOrName)
	idx := -1
	for i, in := range f.sessions {
		if idOrName == "" && in.IsActive {
			idx = i
			break
		}
		if idOrName != "" && (strconv.Itoa(in.ID) == idOrName || in.Name == idOrName) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return session.Info{}, session.ErrSessionNotFound
	}
	closed := f.sessions[idx]
	f.sessions = append(f.sessions[:idx], f.sessions[idx+1:]...)
	if closed.IsActive && len(f.sessions) > 0 {
		f.sessions[len(f.sessions)-1].IsActive = true
	}
	return closed, nil
}

func (f *fakeMux) Rename(name string) (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "rename "+name)
	for i := range f.sessions {
		if f.sessions[i].IsActive {
			f.sessions[i].Name = name
			return f.sessions[i], nil
		}
	}
	return session.Info{}, session.ErrNoActiveSession
}

func (f *fakeMux) List() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Info(nil), f.sessions...)
}

func (f *fakeMux) Active() (session.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.sessions {
		if in.IsActive {
			return in, true
		}
	}
	return session.Info{}, false
}

func (f *fakeMux) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeMux) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return err
	}
	return nil
}

func (f *fakeMux) Restart() (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart")
	for i := range f.sessions {
		if f.sessions[i].IsActive {
			f.sessions[i].Status = session.StatusIdle
			return f.sessions[i], nil
		}
	}
	return session.Info{}, session.ErrNoActiveSession
}

func (f *fakeMux) ForceStop() (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "forcestop")
	for i := range f.sessions {
		if f.sessions[i].IsActive {
			f.sessions[i].Status = session.StatusStopped
			return f.sessions[i], nil
		}
	}
	return session.Info{}, session.ErrNoActiveSession
}

type bridgeEnv struct {
	tr   *fakeTransport
	mux  *fakeMux
	done chan error
}

func startBridge(t *testing.T, cfg Config, mux *fakeMux) *bridgeEnv {
	t.Helper()

	tr := newFakeTransport()
	if cfg.Secret == "" {
		cfg.Secret = "sesame"
	}
	b, err := New(cfg, tr, mux)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	return &bridgeEnv{tr: tr, mux: mux, done: done}
}

// admit walks op-1 through the password gate of a startBridge default env.
func admit(t *testing.T, env *bridgeEnv) {
	t.Helper()
	env.tr.operator("hello")
	testutil.RequireEventually(t, func() bool { return env.tr.saw(passwordPrompt) }, "no password prompt")
	env.tr.operator("sesame")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("✅ authenticated") }, "not admitted")
}

func TestNew_Defaults(t *testing.T) {
	b, err := New(Config{Secret: "s"}, newFakeTransport(), newFakeMux())
	require.NoError(t, err)
	assert.Equal(t, defaultChunkLimit, b.cfg.ChunkLimit)

	_, err = New(Config{}, newFakeTransport(), newFakeMux())
	require.Error(t, err)
}

func TestBridge_AuthGate(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	env := startBridge(t, Config{Secret: "hunter2"}, mux)

	// First contact only triggers the prompt; it is never interpreted.
	env.tr.operator("/list")
	testutil.RequireEventually(t, func() bool { return env.tr.count(passwordPrompt) == 1 }, "no prompt")

	// Commands are refused while unauthenticated, not tried as passwords.
	env.tr.operator("/list")
	testutil.RequireEventually(t, func() bool { return env.tr.saw(authRequired) }, "command not refused")

	env.tr.operator("wrong")
	testutil.RequireEventually(t, func() bool { return env.tr.count(passwordPrompt) == 2 }, "no re-prompt after bad password")

	env.tr.operator("hunter2")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("✅ authenticated") }, "not admitted")

	// A different operator starts from scratch.
	env.tr.msgs <- InboundMessage{Operator: "op-2", Text: "hi"}
	testutil.RequireEventually(t, func() bool { return env.tr.count(passwordPrompt) == 3 }, "second operator not gated")

	// Nothing reached the multiplexer through the gate.
	assert.Empty(t, mux.sentTexts())
}

func TestBridge_AuthBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	env := startBridge(t, Config{Secret: string(hash)}, newFakeMux())

	env.tr.operator("knock knock")
	testutil.RequireEventually(t, func() bool { return env.tr.saw(passwordPrompt) }, "no prompt")
	env.tr.operator("hunter2")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("✅ authenticated") }, "hash not accepted")
}

func TestBridge_RequiresActiveSessionForText(t *testing.T) {
	mux := newFakeMux()
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("do the thing")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("no active session") }, "no hint")
	assert.Empty(t, mux.sentTexts())
}

func TestBridge_StoppedSessionHint(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	mux.stageSendErrs(session.ErrStopped)
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("hello there")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("session is stopped") }, "no stopped hint")
}

func TestBridge_QueuesWhileBusyAndDrainsInOrder(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	mux.stageSendErrs(session.ErrBusy)
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("first")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("queued (1 waiting)") }, "first not queued")

	// While the queue is non-empty later messages append to it; they must
	// not overtake even if the session happens to be idle by now.
	env.tr.operator("second")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("queued (2 waiting)") }, "second not appended")
	assert.Equal(t, []string{"first"}, mux.sentTexts())

	mux.emit(4, "alpha", session.Event{Kind: session.EventDone})
	testutil.RequireEventually(t, func() bool { return len(mux.sentTexts()) == 2 }, "queue head not drained")

	mux.emit(4, "alpha", session.Event{Kind: session.EventDone})
	testutil.RequireEventually(t, func() bool { return len(mux.sentTexts()) == 3 }, "queue tail not drained")

	assert.Equal(t, []string{"first", "first", "second"}, mux.sentTexts())
}

func TestBridge_DrainIgnoresOtherSessions(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true), sess(7, "beta", false))
	mux.stageSendErrs(session.ErrBusy)
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("held")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("queued (1 waiting)") }, "not queued")

	mux.emit(7, "beta", session.Event{Kind: session.EventDone})
	testutil.AssertNever(t, func() bool { return len(mux.sentTexts()) > 1 }, 100*time.Millisecond,
		"drained on another session's done")

	mux.emit(4, "alpha", session.Event{Kind: session.EventDone})
	testutil.RequireEventually(t, func() bool { return len(mux.sentTexts()) == 2 }, "owner done did not drain")
}

func TestBridge_DrainsOnReadyAfterRestart(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	mux.stageSendErrs(session.ErrBusy)
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("held")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("queued (1 waiting)") }, "not queued")

	// A child that died mid-turn never emits done; its replacement
	// announces itself with ready.
	mux.emit(4, "alpha", session.Event{Kind: session.EventReady})
	testutil.RequireEventually(t, func() bool { return len(mux.sentTexts()) == 2 }, "ready did not drain")
	assert.Equal(t, "held", mux.sentTexts()[1])
}

func TestBridge_StopAndRestartClearQueue(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	mux.stageSendErrs(session.ErrBusy, session.ErrBusy)
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("held")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("queued (1 waiting)") }, "not queued")
	env.tr.operator("/stop")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("🛑 stopped alpha") }, "no stop ack")
	assert.True(t, env.tr.saw("cleared 1 queued"))

	mux.emit(4, "alpha", session.Event{Kind: session.EventDone})
	testutil.AssertNever(t, func() bool { return len(mux.sentTexts()) > 1 }, 100*time.Millisecond,
		"cleared item was sent")

	env.tr.operator("held2")
	testutil.RequireEventually(t, func() bool { return env.tr.count("queued (1 waiting)") == 2 }, "second hold not queued")
	env.tr.operator("/restart")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("🔄 restarted alpha") }, "no restart ack")
	assert.Equal(t, 2, env.tr.count("cleared 1 queued"))

	assert.Equal(t, []string{"held", "held2"}, mux.sentTexts())
	assert.Contains(t, mux.callLog(), "forcestop")
	assert.Contains(t, mux.callLog(), "restart")
}

func TestBridge_SwitchAwayClearsQueue(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true), sess(7, "beta", false))
	mux.stageSendErrs(session.ErrBusy)
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("held")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("queued (1 waiting)") }, "not queued")

	env.tr.operator("/switch beta")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("switched to beta") }, "no switch ack")
	assert.True(t, env.tr.saw("cleared 1 queued"))

	mux.emit(4, "alpha", session.Event{Kind: session.EventDone})
	testutil.AssertNever(t, func() bool { return len(mux.sentTexts()) > 1 }, 100*time.Millisecond,
		"stale item sent after switch")
}

func TestBridge_TagsAndChunksOutput(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true), sess(7, "beta", false))
	env := startBridge(t, Config{ChunkLimit: 40}, mux)
	admit(t, env)

	mux.emit(4, "alpha", session.Event{Kind: session.EventMessage, Text: strings.Repeat("x", 50)})

	testutil.RequireEventually(t, func() bool { return len(env.tr.allPlain()) >= 4 }, "chunks not delivered")
	got := env.tr.allPlain()[2:] // past the two auth replies
	require.Len(t, got, 2)
	assert.Equal(t, "[alpha] [1/2]\n"+strings.Repeat("x", 28), got[0])
	assert.Equal(t, "[alpha] [2/2]\n"+strings.Repeat("x", 22), got[1])
}

func TestBridge_SingleSessionOutputUntagged(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	mux.emit(4, "alpha", session.Event{Kind: session.EventMessage, Text: "done."})
	testutil.RequireEventually(t, func() bool { return env.tr.saw("done.") }, "output not delivered")
	assert.Equal(t, "done.", env.tr.lastPlain())
}

func TestBridge_ReportsWorkerErrors(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	mux.emit(4, "alpha", session.Event{Kind: session.EventError, Err: errors.New("assistant CLI exited with code 1")})
	testutil.RequireEventually(t, func() bool {
		return env.tr.saw("⚠️ assistant CLI exited with code 1")
	}, "error not surfaced")
}

func TestBridge_MarkupEscapesAndFallsBack(t *testing.T) {
	mux := newFakeMux(sess(4, "alpha", true))
	env := startBridge(t, Config{Markup: true}, mux)
	admit(t, env)

	mux.emit(4, "alpha", session.Event{Kind: session.EventMessage, Text: "run a < b && c"})
	testutil.RequireEventually(t, func() bool {
		return env.tr.sawMarkup("run a &lt; b &amp;&amp; c")
	}, "markup not escaped")

	// A rejected markup send falls back to the untouched plain text.
	env.tr.failMarkup(errors.New("can't parse entities"))
	mux.emit(4, "alpha", session.Event{Kind: session.EventMessage, Text: "plain < fallback"})
	testutil.RequireEventually(t, func() bool { return env.tr.sawPlain("plain < fallback") }, "no plain fallback")
}

func TestBridge_Commands(t *testing.T) {
	mux := newFakeMux()
	env := startBridge(t, Config{}, mux)
	admit(t, env)

	env.tr.operator("/start")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("anything else is sent to the active session") }, "no help")

	env.tr.operator("/list")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("no sessions") }, "no empty-list hint")

	env.tr.operator("/new alpha /tmp/alpha")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("📁 session 1 (alpha) in /tmp/alpha") }, "no create ack")
	assert.Contains(t, mux.callLog(), "create alpha /tmp/alpha")

	env.tr.operator("/list")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("▶ 1 alpha — idle, 0 msgs") }, "no list row")

	env.tr.operator("/rename pay service")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("renamed to pay service") }, "no rename ack")
	assert.Contains(t, mux.callLog(), "rename pay service")

	env.tr.operator("/session")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("▶ pay service (session 1)") }, "no session detail")
	assert.True(t, env.tr.saw("model pending first turn"))

	env.tr.operator("/status")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("sessions: 1") }, "no status")

	env.tr.operator("/switch")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("usage: /switch") }, "no usage hint")

	env.tr.operator("/frobnicate")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("unknown command /frobnicate") }, "no unknown hint")

	env.tr.operator("/close")
	testutil.RequireEventually(t, func() bool { return env.tr.saw("closed pay service (session 1)") }, "no close ack")
	assert.Equal(t, 0, mux.Count())
}

func TestBridge_StopsWhenTransportCloses(t *testing.T) {
	env := startBridge(t, Config{}, newFakeMux())

	close(env.tr.msgs)
	select {
	case err := <-env.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after transport closed")
	}
}
