// Package bridge drives the session multiplexer from a single-operator
// chat front-end instead of the hub relay: a password gate in front, a
// FIFO queue behind the per-session busy lock, and size-bounded output.
package bridge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/codetether/codetether/internal/agent/session"
	"github.com/codetether/codetether/internal/codec"
	"github.com/codetether/codetether/internal/util/timefmt"
)

const (
	defaultChunkLimit = 4000

	passwordPrompt = "🔐 please enter password"
	authRequired   = "please authenticate first"
)

const helpText = `commands:
/new [name] [dir] — start a session
/switch <id|name> — make a session active
/list — list sessions
/close [id|name] — close a session (default: active)
/rename <name> — rename the active session
/session — active session details
/status — bridge status
/stop — force-stop the active session and clear the queue
/restart — restart the active session and clear the queue
anything else is sent to the active session`

// Config configures a Bridge.
type Config struct {
	// Secret is the shared password. A value with bcrypt's "$2" prefix is
	// treated as a hash; anything else is compared literally in constant
	// time.
	Secret string
	// ChunkLimit bounds outbound message size. Defaults to 4000.
	ChunkLimit int
	// Markup sends HTML-formatted messages, falling back to plain text
	// when the transport rejects one.
	Markup bool
}

// sessionMux is the slice of the multiplexer the bridge drives.
type sessionMux interface {
	Create(name, dir string) (session.Info, error)
	Switch(idOrName string) (session.Info, error)
	Close(idOrName string) (session.Info, error)
	Rename(name string) (session.Info, error)
	List() []session.Info
	Active() (session.Info, bool)
	Count() int
	Send(text string) error
	Restart() (session.Info, error)
	ForceStop() (session.Info, error)
	Events() <-chan session.SessionEvent
}

// Bridge connects one Transport to the session multiplexer. All state is
// owned by the Run loop; there is no locking because there is exactly one
// task context, which also gives the queue its FIFO guarantee.
type Bridge struct {
	cfg Config
	tr  Transport
	mux sessionMux

	admitted map[string]bool
	pending  map[string]bool

	queue      []string
	queueOwner int // session id the queued items belong to
}

// New returns a bridge over tr and mux. The password is mandatory; a chat
// front-end is reachable by strangers.
func New(cfg Config, tr Transport, mux sessionMux) (*Bridge, error) {
	if cfg.Secret == "" {
		return nil, errors.New("bridge password required")
	}
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = defaultChunkLimit
	}
	return &Bridge{
		cfg:      cfg,
		tr:       tr,
		mux:      mux,
		admitted: make(map[string]bool),
		pending:  make(map[string]bool),
	}, nil
}

// Run processes operator messages and session events until ctx ends or the
// transport closes its message channel.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.tr.Messages():
			if !ok {
				return nil
			}
			b.handleInbound(ctx, msg)
		case ev, ok := <-b.mux.Events():
			if !ok {
				return nil
			}
			b.handleEvent(ctx, ev)
		}
	}
}

func (b *Bridge) handleInbound(ctx context.Context, msg InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if !b.admitted[msg.Operator] {
		b.handleAuth(ctx, msg.Operator, text)
		return
	}

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, text)
		return
	}
	b.dispatch(ctx, text)
}

// handleAuth walks an operator through the password gate. The first
// message only triggers the prompt; replies after that are attempts,
// except commands, which are never treated as passwords.
func (b *Bridge) handleAuth(ctx context.Context, operator, text string) {
	if !b.pending[operator] {
		b.pending[operator] = true
		b.replyText(ctx, passwordPrompt)
		return
	}
	if strings.HasPrefix(text, "/") {
		b.replyText(ctx, authRequired)
		return
	}
	if b.checkSecret(text) {
		delete(b.pending, operator)
		b.admitted[operator] = true
		slog.Info("operator authenticated", "operator", operator)
		b.replyText(ctx, "✅ authenticated — /start for commands")
		return
	}
	slog.Warn("failed password attempt", "operator", operator)
	b.replyText(ctx, passwordPrompt)
}

func (b *Bridge) checkSecret(attempt string) bool {
	if strings.HasPrefix(b.cfg.Secret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(b.cfg.Secret), []byte(attempt)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(b.cfg.Secret), []byte(attempt)) == 1
}

func (b *Bridge) handleCommand(ctx context.Context, text string) {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/start":
		b.replyText(ctx, helpText)

	case "/new":
		var name, dir string
		if len(args) > 0 {
			name = args[0]
		}
		if len(args) > 1 {
			dir = args[1]
		}
		info, err := b.mux.Create(name, dir)
		if err != nil {
			b.replyText(ctx, "⚠️ "+err.Error())
			return
		}
		b.replyText(ctx, fmt.Sprintf("📁 session %d (%s) in %s", info.ID, info.Name, info.WorkingDirectory))

	case "/switch":
		if len(args) == 0 {
			b.replyText(ctx, "usage: /switch <id|name>")
			return
		}
		info, err := b.mux.Switch(args[0])
		if err != nil {
			b.replyText(ctx, "⚠️ "+err.Error())
			return
		}
		if len(b.queue) > 0 && b.queueOwner != info.ID {
			b.clearQueue(ctx)
		}
		b.replyText(ctx, fmt.Sprintf("▶ switched to %s (session %d)", info.Name, info.ID))

	case "/list":
		b.replyText(ctx, b.formatList())

	case "/close":
		var idOrName string
		if len(args) > 0 {
			idOrName = args[0]
		}
		info, err := b.mux.Close(idOrName)
		if err != nil {
			b.replyText(ctx, "⚠️ "+err.Error())
			return
		}
		if len(b.queue) > 0 && b.queueOwner == info.ID {
			b.clearQueue(ctx)
		}
		b.replyText(ctx, fmt.Sprintf("closed %s (session %d)", info.Name, info.ID))

	case "/rename":
		if len(args) == 0 {
			b.replyText(ctx, "usage: /rename <name>")
			return
		}
		info, err := b.mux.Rename(strings.Join(args, " "))
		if err != nil {
			b.replyText(ctx, "⚠️ "+err.Error())
			return
		}
		b.replyText(ctx, fmt.Sprintf("renamed to %s", info.Name))

	case "/session":
		info, ok := b.mux.Active()
		if !ok {
			b.replyText(ctx, "no active session — /new to create one")
			return
		}
		b.replyText(ctx, formatSession(info))

	case "/status":
		b.replyText(ctx, b.formatStatus())

	case "/stop":
		b.clearQueue(ctx)
		info, err := b.mux.ForceStop()
		if err != nil {
			b.replyText(ctx, "⚠️ "+err.Error())
			return
		}
		b.replyText(ctx, fmt.Sprintf("🛑 stopped %s — /restart to revive it", info.Name))

	case "/restart":
		b.clearQueue(ctx)
		info, err := b.mux.Restart()
		if err != nil {
			b.replyText(ctx, "⚠️ "+err.Error())
			return
		}
		b.replyText(ctx, fmt.Sprintf("🔄 restarted %s with a fresh conversation", info.Name))

	default:
		b.replyText(ctx, "unknown command "+cmd+" — /start for help")
	}
}

// dispatch sends operator text to the active session, or queues it while
// the session is busy. Messages never overtake the queue.
func (b *Bridge) dispatch(ctx context.Context, text string) {
	active, ok := b.mux.Active()
	if !ok {
		b.replyText(ctx, "no active session — /new to create one")
		return
	}

	if len(b.queue) > 0 && b.queueOwner == active.ID {
		b.enqueue(ctx, active.ID, text)
		return
	}

	err := b.mux.Send(text)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBusy):
		b.enqueue(ctx, active.ID, text)
	case errors.Is(err, session.ErrStopped):
		b.replyText(ctx, "⚠️ session is stopped — /restart to revive it")
	default:
		b.replyText(ctx, "⚠️ "+err.Error())
	}
}

func (b *Bridge) enqueue(ctx context.Context, owner int, text string) {
	if len(b.queue) == 0 {
		b.queueOwner = owner
	}
	b.queue = append(b.queue, text)
	b.replyText(ctx, fmt.Sprintf("⏳ queued (%d waiting)", len(b.queue)))
}

func (b *Bridge) clearQueue(ctx context.Context) {
	n := len(b.queue)
	if n == 0 {
		return
	}
	b.queue = nil
	b.replyText(ctx, fmt.Sprintf("cleared %d queued message(s)", n))
}

func (b *Bridge) handleEvent(ctx context.Context, ev session.SessionEvent) {
	switch ev.Event.Kind {
	case session.EventMessage:
		if ev.Event.Text != "" {
			b.deliver(ctx, ev.SessionName, ev.Event.Text)
		}
	case session.EventDone, session.EventReady:
		// Done is the normal drain point; ready drains after a crashed
		// child came back.
		b.drainQueue(ev.SessionID)
	case session.EventError:
		if ev.Event.Err != nil {
			b.deliver(ctx, ev.SessionName, "⚠️ "+ev.Event.Err.Error())
		}
	case session.EventExit:
		slog.Debug("session child exited", "sessionId", ev.SessionID, "code", ev.Event.Code)
	}
}

// drainQueue sends the head of the queue after a turn finished on the
// owning session. One item per done: the next drain waits for the next
// event.
func (b *Bridge) drainQueue(sessionID string) {
	if len(b.queue) == 0 {
		return
	}
	id, err := strconv.Atoi(sessionID)
	if err != nil || id != b.queueOwner {
		return
	}
	if err := b.mux.Send(b.queue[0]); err != nil {
		// Busy again or mid-restart; a later done/ready retries.
		return
	}
	b.queue = b.queue[1:]
}

// deliver pushes session output to the operator, tagged with the session
// name when several sessions exist, split to the channel limit.
func (b *Bridge) deliver(ctx context.Context, sessionName, text string) {
	var tag string
	if b.mux.Count() >= 2 {
		tag = "[" + sessionName + "] "
	}
	for _, chunk := range codec.Chunk(text, b.cfg.ChunkLimit) {
		if tag != "" {
			b.emit(ctx, "<b>"+codec.EscapeHTML(tag)+"</b>"+codec.EscapeHTML(chunk), tag+chunk)
			continue
		}
		b.emit(ctx, codec.EscapeHTML(chunk), chunk)
	}
}

func (b *Bridge) replyText(ctx context.Context, text string) {
	b.emit(ctx, codec.EscapeHTML(text), text)
}

// emit sends one outbound message: markup first when enabled, plain text
// when markup is off or the transport rejected the formatted form.
func (b *Bridge) emit(ctx context.Context, html, plain string) {
	if b.cfg.Markup {
		if err := b.tr.SendMarkup(ctx, html); err == nil {
			return
		}
	}
	if err := b.tr.Send(ctx, plain); err != nil {
		slog.Warn("send to operator failed", "error", err)
	}
}

func (b *Bridge) formatList() string {
	list := b.mux.List()
	if len(list) == 0 {
		return "no sessions — /new to create one"
	}
	var sb strings.Builder
	sb.WriteString("sessions:\n")
	for _, in := range list {
		marker := "•"
		if in.IsActive {
			marker = "▶"
		}
		fmt.Fprintf(&sb, "%s %d %s — %s, %d msgs\n", marker, in.ID, in.Name, in.Status, in.Usage.MessageCount)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bridge) formatStatus() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "sessions: %d", b.mux.Count())
	if active, ok := b.mux.Active(); ok {
		fmt.Fprintf(&sb, "\nactive: %s (%s)", active.Name, active.Status)
	} else {
		sb.WriteString("\nactive: none")
	}
	fmt.Fprintf(&sb, "\nqueued: %d", len(b.queue))
	return sb.String()
}

func formatSession(in session.Info) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "▶ %s (session %d)\n", in.Name, in.ID)
	fmt.Fprintf(&sb, "📁 %s\n", in.WorkingDirectory)
	fmt.Fprintf(&sb, "status %s · %d messages · running %s\n",
		in.Status, in.Usage.MessageCount, timefmt.Minutes(in.RunningMinutes))
	if !in.LastActiveAt.IsZero() {
		fmt.Fprintf(&sb, "last active %s\n", timefmt.Ago(in.LastActiveAt, time.Now()))
	}
	if in.Usage.Model != "" {
		fmt.Fprintf(&sb, "model %s · $%.4f", in.Usage.Model, in.Usage.CostUSD)
	} else {
		sb.WriteString("model pending first turn")
	}
	return sb.String()
}
