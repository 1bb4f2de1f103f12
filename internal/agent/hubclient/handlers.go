package hubclient

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/codetether/codetether/internal/agent/session"
	"github.com/codetether/codetether/internal/agent/store"
	"github.com/codetether/codetether/internal/protocol"
)

// handleFrame dispatches one hub frame. A non-nil return tears the
// connection down.
func (c *Client) handleFrame(ctx context.Context, f *protocol.Frame) error {
	switch f.Type {
	case protocol.TypeAuthSuccess:
		slog.Info("authenticated with hub", "deviceId", c.cfg.DeviceID)
		return c.joinRoom(ctx)

	case protocol.TypeAuthError:
		return fmt.Errorf("%w: %s", errAuthRejected, f.Error)

	case protocol.TypePong:
		// Heartbeat reply; the hub tracked it already.

	case protocol.TypePaired:
		if err := c.st.SaveRoom(ctx, f.PairID); err != nil {
			slog.Warn("persist room", "error", err)
		}
		slog.Info("paired", "roomId", f.PairID)
		fmt.Fprintln(c.cfg.Out, "Paired! This desktop is now reachable from your phone.")

	case protocol.TypeRejoinSuccess:
		online := f.PeerOnline != nil && *f.PeerOnline
		slog.Info("rejoined room", "roomId", f.PairID, "peerOnline", online)

	case protocol.TypeRejoinFailed:
		slog.Warn("room is gone, pairing again", "reason", f.Reason)
		if err := c.st.ClearRoom(ctx); err != nil {
			slog.Warn("clear room", "error", err)
		}
		return c.requestPairing(ctx)

	case protocol.TypeUnpaired:
		slog.Warn("room expired, pairing again")
		if err := c.st.ClearRoom(ctx); err != nil {
			slog.Warn("clear room", "error", err)
		}
		return c.requestPairing(ctx)

	case protocol.TypePeerOffline:
		slog.Debug("peer went offline")

	case protocol.TypeError:
		slog.Warn("hub reported an error", "error", f.Error)

	case protocol.TypeMessage:
		c.handleInboundMessage(ctx, f)

	case protocol.TypeSessionList:
		c.replySessionList(ctx)

	case protocol.TypeSessionCreate:
		c.handleSessionCreate(ctx, f)

	case protocol.TypeSessionSwitch:
		c.handleSessionSwitch(ctx, f)

	case protocol.TypeSessionDelete:
		c.handleSessionDelete(ctx, f)

	default:
		slog.Warn("unhandled hub frame", "type", f.Type)
	}
	return nil
}

// joinRoom rejoins the stored room, or starts pairing when there is none.
func (c *Client) joinRoom(ctx context.Context) error {
	room, err := c.st.Room(ctx)
	if err != nil {
		slog.Warn("load stored room", "error", err)
		room = ""
	}
	if room != "" {
		slog.Info("rejoining room", "roomId", room)
		return c.send(ctx, &protocol.Frame{Type: protocol.TypeRejoin, PairID: room})
	}
	return c.requestPairing(ctx)
}

// handleInboundMessage delivers one user turn from the phone to the active
// session. Failures go back as session_error so the phone can show them.
func (c *Client) handleInboundMessage(ctx context.Context, f *protocol.Frame) {
	if f.Payload == nil || strings.TrimSpace(f.Payload.Content) == "" {
		return
	}
	content := f.Payload.Content

	active, ok := c.mux.Active()
	if !ok {
		c.replySessionError(ctx, "", session.ErrNoActiveSession.Error())
		return
	}
	if err := c.mux.Send(content); err != nil {
		c.replySessionError(ctx, strconv.Itoa(active.ID), err.Error())
		return
	}
	if err := c.st.AppendTranscript(ctx, active.ID, "user", content); err != nil {
		slog.Warn("persist user message", "error", err)
	}
}

func (c *Client) handleSessionCreate(ctx context.Context, f *protocol.Frame) {
	info, err := c.mux.Create(f.Name, f.WorkingDirectory)
	if err != nil {
		c.replySessionError(ctx, "", err.Error())
		return
	}
	c.persistSession(ctx, info)
	si := toSessionInfo(info)
	c.reply(ctx, &protocol.Frame{
		Type:      protocol.TypeSessionCreated,
		SessionID: si.ID,
		Session:   &si,
	})
}

func (c *Client) handleSessionSwitch(ctx context.Context, f *protocol.Frame) {
	info, err := c.mux.Switch(f.SessionID)
	if err != nil {
		c.replySessionError(ctx, f.SessionID, err.Error())
		return
	}
	si := toSessionInfo(info)
	c.reply(ctx, &protocol.Frame{
		Type:      protocol.TypeSessionSwitched,
		SessionID: si.ID,
		Session:   &si,
	})
}

func (c *Client) handleSessionDelete(ctx context.Context, f *protocol.Frame) {
	info, err := c.mux.Close(f.SessionID)
	if err != nil {
		c.replySessionError(ctx, f.SessionID, err.Error())
		return
	}
	if err := c.st.DeleteSession(ctx, info.ID); err != nil {
		slog.Warn("delete stored session", "sessionId", info.ID, "error", err)
	}
	c.reply(ctx, &protocol.Frame{
		Type:      protocol.TypeSessionDeleted,
		SessionID: strconv.Itoa(info.ID),
	})
}

func (c *Client) replySessionList(ctx context.Context) {
	list := c.mux.List()
	infos := make([]protocol.SessionInfo, 0, len(list))
	for _, in := range list {
		infos = append(infos, toSessionInfo(in))
	}
	c.reply(ctx, &protocol.Frame{Type: protocol.TypeSessionList, Sessions: infos})
}

func (c *Client) replySessionError(ctx context.Context, sessionID, msg string) {
	c.reply(ctx, &protocol.Frame{
		Type:      protocol.TypeSessionError,
		SessionID: sessionID,
		Error:     msg,
	})
}

func (c *Client) reply(ctx context.Context, f *protocol.Frame) {
	if err := c.send(ctx, f); err != nil {
		slog.Warn("send reply", "type", f.Type, "error", err)
	}
}

// handleSessionEvent turns one worker event into hub frames and store
// writes. Send failures are expected while offline; the transcript is the
// durable copy.
func (c *Client) handleSessionEvent(ev session.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	switch ev.Event.Kind {
	case session.EventMessage:
		text := ev.Event.Text
		if text == "" {
			return
		}
		if id, err := strconv.Atoi(ev.SessionID); err == nil {
			if err := c.st.AppendTranscript(ctx, id, "assistant", text); err != nil {
				slog.Warn("persist assistant message", "error", err)
			}
		}
		env := &protocol.MessageEnvelope{
			ID:        protocol.NewMessageID(),
			Content:   truncateText(text, maxMessageText),
			Timestamp: time.Now().UnixMilli(),
			SessionID: ev.SessionID,
		}
		if err := c.send(ctx, &protocol.Frame{Type: protocol.TypeMessage, Payload: env}); err != nil {
			slog.Debug("message not relayed", "sessionId", ev.SessionID, "error", err)
		}

	case session.EventDone:
		c.persistUsage(ctx, ev.SessionID)

	case session.EventError:
		if ev.Event.Err != nil {
			c.replySessionError(ctx, ev.SessionID, ev.Event.Err.Error())
		}

	case session.EventExit:
		slog.Info("session child exited", "sessionId", ev.SessionID, "code", ev.Event.Code)
	}
}

// persistUsage refreshes the stored row for one session after a turn.
func (c *Client) persistUsage(ctx context.Context, sessionID string) {
	id, err := strconv.Atoi(sessionID)
	if err != nil {
		return
	}
	for _, in := range c.mux.List() {
		if in.ID == id {
			c.persistSession(ctx, in)
			return
		}
	}
}

func (c *Client) persistSession(ctx context.Context, in session.Info) {
	if err := c.st.UpsertSession(ctx, toRecord(in)); err != nil {
		slog.Warn("persist session", "sessionId", in.ID, "error", err)
	}
}

func toSessionInfo(in session.Info) protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:               strconv.Itoa(in.ID),
		Name:             in.Name,
		WorkingDirectory: in.WorkingDirectory,
		Status:           string(in.Status),
		IsActive:         in.IsActive,
		MessageCount:     in.Usage.MessageCount,
		RunningMinutes:   in.RunningMinutes,
	}
}

func toRecord(in session.Info) store.SessionRecord {
	return store.SessionRecord{
		ID:                in.ID,
		Name:              in.Name,
		WorkingDir:        in.WorkingDirectory,
		ProviderSessionID: in.Usage.ProviderSessionID,
		Model:             in.Usage.Model,
		MessageCount:      in.Usage.MessageCount,
		InputTokens:       in.Usage.InputTokens,
		OutputTokens:      in.Usage.OutputTokens,
		CostUSD:           in.Usage.CostUSD,
		CreatedAt:         in.CreatedAt,
		LastActiveAt:      in.LastActiveAt,
	}
}
