package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/codetether/codetether/internal/hub/registry"
	"github.com/codetether/codetether/internal/metrics"
	"github.com/codetether/codetether/internal/protocol"
	"github.com/codetether/codetether/internal/util/sanitize"
)

// readLimit allows for chunked assistant responses and session listings,
// which can far exceed the websocket default.
const readLimit = 1 << 20

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	sock.SetReadLimit(readLimit)

	s.readLoop(r.Context(), sock)
}

// readLoop dispatches inbound frames for one socket until it closes. The
// registry conn is nil until a successful auth frame arrives.
func (s *Server) readLoop(ctx context.Context, sock *websocket.Conn) {
	var conn *registry.Conn
	defer func() {
		_ = sock.Close(websocket.StatusNormalClosure, "")
		if conn != nil {
			s.dropConnection(conn)
		}
	}()

	for {
		msgType, data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			s.send(sock, conn, &protocol.Frame{Type: protocol.TypeError, Error: "binary frames are not supported"})
			continue
		}

		frameType, err := protocol.PeekType(data)
		if err != nil {
			// Malformed frames get an error reply; the socket stays open.
			s.send(sock, conn, &protocol.Frame{Type: protocol.TypeError, Error: "invalid frame"})
			continue
		}

		switch {
		case frameType == protocol.TypeAuth:
			conn = s.handleAuth(sock, conn, data)

		case frameType == protocol.TypePing:
			if conn != nil {
				conn.TouchPing()
			}
			s.send(sock, conn, &protocol.Frame{Type: protocol.TypePong})

		case frameType == protocol.TypeRejoin:
			s.handleRejoin(sock, conn, data)

		case frameType.Relayable():
			s.relay(sock, conn, frameType, data)

		default:
			s.send(sock, conn, &protocol.Frame{
				Type:  protocol.TypeError,
				Error: fmt.Sprintf("unknown message type: %s", frameType),
			})
		}
	}
}

// handleAuth registers the device, closing any displaced connection for the
// same device id. A malformed token keeps the socket open so the client may
// retry.
func (s *Server) handleAuth(sock *websocket.Conn, conn *registry.Conn, data []byte) *registry.Conn {
	if conn != nil {
		s.send(sock, conn, &protocol.Frame{Type: protocol.TypeAuthError, Error: "already authenticated"})
		return conn
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		s.send(sock, nil, &protocol.Frame{Type: protocol.TypeAuthError, Error: "invalid auth frame"})
		return nil
	}
	ident, err := protocol.ParseAuthToken(frame.Token)
	if err != nil {
		s.send(sock, nil, &protocol.Frame{Type: protocol.TypeAuthError, Error: fmt.Sprintf("malformed token: %v", err)})
		return nil
	}

	c := registry.NewConn(sock, ident.DeviceID, sanitize.DeviceName(ident.DeviceName), ident.Role)
	if displaced := s.registry.Register(c); displaced != nil {
		// At most one live connection per device. The displaced socket's
		// cleanup fails the same-conn check, so it cannot unregister us.
		_ = displaced.Close(websocket.StatusPolicyViolation, "replaced by new connection")
		s.logger.Info("connection replaced", "device_id", c.DeviceID)
	}

	s.logger.Info("device authenticated", "device_id", c.DeviceID, "device_name", c.DeviceName, "role", c.Role)
	s.send(sock, c, &protocol.Frame{Type: protocol.TypeAuthSuccess, DeviceID: c.DeviceID})
	return c
}

// handleRejoin reattaches a previously paired device to its room after a
// reconnect, without the peer re-entering a code.
func (s *Server) handleRejoin(sock *websocket.Conn, conn *registry.Conn, data []byte) {
	fail := func(reason string) {
		s.send(sock, conn, &protocol.Frame{Type: protocol.TypeRejoinFailed, Reason: reason})
	}

	if conn == nil {
		fail("not authenticated")
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil || frame.PairID == "" {
		fail("invalid rejoin frame")
		return
	}
	room, err := s.rooms.Get(frame.PairID)
	if err != nil {
		fail("room not found")
		return
	}
	if !room.Has(conn.DeviceID) {
		fail("device not in room")
		return
	}

	alreadyBound := conn.Room() == room.ID
	conn.SetRoom(room.ID)
	s.rooms.Touch(room.ID)

	peerID, _ := room.PeerOf(conn.DeviceID)
	peer := s.registry.Get(peerID)

	if peer != nil && peer.Room() == room.ID {
		s.send(sock, conn, &protocol.Frame{Type: protocol.TypePaired, PairID: room.ID})
		if !alreadyBound {
			// Only the first successful rejoin notifies the peer; repeats
			// on the same socket are no-ops beyond the sender's reply.
			s.notify(peer, &protocol.Frame{Type: protocol.TypePaired, PairID: room.ID})
		}
		return
	}

	online := false
	s.send(sock, conn, &protocol.Frame{
		Type:       protocol.TypeRejoinSuccess,
		PairID:     room.ID,
		PeerOnline: &online,
	})
}

// relay forwards a frame byte-for-byte to the sender's room peer. Frames
// are dropped silently when the peer is offline: user-facing messages are
// best-effort, and session control frames are idempotent on retry.
func (s *Server) relay(sock *websocket.Conn, conn *registry.Conn, frameType protocol.Type, data []byte) {
	if conn == nil {
		s.send(sock, nil, &protocol.Frame{Type: protocol.TypeError, Error: "not authenticated"})
		return
	}
	roomID := conn.Room()
	if roomID == "" {
		s.send(sock, conn, &protocol.Frame{Type: protocol.TypeError, Error: "not paired"})
		return
	}

	room, err := s.rooms.Get(roomID)
	if err != nil {
		// The room was evicted under us; unbind quietly.
		conn.SetRoom("")
		metrics.FramesDropped.WithLabelValues(metrics.DropNoRoom).Inc()
		return
	}
	s.rooms.Touch(room.ID)

	peerID, err := room.PeerOf(conn.DeviceID)
	if err != nil {
		metrics.FramesDropped.WithLabelValues(metrics.DropNoRoom).Inc()
		return
	}
	peer := s.registry.Get(peerID)
	if peer == nil {
		metrics.FramesDropped.WithLabelValues(metrics.DropPeerOffline).Inc()
		return
	}

	if err := peer.Send(data); err != nil {
		s.logger.Debug("relay send failed", "device_id", peerID, "error", err)
		metrics.FramesDropped.WithLabelValues(metrics.DropSendFailed).Inc()
		return
	}
	metrics.FramesRelayed.WithLabelValues(string(frameType)).Inc()
}

// dropConnection runs the socket close path: remove the connection from the
// registry and notify the peer exactly once. The room stays, so the peer
// can reattach via rejoin without re-pairing.
func (s *Server) dropConnection(conn *registry.Conn) {
	if !s.registry.Unregister(conn.DeviceID, conn) {
		// A replacement connection took over; nothing to clean up.
		return
	}
	s.logger.Info("device disconnected", "device_id", conn.DeviceID)

	roomID := conn.Room()
	if roomID == "" {
		return
	}
	room, err := s.rooms.Get(roomID)
	if err != nil {
		return
	}
	peerID, err := room.PeerOf(conn.DeviceID)
	if err != nil {
		return
	}
	if peer := s.registry.Get(peerID); peer != nil && peer.Room() == roomID {
		s.notify(peer, &protocol.Frame{Type: protocol.TypePeerOffline})
	}
}

// send writes a hub-originated frame to the sender. Before auth there is no
// registry conn, so writes go straight to the socket; the read loop is the
// only writer at that point.
func (s *Server) send(sock *websocket.Conn, conn *registry.Conn, f *protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		s.logger.Error("encode frame", "type", f.Type, "error", err)
		return
	}
	if conn != nil {
		if err := conn.Send(data); err != nil {
			s.logger.Debug("send failed", "device_id", conn.DeviceID, "type", f.Type, "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("send failed", "type", f.Type, "error", err)
	}
}

// notify writes a hub-originated frame to some other device's connection.
func (s *Server) notify(conn *registry.Conn, f *protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		s.logger.Error("encode frame", "type", f.Type, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		s.logger.Debug("notify failed", "device_id", conn.DeviceID, "type", f.Type, "error", err)
	}
}
