package hub

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/codetether/codetether/internal/metrics"
	"github.com/codetether/codetether/internal/protocol"
)

// runReaper periodically drops stale sockets, expires pending pair codes
// and evicts idle rooms. Closing a stale socket funnels through the normal
// close path, so peers get their peer_offline like any other disconnect.
func (s *Server) runReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Server) reapOnce() {
	// Connections with no ping for two heartbeat intervals are dead.
	cutoff := 2 * s.cfg.HeartbeatInterval
	for _, conn := range s.registry.Snapshot() {
		if idle := time.Since(conn.LastPing()); idle > cutoff {
			s.logger.Info("reaping stale connection", "device_id", conn.DeviceID, "idle", idle)
			_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			metrics.HeartbeatEvictions.Inc()
		}
	}

	if dropped := s.pairs.ExpireStale(); dropped > 0 {
		s.logger.Info("expired pair codes", "count", dropped)
	}
	metrics.PendingPairs.Set(float64(s.pairs.PendingCount()))

	for _, room := range s.rooms.EvictIdle(s.cfg.RoomTTL) {
		s.logger.Info("evicted idle room", "room_id", room.ID)
		unpaired := &protocol.Frame{Type: protocol.TypeUnpaired}
		for _, deviceID := range []string{room.DesktopDeviceID, room.WebDeviceID} {
			if conn := s.registry.Get(deviceID); conn != nil && conn.Room() == room.ID {
				conn.SetRoom("")
				s.notify(conn, unpaired)
			}
		}
	}
}
