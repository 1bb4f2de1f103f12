package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/codetether/codetether/internal/hub/pairing"
	"github.com/codetether/codetether/internal/metrics"
	"github.com/codetether/codetether/internal/protocol"
	"github.com/codetether/codetether/internal/util/sanitize"
)

// apiResponse is the envelope for every /api response.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type pairRequestBody struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Platform   string `json:"platform"`
}

type pairRequestData struct {
	PairCode  string `json:"pairCode"`
	ExpiresAt int64  `json:"expiresAt"` // epoch ms
}

type pairConfirmBody struct {
	PairCode   string `json:"pairCode"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type pairConfirmData struct {
	Success bool   `json:"success"`
	PairID  string `json:"pairId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type pairStatusData struct {
	Paired bool   `json:"paired"`
	PairID string `json:"pairId,omitempty"`
}

// handlePairRequest issues a fresh pair code for the requesting device,
// replacing any code it requested earlier.
func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Success: false, Error: "method not allowed"})
		return
	}

	var body pairRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "invalid request body"})
		return
	}
	if body.DeviceID == "" || body.DeviceName == "" || body.Platform == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "deviceId, deviceName and platform are required"})
		return
	}
	if !protocol.ValidRole(body.Platform) {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "platform must be desktop or web"})
		return
	}

	code, expiresAt := s.pairs.Request(pairing.Device{
		ID:   body.DeviceID,
		Name: sanitize.DeviceName(body.DeviceName),
		Role: body.Platform,
	})
	metrics.PendingPairs.Set(float64(s.pairs.PendingCount()))
	s.logger.Info("pair code issued", "device_id", body.DeviceID, "platform", body.Platform)

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    pairRequestData{PairCode: code, ExpiresAt: expiresAt.UnixMilli()},
	})
}

// handlePairConfirm redeems a code. The confirmer on this endpoint is
// always web-role: the desktop side requests codes, the web side enters
// them. Pairing failures are data, not HTTP errors.
func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Success: false, Error: "method not allowed"})
		return
	}

	var body pairConfirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "invalid request body"})
		return
	}
	if body.PairCode == "" || body.DeviceID == "" || body.DeviceName == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "pairCode, deviceId and deviceName are required"})
		return
	}

	pair, err := s.pairs.Confirm(body.PairCode, pairing.Device{
		ID:   body.DeviceID,
		Name: sanitize.DeviceName(body.DeviceName),
		Role: protocol.RoleWeb,
	})
	metrics.PendingPairs.Set(float64(s.pairs.PendingCount()))
	if err != nil {
		outcome, msg := confirmFailure(err)
		metrics.PairAttempts.WithLabelValues(outcome).Inc()
		writeJSON(w, http.StatusOK, apiResponse{
			Success: true,
			Data:    pairConfirmData{Success: false, Error: msg},
		})
		return
	}

	room := s.rooms.Create(pair.Desktop.ID, pair.Web.ID)
	metrics.PairAttempts.WithLabelValues(metrics.PairOutcomeSuccess).Inc()
	s.logger.Info("room created",
		"room_id", room.ID,
		"desktop_device_id", room.DesktopDeviceID,
		"web_device_id", room.WebDeviceID,
	)

	// Bind and notify both peers' live connections before replying, so no
	// observer sees the room exist without the notifications having been
	// attempted.
	paired := &protocol.Frame{Type: protocol.TypePaired, PairID: room.ID}
	for _, deviceID := range []string{room.DesktopDeviceID, room.WebDeviceID} {
		if conn := s.registry.Get(deviceID); conn != nil {
			conn.SetRoom(room.ID)
			s.notify(conn, paired)
		}
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Success: true,
		Data:    pairConfirmData{Success: true, PairID: room.ID},
	})
}

// handlePairStatus reports whether a device currently belongs to a room.
func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Success: false, Error: "method not allowed"})
		return
	}
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "deviceId is required"})
		return
	}

	room, err := s.rooms.ByDevice(deviceID)
	if err != nil {
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: pairStatusData{Paired: false}})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: pairStatusData{Paired: true, PairID: room.ID}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// confirmFailure maps a pairing error to its metrics outcome and the
// user-facing message.
func confirmFailure(err error) (outcome, msg string) {
	switch {
	case errors.Is(err, pairing.ErrCodeExpired):
		return metrics.PairOutcomeExpired, "Pair code expired"
	case errors.Is(err, pairing.ErrSameRole):
		return metrics.PairOutcomeSameRole, "Cannot pair same device types"
	default:
		return metrics.PairOutcomeInvalid, "Invalid pair code"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
