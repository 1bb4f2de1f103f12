// Package protocol defines the JSON frames exchanged over the hub's
// WebSocket endpoint and the message envelope relayed between peers.
//
// The hub inspects only the `type` field of inbound frames; relayed frames
// are forwarded byte-for-byte, so both endpoints of a room must agree on the
// shapes below without any help from the hub.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Type is the discriminator carried in every frame's `type` field.
type Type string

const (
	// Client-originated frames.
	TypeAuth   Type = "auth"
	TypePing   Type = "ping"
	TypeRejoin Type = "rejoin"

	// Relayed frames: forwarded unchanged between the two peers of a room.
	TypeMessage         Type = "message"
	TypeSessionList     Type = "session_list"
	TypeSessionCreate   Type = "session_create"
	TypeSessionCreated  Type = "session_created"
	TypeSessionSwitch   Type = "session_switch"
	TypeSessionSwitched Type = "session_switched"
	TypeSessionDelete   Type = "session_delete"
	TypeSessionDeleted  Type = "session_deleted"
	TypeSessionError    Type = "session_error"

	// Hub-originated frames.
	TypeAuthSuccess   Type = "auth_success"
	TypeAuthError     Type = "auth_error"
	TypePong          Type = "pong"
	TypePaired        Type = "paired"
	TypeRejoinSuccess Type = "rejoin_success"
	TypeRejoinFailed  Type = "rejoin_failed"
	TypePeerOffline   Type = "peer_offline"
	TypeUnpaired      Type = "unpaired"
	TypeError         Type = "error"
)

// Device roles. A room always binds one device of each role.
const (
	RoleDesktop = "desktop"
	RoleWeb     = "web"
)

// ValidRole reports whether s is a recognised device role.
func ValidRole(s string) bool {
	return s == RoleDesktop || s == RoleWeb
}

// Relayable reports whether frames of this type are forwarded to the room
// peer rather than handled by the hub itself.
func (t Type) Relayable() bool {
	return t == TypeMessage || strings.HasPrefix(string(t), "session_")
}

// MessageEnvelope carries all user-visible text. SessionId is the
// desktop-side routing key; Timestamp is epoch milliseconds.
type MessageEnvelope struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

// SessionInfo is the per-session summary exchanged in session_list and
// session_created frames.
type SessionInfo struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
	Status           string `json:"status"`
	IsActive         bool   `json:"isActive"`
	MessageCount     int    `json:"messageCount"`
	RunningMinutes   int    `json:"runningMinutes"`
}

// Frame is the wire representation of every WebSocket message. Fields are
// populated per type; unused fields are omitted from the encoding so a frame
// carries only what its type needs.
type Frame struct {
	Type Type `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// auth_success
	DeviceID string `json:"deviceId,omitempty"`

	// rejoin, paired, rejoin_success
	PairID     string `json:"pairId,omitempty"`
	PeerOnline *bool  `json:"peerOnline,omitempty"`

	// rejoin_failed
	Reason string `json:"reason,omitempty"`

	// auth_error, error, session_error
	Error string `json:"error,omitempty"`

	// message
	Payload *MessageEnvelope `json:"payload,omitempty"`

	// session_create, session_switch, session_delete and their replies
	SessionID        string        `json:"sessionId,omitempty"`
	Name             string        `json:"name,omitempty"`
	WorkingDirectory string        `json:"workingDirectory,omitempty"`
	Session          *SessionInfo  `json:"session,omitempty"`
	Sessions         []SessionInfo `json:"sessions,omitempty"`
}

// Identity is the parsed form of an auth token.
type Identity struct {
	DeviceID   string
	DeviceName string
	Role       string
}

// ParseAuthToken parses the "deviceId:deviceName:role" auth token.
// All three fields must be present and non-empty, and the role must be
// a known one.
func ParseAuthToken(token string) (Identity, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("auth token must have 3 colon-separated fields, got %d", len(parts))
	}
	id := Identity{DeviceID: parts[0], DeviceName: parts[1], Role: parts[2]}
	if id.DeviceID == "" || id.DeviceName == "" {
		return Identity{}, fmt.Errorf("auth token has empty device fields")
	}
	if !ValidRole(id.Role) {
		return Identity{}, fmt.Errorf("unknown role %q", id.Role)
	}
	return id, nil
}

// FormatAuthToken builds the wire form of an identity.
func FormatAuthToken(id Identity) string {
	return id.DeviceID + ":" + id.DeviceName + ":" + id.Role
}

// Encode marshals a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode unmarshals a complete frame. Endpoints use this; the hub's relay
// path uses PeekType so forwarded bytes are never re-encoded.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// PeekType extracts only the `type` field, leaving the rest of the frame
// untouched.
func PeekType(data []byte) (Type, error) {
	var peek struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "", fmt.Errorf("peek frame type: %w", err)
	}
	if peek.Type == "" {
		return "", fmt.Errorf("frame has no type field")
	}
	return peek.Type, nil
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewMessageID returns a 21-character alphanumeric id for message envelopes.
func NewMessageID() string {
	id, err := gonanoid.Generate(idAlphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate message id: %v", err))
	}
	return id
}

// NewDeviceID returns a 16-character alphanumeric device id.
func NewDeviceID() string {
	id, err := gonanoid.Generate(idAlphabet, 16)
	if err != nil {
		panic(fmt.Sprintf("generate device id: %v", err))
	}
	return id
}
