package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetether/codetether/internal/protocol"
)

func TestParseAuthToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		want    protocol.Identity
		wantErr bool
	}{
		{
			name:  "desktop role",
			token: "dev-1:My Laptop:desktop",
			want:  protocol.Identity{DeviceID: "dev-1", DeviceName: "My Laptop", Role: "desktop"},
		},
		{
			name:  "web role",
			token: "ph-9:Phone:web",
			want:  protocol.Identity{DeviceID: "ph-9", DeviceName: "Phone", Role: "web"},
		},
		{name: "missing field", token: "dev-1:desktop", wantErr: true},
		{name: "too many fields", token: "a:b:c:d", wantErr: true},
		{name: "empty token", token: "", wantErr: true},
		{name: "unknown role", token: "dev-1:Laptop:tablet", wantErr: true},
		{name: "legacy phone role rejected", token: "dev-1:Laptop:phone", wantErr: true},
		{name: "empty device id", token: ":Laptop:desktop", wantErr: true},
		{name: "empty device name", token: "dev-1::desktop", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.ParseAuthToken(tt.token)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAuthToken_RoundTrip(t *testing.T) {
	id := protocol.Identity{DeviceID: "d1", DeviceName: "Desk", Role: protocol.RoleDesktop}
	parsed, err := protocol.ParseAuthToken(protocol.FormatAuthToken(id))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestTypeRelayable(t *testing.T) {
	relayable := []protocol.Type{
		protocol.TypeMessage,
		protocol.TypeSessionList,
		protocol.TypeSessionCreate,
		protocol.TypeSessionCreated,
		protocol.TypeSessionSwitch,
		protocol.TypeSessionSwitched,
		protocol.TypeSessionDelete,
		protocol.TypeSessionDeleted,
		protocol.TypeSessionError,
	}
	for _, typ := range relayable {
		assert.True(t, typ.Relayable(), "%s should be relayed", typ)
	}

	handled := []protocol.Type{
		protocol.TypeAuth,
		protocol.TypePing,
		protocol.TypeRejoin,
		protocol.TypePaired,
		protocol.TypeError,
	}
	for _, typ := range handled {
		assert.False(t, typ.Relayable(), "%s should be handled by the hub", typ)
	}
}

func TestPeekType(t *testing.T) {
	typ, err := protocol.PeekType([]byte(`{"type":"message","payload":{"id":"x","content":"hi","timestamp":1,"sessionId":"1"}}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeMessage, typ)

	_, err = protocol.PeekType([]byte(`{"payload":{}}`))
	require.Error(t, err, "frame without a type field must be rejected")

	_, err = protocol.PeekType([]byte(`not json`))
	require.Error(t, err)
}

func TestEncode_OmitsUnusedFields(t *testing.T) {
	data, err := protocol.Encode(&protocol.Frame{Type: protocol.TypePing})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(data), "a ping frame carries nothing but its type")

	online := false
	data, err = protocol.Encode(&protocol.Frame{
		Type:       protocol.TypeRejoinSuccess,
		PairID:     "room-1",
		PeerOnline: &online,
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, false, m["peerOnline"], "peerOnline false must survive encoding")
	assert.Equal(t, "room-1", m["pairId"])
}

func TestDecode_MessageFrame(t *testing.T) {
	raw := []byte(`{"type":"message","payload":{"id":"m1","content":"hello","timestamp":1700000000000,"sessionId":"2"}}`)
	f, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, f.Payload)
	assert.Equal(t, "hello", f.Payload.Content)
	assert.Equal(t, "2", f.Payload.SessionID)
	assert.Equal(t, int64(1700000000000), f.Payload.Timestamp)
}

func TestNewMessageID(t *testing.T) {
	a := protocol.NewMessageID()
	b := protocol.NewMessageID()
	assert.Len(t, a, 21)
	assert.NotEqual(t, a, b, "ids must be unique")
}

func TestNewDeviceID(t *testing.T) {
	id := protocol.NewDeviceID()
	assert.Len(t, id, 16)
	for _, r := range id {
		ok := (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		assert.True(t, ok, "device id must be alphanumeric, got %q", r)
	}
}
