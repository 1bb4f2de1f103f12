package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(deviceID, role string) *Conn {
	c := NewConn(nil, deviceID, deviceID+" name", role)
	c.SendFn = func([]byte) error { return nil }
	return c
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()

	assert.Nil(t, r.Get("d1"), "Get on unregistered device should return nil")
	assert.False(t, r.IsOnline("d1"))

	c := testConn("d1", "desktop")
	displaced := r.Register(c)
	assert.Nil(t, displaced, "first registration displaces nothing")

	assert.Same(t, c, r.Get("d1"))
	assert.True(t, r.IsOnline("d1"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	r := New()

	first := testConn("d1", "desktop")
	second := testConn("d1", "desktop")

	require.Nil(t, r.Register(first))
	displaced := r.Register(second)

	require.Same(t, first, displaced, "second auth with the same device id displaces the first socket")
	assert.Same(t, second, r.Get("d1"), "the new connection is the registered one")
	assert.Equal(t, 1, r.Len(), "replacement must not grow the registry")
}

func TestRegistry_UnregisterOnlySameConn(t *testing.T) {
	r := New()

	stale := testConn("d1", "desktop")
	fresh := testConn("d1", "desktop")

	r.Register(stale)
	r.Register(fresh)

	// The stale connection's deferred cleanup fires after the replacement
	// registered; it must not remove the fresh connection.
	assert.False(t, r.Unregister("d1", stale))
	assert.Same(t, fresh, r.Get("d1"))

	assert.True(t, r.Unregister("d1", fresh))
	assert.Nil(t, r.Get("d1"))
	assert.Equal(t, 0, r.Len())
}

func TestConn_SendUsesSendFn(t *testing.T) {
	var got []byte
	c := NewConn(nil, "d1", "Desk", "desktop")
	c.SendFn = func(data []byte) error {
		got = data
		return nil
	}

	require.NoError(t, c.Send([]byte(`{"type":"pong"}`)))
	assert.Equal(t, `{"type":"pong"}`, string(got))
}

func TestConn_SendNilSocket(t *testing.T) {
	c := NewConn(nil, "d1", "Desk", "desktop")
	err := c.Send([]byte("x"))
	require.Error(t, err, "a conn with neither socket nor SendFn cannot send")
}

func TestConn_RoomBinding(t *testing.T) {
	c := testConn("d1", "desktop")
	assert.Empty(t, c.Room())

	c.SetRoom("room-1")
	assert.Equal(t, "room-1", c.Room())

	c.SetRoom("")
	assert.Empty(t, c.Room())
}

func TestConn_TouchPing(t *testing.T) {
	c := testConn("d1", "desktop")
	before := c.LastPing()

	c.TouchPing()
	assert.False(t, c.LastPing().Before(before), "TouchPing must not move the heartbeat backwards")
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New()
	r.Register(testConn("d1", "desktop"))
	r.Register(testConn("p1", "web"))

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	ids := map[string]bool{}
	for _, c := range snap {
		ids[c.DeviceID] = true
	}
	assert.True(t, ids["d1"])
	assert.True(t, ids["p1"])
}
