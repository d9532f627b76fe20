package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quiet manager: monitor periods far beyond test duration
func testManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Conf{
		HeartbeatEvery: time.Hour,
		SweepEvery:     time.Hour,
		WriteTimeout:   time.Second,
	}, nil)
	t.Cleanup(m.Close)
	return m
}

// a registered connection with no transport; every write on it is skipped,
// which is exactly the unwritable-subscriber path
func fakeConn(m *Manager) *Conn {
	return m.Register(nil, "")
}

// checkRoomInvariant asserts both directions of the room relation.
func checkRoomInvariant(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for room, members := range m.rooms {
		for id, c := range members {
			_, ok := c.rooms[room]
			assert.True(t, ok, "conn %s in room index %q but room missing from its set", id, room)
		}
	}
	for id, c := range m.conns {
		for room := range c.rooms {
			members := m.rooms[room]
			require.NotNil(t, members, "room %q missing from index", room)
			_, ok := members[id]
			assert.True(t, ok, "conn %s has room %q but is absent from index", id, room)
		}
	}
}

func TestRegisterTracksConnection(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)

	require.NotEmpty(t, c.ID)
	assert.Equal(t, 1, m.Stats().Connections)
	assert.Empty(t, m.UserID(c))
	assert.True(t, c.alive)
}

func TestUnregisterIdempotent(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)
	m.Subscribe(c, "r1")
	m.BindUser(c, "u1")

	m.Unregister(c)
	m.Unregister(c)
	m.Unregister(c)

	stats := m.Stats()
	assert.Equal(t, 0, stats.Connections)
	assert.Equal(t, 0, stats.Authenticated)
	assert.Equal(t, 0, stats.Rooms)
}

func TestRoomInvariantAcrossSubscribeUnsubscribe(t *testing.T) {
	m := testManager(t)
	conns := make([]*Conn, 6)
	for i := range conns {
		conns[i] = fakeConn(m)
		m.Subscribe(conns[i], "lobby")
	}
	m.Subscribe(conns[0], "side")
	m.Subscribe(conns[1], "side")
	checkRoomInvariant(t, m)

	// unsubscribe a subset
	m.Unsubscribe(conns[0], "lobby")
	m.Unsubscribe(conns[1], "lobby")
	m.Unsubscribe(conns[0], "side")
	checkRoomInvariant(t, m)

	stats := m.Stats()
	assert.Equal(t, 4, stats.RoomMembers["lobby"])
	assert.Equal(t, 1, stats.RoomMembers["side"])

	// unregister drops the rest of the relation too
	m.Unregister(conns[2])
	checkRoomInvariant(t, m)
	assert.Equal(t, 3, m.Stats().RoomMembers["lobby"])
}

func TestSubscribeDuplicateIsStable(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)
	m.Subscribe(c, "r")
	m.Subscribe(c, "r")
	assert.Equal(t, 1, m.Stats().RoomMembers["r"])
	checkRoomInvariant(t, m)
}

func TestBindUserLastLoginWins(t *testing.T) {
	m := testManager(t)
	older := fakeConn(m)
	newer := fakeConn(m)

	m.BindUser(older, "u1")
	m.BindUser(newer, "u1")

	m.mu.RLock()
	mapped := m.users["u1"]
	m.mu.RUnlock()
	assert.Same(t, newer, mapped)
	// the superseded socket stays registered and keeps its user id
	assert.Equal(t, 2, m.Stats().Connections)
	assert.Equal(t, "u1", m.UserID(older))
}

func TestUnregisterSupersededConnKeepsMapping(t *testing.T) {
	m := testManager(t)
	older := fakeConn(m)
	newer := fakeConn(m)
	m.BindUser(older, "u1")
	m.BindUser(newer, "u1")

	m.Unregister(older)

	m.mu.RLock()
	mapped := m.users["u1"]
	m.mu.RUnlock()
	assert.Same(t, newer, mapped)
	assert.Equal(t, 1, m.Stats().Authenticated)
}

func TestReauthSameSocketReleasesOldIdentity(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)
	m.BindUser(c, "u1")
	m.BindUser(c, "u2")

	m.mu.RLock()
	_, hasU1 := m.users["u1"]
	mapped := m.users["u2"]
	m.mu.RUnlock()
	assert.False(t, hasU1)
	assert.Same(t, c, mapped)
	assert.Equal(t, "u2", m.UserID(c))
}

func TestReauthDoesNotStealSupersededIdentity(t *testing.T) {
	m := testManager(t)
	a := fakeConn(m)
	b := fakeConn(m)
	m.BindUser(a, "u1")
	m.BindUser(b, "u1") // b supersedes a for "u1"
	m.BindUser(a, "u2") // a moves on; must not unmap b

	m.mu.RLock()
	mapped := m.users["u1"]
	m.mu.RUnlock()
	assert.Same(t, b, mapped)
}

func TestOperationsAfterUnregisterAreNoops(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)
	m.Unregister(c)

	m.Subscribe(c, "r")
	m.BindUser(c, "u1")

	stats := m.Stats()
	assert.Equal(t, 0, stats.Rooms)
	assert.Equal(t, 0, stats.Authenticated)
}

func TestSendToUserUnknownUser(t *testing.T) {
	m := testManager(t)
	assert.False(t, m.SendToUser("ghost", NewFrame(FramePong, nil)))
}

func TestBroadcastUnknownRoomIsHarmless(t *testing.T) {
	m := testManager(t)
	m.Broadcast("nowhere", NewFrame(FrameMessage, MessagePayload{ChatRoomID: "nowhere"}), nil)
}

func TestStatsSkipsEmptyRoomEntries(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)
	m.Subscribe(c, "r")
	m.Unsubscribe(c, "r")

	// entry still in the index until the sweep, but not reported active
	assert.Equal(t, 1, m.roomEntries())
	stats := m.Stats()
	assert.Equal(t, 0, stats.Rooms)
	assert.NotContains(t, stats.RoomMembers, "r")
}

func TestCloseDropsEverything(t *testing.T) {
	m := NewManager(Conf{HeartbeatEvery: time.Hour, SweepEvery: time.Hour}, nil)
	c := m.Register(nil, "")
	m.Subscribe(c, "r")
	m.Close()
	assert.Equal(t, 0, m.Stats().Connections)
}
