package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatDropsUnresponsiveConn(t *testing.T) {
	m := testManager(t)
	fakeConn(m) // no transport: probes can never be answered

	m.heartbeatOnce() // arms: alive -> false, probe fails silently
	assert.Equal(t, 1, m.Stats().Connections)

	m.heartbeatOnce() // second cycle: still not alive, dropped
	assert.Equal(t, 0, m.Stats().Connections)
}

func TestMarkLiveSavesConnBetweenCycles(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)

	for i := 0; i < 5; i++ {
		m.heartbeatOnce()
		m.MarkLive(c) // simulated pong
	}
	assert.Equal(t, 1, m.Stats().Connections)
}

func TestHeartbeatDropEmitsOfflineToRooms(t *testing.T) {
	m := testManager(t)
	dead := fakeConn(m)
	m.BindUser(dead, "u1")
	m.Subscribe(dead, "r1")
	m.Subscribe(dead, "r2")

	m.heartbeatOnce()
	m.heartbeatOnce()

	stats := m.Stats()
	assert.Equal(t, 0, stats.Connections)
	assert.Equal(t, 0, stats.Authenticated)
}

func TestSweepRemovesEmptyRoomEntries(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)
	m.Subscribe(c, "z")
	m.Unsubscribe(c, "z")
	require.Equal(t, 1, m.roomEntries())

	m.sweepOnce()
	assert.Equal(t, 0, m.roomEntries())

	// fan-out to the swept room reaches nobody and raises nothing
	m.Broadcast("z", NewFrame(FrameMessage, MessagePayload{ChatRoomID: "z"}), nil)
}

func TestSweepKeepsPopulatedRooms(t *testing.T) {
	m := testManager(t)
	c := fakeConn(m)
	m.Subscribe(c, "keep")
	m.sweepOnce()
	assert.Equal(t, 1, m.roomEntries())
}

func TestSweepLoopRunsPeriodically(t *testing.T) {
	m := NewManager(Conf{HeartbeatEvery: time.Hour, SweepEvery: 30 * time.Millisecond}, nil)
	t.Cleanup(m.Close)
	c := m.Register(nil, "")
	m.Subscribe(c, "tmp")
	m.Unsubscribe(c, "tmp")

	require.Eventually(t, func() bool { return m.roomEntries() == 0 },
		time.Second, 10*time.Millisecond)
}

// end-to-end: a client that swallows control pings is cut off within two
// cycles, and its room peers hear about it
func TestHeartbeatTerminatesSilentClient(t *testing.T) {
	_, url := newTestServerConf(t, Conf{HeartbeatEvery: 100 * time.Millisecond})

	witness := dial(t, url)
	subscribe(t, witness, "hb")

	silent := dial(t, url)
	silent.SetPingHandler(func(string) error { return nil }) // never pong
	authenticate(t, silent, "ghost")
	subscribe(t, silent, "hb")

	// the witness must keep reading too: its default ping handler only runs
	// inside ReadMessage, and that is what keeps it alive across cycles
	witnessFrames := make(chan *Frame, 4)
	go func() {
		defer close(witnessFrames)
		for {
			_ = witness.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, data, err := witness.ReadMessage()
			if err != nil {
				return
			}
			if f, perr := ParseFrame(data); perr == nil {
				witnessFrames <- f
			}
		}
	}()

	// the silent client keeps reading so control frames are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := silent.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("silent client was not terminated")
	}

	select {
	case got, ok := <-witnessFrames:
		require.True(t, ok, "witness connection was dropped")
		require.Equal(t, FrameUserOffline, got.Type)
		var p OfflinePayload
		require.NoError(t, json.Unmarshal(got.Payload, &p))
		assert.Equal(t, "ghost", p.UserID)
		assert.Equal(t, "hb", p.ChatRoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("witness never heard the offline notice")
	}
}

func TestHeartbeatSparesResponsiveClient(t *testing.T) {
	_, url := newTestServerConf(t, Conf{HeartbeatEvery: 50 * time.Millisecond})
	a := dial(t, url)

	// default ping handler answers probes while we sit in ReadMessage
	frames := make(chan *Frame, 4)
	go func() {
		for {
			_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := a.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			if f, err := ParseFrame(data); err == nil {
				frames <- f
			}
		}
	}()

	time.Sleep(300 * time.Millisecond) // several full heartbeat cycles

	require.NoError(t, a.WriteJSON(Frame{Type: FramePing}))
	select {
	case f, ok := <-frames:
		require.True(t, ok, "connection was dropped")
		assert.Equal(t, FramePong, f.Type)
	case <-time.After(time.Second):
		t.Fatal("no pong after surviving heartbeats")
	}
}
