package chat

import (
	"context"
	"sync"
	"time"

	"OpsChat/logger"
	"OpsChat/service/presence"
	"OpsChat/tools/ids"
	"OpsChat/tools/safe"

	"github.com/gorilla/websocket"
)

type Conf struct {
	HeartbeatEvery time.Duration    // probe period; one missed probe kills the connection
	SweepEvery     time.Duration    // empty-room reclaim period, independent of heartbeat
	WriteTimeout   time.Duration    // per-write deadline
	Clock          func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Conf) norm() {
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Manager owns the canonical set of live connections plus the two reverse
// indices (room -> subscribers, user -> newest authenticated connection).
// One lock guards all three because they are always updated together.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn            // conn id -> conn
	rooms map[string]map[string]*Conn // room id -> conn id -> conn
	users map[string]*Conn            // user id -> latest authenticated conn

	conf   Conf
	mirror *presence.Mirror // nil-safe, optional

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(conf Conf, mirror *presence.Mirror) *Manager {
	conf.norm()
	m := &Manager{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		users:  make(map[string]*Conn),
		conf:   conf,
		mirror: mirror,
		stopCh: make(chan struct{}),
	}
	m.wg.Add(2)
	safe.Go(func() { defer m.wg.Done(); m.heartbeatLoop() })
	safe.Go(func() { defer m.wg.Done(); m.sweepLoop() })
	return m
}

// Close stops the monitor loops and drops every live connection.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	dropped := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		dropped = append(dropped, c)
	}
	m.conns = make(map[string]*Conn)
	m.rooms = make(map[string]map[string]*Conn)
	m.users = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range dropped {
		c.terminate()
	}
}

// Register admits a freshly upgraded stream and acks it with the server time.
// The verified id, when non-empty, is the identity the HTTP layer attached
// during the upgrade; the auth frame may later claim it without a token.
func (m *Manager) Register(ws *websocket.Conn, verified string) *Conn {
	now := m.conf.Clock()
	c := newConn(ids.GenerateString(), ws, verified, now)
	if ws != nil {
		ws.SetPongHandler(func(string) error {
			m.MarkLive(c)
			return nil
		})
	}

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()

	ack := NewFrame(FrameConnected, ServerTimePayload{ServerTime: now.UTC().Format(time.RFC3339)})
	if err := c.sendFrame(ack, m.conf.WriteTimeout); err != nil {
		logger.Debugf("[chat] connected ack failed conn=%s: %v", c.ID, err)
	}
	return c
}

// Unregister removes the connection from every index and notifies its former
// rooms that the user went offline, if it was authenticated. Idempotent.
func (m *Manager) Unregister(c *Conn) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.conns[c.ID]; !ok {
		m.mu.Unlock()
		c.terminate()
		return
	}
	delete(m.conns, c.ID)

	uid := c.userID
	roomIDs := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		roomIDs = append(roomIDs, r)
		if members := m.rooms[r]; members != nil {
			delete(members, c.ID)
		}
	}
	c.rooms = make(map[string]struct{})

	ownedIdentity := uid != "" && m.users[uid] == c
	if ownedIdentity {
		delete(m.users, uid)
	}
	m.mu.Unlock()

	c.terminate()
	logger.Infof("[chat] unregister conn=%s user=%s rooms=%d", c.ID, uid, len(roomIDs))

	if uid != "" {
		for _, r := range roomIDs {
			m.Broadcast(r, NewFrame(FrameUserOffline, OfflinePayload{ChatRoomID: r, UserID: uid}), nil)
		}
	}
	// the identity may have been superseded by a newer socket; only the
	// owner reports the user offline
	if ownedIdentity {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.mirror.Offline(ctx, uid); err != nil {
			logger.Debugf("[chat] presence offline user=%s: %v", uid, err)
		}
		cancel()
	}
}

// BindUser maps the user id to this connection, superseding any previous
// mapping for the id (last login wins; the older socket stays open but can
// no longer be reached by user id).
func (m *Manager) BindUser(c *Conn, uid string) {
	if c == nil || uid == "" {
		return
	}
	m.mu.Lock()
	if _, ok := m.conns[c.ID]; !ok {
		m.mu.Unlock()
		return
	}
	// re-auth on the same socket releases its previous identity, but only
	// if that identity still points at this exact socket
	if prev := c.userID; prev != "" && prev != uid && m.users[prev] == c {
		delete(m.users, prev)
	}
	c.userID = uid
	m.users[uid] = c
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := m.mirror.Online(ctx, uid); err != nil {
		logger.Debugf("[chat] presence online user=%s: %v", uid, err)
	}
	cancel()
}

// MarkLive flips the liveness flag back on; called when the probe is answered
// or when the client sends an application-level ping.
func (m *Manager) MarkLive(c *Conn) {
	m.mu.Lock()
	c.alive = true
	c.lastSeen = m.conf.Clock()
	uid := c.userID
	m.mu.Unlock()

	if uid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.mirror.Refresh(ctx, uid); err != nil {
			logger.Debugf("[chat] presence refresh user=%s: %v", uid, err)
		}
		cancel()
	}
}

// Touch refreshes last-activity on any inbound frame.
func (m *Manager) Touch(c *Conn) {
	m.mu.Lock()
	c.lastSeen = m.conf.Clock()
	m.mu.Unlock()
}

// Subscribe keeps both sides of the relation in step: the connection's own
// room set and the room index entry.
func (m *Manager) Subscribe(c *Conn, room string) {
	if c == nil || room == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.ID]; !ok {
		return
	}
	c.rooms[room] = struct{}{}
	members := m.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		m.rooms[room] = members
	}
	members[c.ID] = c
}

// Unsubscribe removes both sides; an emptied room entry is left for the sweep.
func (m *Manager) Unsubscribe(c *Conn, room string) {
	if c == nil || room == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(c.rooms, room)
	if members := m.rooms[room]; members != nil {
		delete(members, c.ID)
	}
}

// UserID returns the authenticated id bound to the connection, if any.
func (m *Manager) UserID(c *Conn) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return c.userID
}

// VerifiedID is the identity the HTTP layer attached at upgrade time.
func (m *Manager) VerifiedID(c *Conn) string {
	return c.verified
}

// Broadcast fans a frame out to every subscriber of the room except the
// nominated sender. Unwritable subscribers are skipped, never an error.
func (m *Manager) Broadcast(room string, f *Frame, except *Conn) {
	m.mu.RLock()
	members := m.rooms[room]
	targets := make([]*Conn, 0, len(members))
	for _, c := range members {
		if c == except {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	data := f.Encode()
	for _, c := range targets {
		if err := c.send(data, m.conf.WriteTimeout); err != nil {
			logger.Debugf("[chat] skip subscriber conn=%s type=%s: %v", c.ID, f.Type, err)
		}
	}
}

// SendToUser delivers a frame to the single connection currently mapped to
// the user id. Reports whether a delivery was attempted and succeeded.
func (m *Manager) SendToUser(uid string, f *Frame) bool {
	m.mu.RLock()
	c := m.users[uid]
	m.mu.RUnlock()
	if c == nil {
		return false
	}
	if err := c.send(f.Encode(), m.conf.WriteTimeout); err != nil {
		logger.Debugf("[chat] direct send user=%s conn=%s: %v", uid, c.ID, err)
		return false
	}
	return true
}

// Stats is the on-demand introspection surface.
type Stats struct {
	Connections   int            `json:"connections"`
	Authenticated int            `json:"authenticated"`
	Rooms         int            `json:"rooms"`
	RoomMembers   map[string]int `json:"roomMembers"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Connections:   len(m.conns),
		Authenticated: len(m.users),
		RoomMembers:   make(map[string]int),
	}
	for room, members := range m.rooms {
		if len(members) == 0 {
			continue
		}
		s.Rooms++
		s.RoomMembers[room] = len(members)
	}
	return s
}

// roomEntries counts index entries including emptied ones awaiting the sweep.
func (m *Manager) roomEntries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// ---- monitor loops ----

func (m *Manager) heartbeatLoop() {
	t := time.NewTicker(m.conf.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.heartbeatOnce()
		}
	}
}

// heartbeatOnce drops every connection that did not answer the previous
// probe, then arms the next round: clear the flag, send a control ping, and
// only the pong handler's MarkLive can save the connection.
func (m *Manager) heartbeatOnce() {
	var drop, probe []*Conn
	m.mu.Lock()
	for _, c := range m.conns {
		if !c.alive {
			drop = append(drop, c)
			continue
		}
		c.alive = false
		probe = append(probe, c)
	}
	m.mu.Unlock()

	for _, c := range drop {
		logger.Infof("[chat] heartbeat miss, dropping conn=%s", c.ID)
		m.Unregister(c)
	}
	for _, c := range probe {
		if err := c.ping(m.conf.WriteTimeout); err != nil {
			logger.Debugf("[chat] probe failed conn=%s: %v", c.ID, err)
		}
	}
}

func (m *Manager) sweepLoop() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce reclaims room entries nobody subscribes to. Memory bounding only;
// fan-out treats an absent entry and an empty one the same.
func (m *Manager) sweepOnce() {
	m.mu.Lock()
	for room, members := range m.rooms {
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) now() time.Time {
	return m.conf.Clock()
}
