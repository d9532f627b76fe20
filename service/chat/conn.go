package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var errConnClosed = errors.New("connection closed")

// Conn is one live socket. Identity, room set and liveness are owned by the
// Manager and guarded by its lock. The write path has its own mutex because
// gorilla/websocket allows at most one concurrent writer per connection.
type Conn struct {
	ID       string
	verified string // identity attached by the HTTP layer at upgrade time

	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool

	// guarded by Manager.mu
	userID   string
	rooms    map[string]struct{}
	alive    bool
	lastSeen time.Time
}

func newConn(id string, ws *websocket.Conn, verified string, now time.Time) *Conn {
	return &Conn{
		ID:       id,
		verified: verified,
		ws:       ws,
		rooms:    make(map[string]struct{}),
		alive:    true,
		lastSeen: now,
	}
}

// send writes one text frame. An unwritable socket is reported, never
// retried; the caller decides whether that matters.
func (c *Conn) send(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed || c.ws == nil {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// a failed write means a dead peer; stop writing and let the
		// read loop reap the connection
		c.closed = true
		_ = c.ws.Close()
		return err
	}
	return nil
}

func (c *Conn) sendFrame(f *Frame, timeout time.Duration) error {
	return c.send(f.Encode(), timeout)
}

// ping sends a control probe. WriteControl may run concurrently with send.
func (c *Conn) ping(timeout time.Duration) error {
	if c.ws == nil {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(timeout))
}

// terminate force-closes the transport. Safe to call repeatedly.
func (c *Conn) terminate() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.closed = true
	if c.ws != nil {
		_ = c.ws.Close()
	}
}
