package chat

import (
	"encoding/json"
	"time"

	"OpsChat/logger"
)

// TokenVerifier turns a client-presented token into a user id.
type TokenVerifier func(token string) (string, error)

type handlerFunc func(c *Conn, payload json.RawMessage)

// Router decodes inbound frames once at the boundary and dispatches by type.
// Unknown types are ignored on purpose: forward compatibility over strictness.
type Router struct {
	m        *Manager
	verify   TokenVerifier
	handlers map[string]handlerFunc
}

func NewRouter(m *Manager, verify TokenVerifier) *Router {
	r := &Router{m: m, verify: verify}
	r.handlers = map[string]handlerFunc{
		FrameAuth:        r.handleAuth,
		FrameSubscribe:   r.handleSubscribe,
		FrameUnsubscribe: r.handleUnsubscribe,
		FramePing:        r.handlePing,
		FrameMessage:     r.handleMessage,
		FrameUserTyping:  r.handleTyping,
	}
	for _, typ := range []string{
		FrameCallOffer, FrameCallAnswer, FrameIceCandidate, FrameCallInitiated,
		FrameCallAccepted, FrameCallRejected, FrameCallEnded,
	} {
		r.handlers[typ] = r.callHandler(typ)
	}
	return r
}

// Dispatch handles one raw frame. A parse failure is logged and dropped; the
// connection is never closed for it.
func (r *Router) Dispatch(c *Conn, raw []byte) {
	f, err := ParseFrame(raw)
	if err != nil {
		sample := raw
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Warnf("[router] bad frame conn=%s err=%v sample=%q", c.ID, err, sample)
		return
	}
	r.m.Touch(c)

	h, ok := r.handlers[f.Type]
	if !ok {
		logger.Debugf("[router] ignore unknown type=%q conn=%s", f.Type, c.ID)
		return
	}
	h(c, f.Payload)
}

func (r *Router) reply(c *Conn, f *Frame) {
	if err := c.sendFrame(f, r.m.conf.WriteTimeout); err != nil {
		logger.Debugf("[router] reply %s failed conn=%s: %v", f.Type, c.ID, err)
	}
}

// handleAuth binds a verified identity to the connection. A signed token is
// the normal path; a bare user id passes only when the HTTP layer already
// verified that exact id during the upgrade. Everything else is dropped.
func (r *Router) handleAuth(c *Conn, raw json.RawMessage) {
	var p AuthPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		logger.Debugf("[router] auth payload unreadable conn=%s", c.ID)
		return
	}

	var uid string
	switch {
	case p.Token != "":
		id, err := r.verify(p.Token)
		if err != nil {
			logger.Warnf("[router] auth rejected conn=%s: %v", c.ID, err)
			return
		}
		uid = id
	case p.UserID != "" && p.UserID == r.m.VerifiedID(c):
		uid = p.UserID
	default:
		logger.Warnf("[router] auth rejected conn=%s: unverified identity", c.ID)
		return
	}

	r.m.BindUser(c, uid)
	logger.Infof("[router] auth ok conn=%s user=%s", c.ID, uid)
	r.reply(c, NewFrame(FrameAuthSuccess, AuthSuccessPayload{UserID: uid}))
}

func (r *Router) handleSubscribe(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || p.ChatRoomID == "" {
		return
	}
	r.m.Subscribe(c, p.ChatRoomID)
	r.reply(c, NewFrame(FrameSubscribed, RoomPayload{ChatRoomID: p.ChatRoomID}))
}

func (r *Router) handleUnsubscribe(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || p.ChatRoomID == "" {
		return
	}
	r.m.Unsubscribe(c, p.ChatRoomID)
}

func (r *Router) handlePing(c *Conn, raw json.RawMessage) {
	r.m.MarkLive(c)
	r.reply(c, NewFrame(FramePong, ServerTimePayload{
		ServerTime: r.m.now().UTC().Format(time.RFC3339),
	}))
}

func (r *Router) handleMessage(c *Conn, raw json.RawMessage) {
	var p MessagePayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || p.ChatRoomID == "" {
		return
	}
	// authenticated id wins over whatever the client claims
	sender := r.m.UserID(c)
	if sender == "" {
		sender = p.SenderID
	}
	out := NewFrame(FrameMessage, MessagePayload{
		ChatRoomID: p.ChatRoomID,
		Content:    p.Content,
		SenderID:   sender,
	})
	r.m.Broadcast(p.ChatRoomID, out, c)
}

func (r *Router) handleTyping(c *Conn, raw json.RawMessage) {
	var p RoomPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || p.ChatRoomID == "" {
		return
	}
	out := NewFrame(FrameUserTyping, TypingPayload{
		ChatRoomID: p.ChatRoomID,
		UserID:     r.m.UserID(c),
		Timestamp:  r.m.now().UTC().Format(time.RFC3339),
	})
	r.m.Broadcast(p.ChatRoomID, out, c)
}

// callHandler routes one signaling frame type. Direct delivery to the target
// user and room fan-out are independent; both may fire for the same frame.
func (r *Router) callHandler(typ string) handlerFunc {
	return func(c *Conn, raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		p, err := decodeCallPayload(raw)
		if err != nil {
			logger.Debugf("[router] %s payload unreadable conn=%s: %v", typ, c.ID, err)
			return
		}
		if p.TargetUserID == "" && p.ChatRoomID == "" {
			return
		}
		p.SetFrom(r.m.UserID(c))
		out := NewFrame(typ, p)

		if p.TargetUserID != "" {
			if !r.m.SendToUser(p.TargetUserID, out) {
				logger.Debugf("[router] %s target offline user=%s", typ, p.TargetUserID)
			}
		}
		if p.ChatRoomID != "" {
			r.m.Broadcast(p.ChatRoomID, out, c)
		}
	}
}
