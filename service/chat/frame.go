package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Frame types accepted from clients.
const (
	FrameAuth          = "auth"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FramePing          = "ping"
	FrameMessage       = "message"
	FrameUserTyping    = "user_typing"
	FrameCallOffer     = "call_offer"
	FrameCallAnswer    = "call_answer"
	FrameIceCandidate  = "ice_candidate"
	FrameCallInitiated = "call_initiated"
	FrameCallAccepted  = "call_accepted"
	FrameCallRejected  = "call_rejected"
	FrameCallEnded     = "call_ended"
)

// Frame types the server emits on its own.
const (
	FrameConnected   = "connected"
	FrameAuthSuccess = "auth_success"
	FrameSubscribed  = "subscribed"
	FramePong        = "pong"
	FrameUserOffline = "user_offline"
)

// Frame is the wire envelope: one JSON object per text frame.
// The server fills Timestamp on every frame it sends.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errors.Wrap(err, "unmarshal frame")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return f, nil
}

// NewFrame builds an outbound frame, marshalling the payload once and
// stamping the timestamp so no egress path can forget it.
func NewFrame(typ string, payload any) *Frame {
	f := &Frame{Type: typ, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			f.Payload = data
		}
	}
	return f
}

func (f *Frame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

// ---- payload shapes, one per frame type ----

type AuthPayload struct {
	Token string `json:"token,omitempty"`
	// UserID alone is honored only when it matches the identity the HTTP
	// layer verified during the upgrade; a bare client-asserted id is not.
	UserID string `json:"userId,omitempty"`
}

type AuthSuccessPayload struct {
	UserID string `json:"userId"`
}

type RoomPayload struct {
	ChatRoomID string `json:"chatRoomId"`
}

type MessagePayload struct {
	ChatRoomID string `json:"chatRoomId"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId,omitempty"`
}

type TypingPayload struct {
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type OfflinePayload struct {
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId"`
}

type ServerTimePayload struct {
	ServerTime string `json:"serverTime"`
}

// CallPayload exposes the routing fields of a signaling frame while carrying
// every other field (sdp, candidate, ...) through untouched.
type CallPayload struct {
	TargetUserID string
	ChatRoomID   string

	fields map[string]json.RawMessage
}

func decodeCallPayload(raw []byte) (*CallPayload, error) {
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal call payload")
	}
	return &CallPayload{
		TargetUserID: strField(m, "targetUserId"),
		ChatRoomID:   strField(m, "chatRoomId"),
		fields:       m,
	}, nil
}

// SetFrom stamps the sender's authenticated id over any client-supplied one.
func (p *CallPayload) SetFrom(uid string) {
	if uid == "" {
		return
	}
	data, _ := json.Marshal(uid)
	p.fields["fromUserId"] = data
}

func (p *CallPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.fields)
}

func strField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}
