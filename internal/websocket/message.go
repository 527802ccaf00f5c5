package websocket

import (
	"encoding/json"
	"time"

	"draft-collab-server/internal/domain"
	"draft-collab-server/internal/service"
)

type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeSubmitOp     MessageType = "submitOp"
	TypeCursorUpdate MessageType = "cursorUpdate"
	TypeAddComment   MessageType = "addComment"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeLeave        MessageType = "leave"

	TypeJoined       MessageType = "joined"
	TypeOpCommitted  MessageType = MessageType(service.EventOpCommitted)
	TypePresence     MessageType = MessageType(service.EventPresence)
	TypeCommentAdded MessageType = MessageType(service.EventCommentAdded)
	TypeUserJoined   MessageType = MessageType(service.EventUserJoined)
	TypeUserLeft     MessageType = MessageType(service.EventUserLeft)
	TypeHeartbeatAck MessageType = "heartbeatAck"
	TypeError        MessageType = "error"
)

var knownTypes = map[MessageType]bool{
	TypeJoin: true, TypeSubmitOp: true, TypeCursorUpdate: true, TypeAddComment: true,
	TypeHeartbeat: true, TypeLeave: true, TypeJoined: true, TypeOpCommitted: true,
	TypePresence: true, TypeCommentAdded: true, TypeUserJoined: true, TypeUserLeft: true,
	TypeHeartbeatAck: true, TypeError: true,
}

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	domain.JoinRequest
	LastSeq *int64 `json:"lastSeq,omitempty" validate:"omitempty,min=0"`
}

type JoinedPayload struct {
	Snapshot      *domain.SessionSnapshot      `json:"snapshot"`
	AssignedColor string                       `json:"assignedColor"`
	Rejoined      bool                         `json:"rejoined"`
	MissedOps     []service.OpCommittedPayload `json:"missedOps,omitempty"`
}

type SubmitOpPayload struct {
	ClientOpID string        `json:"clientOpId,omitempty" validate:"omitempty,max=64"`
	BaseSeq    int64         `json:"baseSeq" validate:"min=0"`
	OpKind     domain.OpKind `json:"opKind" validate:"required,oneof=insert delete replace"`
	Offset     int           `json:"offset"`
	Length     int           `json:"length,omitempty" validate:"min=0"`
	Text       string        `json:"text,omitempty" validate:"max=65536"`
}

type CursorUpdatePayload struct {
	Line   int `json:"line" validate:"min=0"`
	Column int `json:"column" validate:"min=0"`
	Offset int `json:"offset" validate:"min=0"`
}

type HeartbeatAckPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

type ErrorPayload struct {
	ErrorKind   string      `json:"errorKind"`
	Message     string      `json:"message"`
	RequestType MessageType `json:"requestType,omitempty"`
	ClientOpID  string      `json:"clientOpId,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

// ClientOpID returns the clientOpId a submitOp carries, or "" for any other
// message or an undecodable payload.
func (m *Message) ClientOpID() string {
	if m.Type != TypeSubmitOp || len(m.Payload) == 0 {
		return ""
	}
	var p struct {
		ClientOpID string `json:"clientOpId"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return ""
	}
	return p.ClientOpID
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
