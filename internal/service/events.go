package service

import (
	"time"

	"draft-collab-server/internal/domain"
)

type EventType string

const (
	EventOpCommitted  EventType = "opCommitted"
	EventUserJoined   EventType = "userJoined"
	EventUserLeft     EventType = "userLeft"
	EventPresence     EventType = "presence"
	EventCommentAdded EventType = "commentAdded"
)

// Event is a message a session actor pushes to its subscribers, in the order
// the actor produced it.
type Event struct {
	Type    EventType
	Payload interface{}
}

// Subscriber is one participant connection attached to a session. Deliver is
// called from the session actor and must not block; returning false means the
// connection's queue is full and the session detaches it.
type Subscriber interface {
	Deliver(sessionID string, ev Event) bool
}

// SessionObserver is notified by the session actor after each change. Calls
// happen on the actor goroutine, so implementations must return quickly.
type SessionObserver interface {
	OperationCommitted(sessionID string, op domain.CommittedOperation, latency time.Duration)
	ConflictDetected(sessionID string, conflict domain.Conflict)
	ParticipantJoined(sessionID string, p domain.Participant)
	ParticipantLeft(sessionID string, p domain.Participant, reason domain.LeaveReason)
}

type OpCommittedPayload struct {
	Seq          int64            `json:"seq"`
	OperationID  string           `json:"operationId"`
	ClientOpID   string           `json:"clientOpId,omitempty"`
	OriginUserID string           `json:"originUserId"`
	BaseSeq      int64            `json:"baseSeq"`
	OpKind       domain.OpKind    `json:"opKind"`
	Offset       int              `json:"offset"`
	Length       int              `json:"length,omitempty"`
	Text         string           `json:"text,omitempty"`
	CommittedAt  time.Time        `json:"committedAt"`
	Conflict     *domain.Conflict `json:"conflict,omitempty"`
}

func NewOpCommittedPayload(c domain.CommittedOperation) OpCommittedPayload {
	return OpCommittedPayload{
		Seq:          c.Seq,
		OperationID:  c.ID,
		ClientOpID:   c.ClientOpID,
		OriginUserID: c.UserID,
		BaseSeq:      c.BaseSeq,
		OpKind:       c.Kind,
		Offset:       c.Offset,
		Length:       c.Length,
		Text:         c.Text,
		CommittedAt:  c.CommittedAt,
		Conflict:     c.Conflict,
	}
}

type UserJoinedPayload struct {
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName"`
	Role        domain.Role `json:"role"`
	Color       string      `json:"color"`
}

type UserLeftPayload struct {
	UserID      string             `json:"userId"`
	DisplayName string             `json:"displayName"`
	Reason      domain.LeaveReason `json:"reason"`
}

// PresencePayload carries a participant's cursor. A nil cursor clears it.
type PresencePayload struct {
	UserID string         `json:"userId"`
	Color  string         `json:"color,omitempty"`
	Cursor *domain.Cursor `json:"cursor"`
}
