package domain

import "time"

type SessionState string

const (
	SessionOpen    SessionState = "open"
	SessionClosing SessionState = "closing"
	SessionClosed  SessionState = "closed"
)

type Liveness string

const (
	LivenessActive       Liveness = "active"
	LivenessIdle         Liveness = "idle"
	LivenessDisconnected Liveness = "disconnected"
)

type Role string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
)

// CanEdit reports whether the role may submit text operations.
func (r Role) CanEdit() bool {
	return r != RoleViewer
}

type LeaveReason string

const (
	LeaveExplicit       LeaveReason = "left"
	LeaveTimeout        LeaveReason = "timeout"
	LeaveConnectionLost LeaveReason = "connection_lost"
	LeaveClosed         LeaveReason = "session_closed"
)

type Cursor struct {
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	Offset    int       `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Participant struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
	Color        string    `json:"color"`
	Cursor       *Cursor   `json:"cursor"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `json:"last_activity"`
	Liveness     Liveness  `json:"liveness"`
}

type JoinRequest struct {
	DocumentID  string `json:"documentId" validate:"required,max=128"`
	ProjectID   string `json:"projectId" validate:"required,max=128"`
	WorkspaceID string `json:"workspaceId" validate:"required,max=128"`
	UserID      string `json:"userId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"required,max=100"`
	Role        Role   `json:"role" validate:"required,oneof=owner editor reviewer viewer"`
}

// SessionSnapshot is an immutable copy of a session taken by its actor.
type SessionSnapshot struct {
	ID           string        `json:"id"`
	DocumentID   string        `json:"document_id"`
	ProjectID    string        `json:"project_id"`
	WorkspaceID  string        `json:"workspace_id"`
	State        SessionState  `json:"state"`
	Seq          int64         `json:"seq"`
	Text         string        `json:"text"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

type JoinResult struct {
	Snapshot *SessionSnapshot `json:"snapshot"`
	Color    string           `json:"color"`
	Rejoined bool             `json:"rejoined"`
	// MissedOps holds every operation committed after the sequence the client
	// reported when it reconnected.
	MissedOps []CommittedOperation `json:"missed_ops,omitempty"`
}
