package domain

import "time"

type AnchorStatus string

const (
	AnchorValid    AnchorStatus = "valid"
	AnchorOrphaned AnchorStatus = "orphaned"
)

type Comment struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	ParentID  string       `json:"parent_id,omitempty"`
	AuthorID  string       `json:"author_id"`
	Content   string       `json:"content"`
	Offset    int          `json:"offset"`
	Status    AnchorStatus `json:"anchor_status"`
	CreatedAt time.Time    `json:"created_at"`
}

type AddCommentRequest struct {
	Offset   int    `json:"offset" validate:"min=0"`
	Content  string `json:"content" validate:"required,max=4000"`
	ParentID string `json:"parentId" validate:"omitempty,max=64"`
}
