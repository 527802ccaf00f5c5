package domain

import "time"

type ResolutionStrategy string

const (
	ResolutionSupersededByEarlier ResolutionStrategy = "supersededByEarlier"
	ResolutionRangeNarrowed       ResolutionStrategy = "rangeNarrowed"
	ResolutionRangeExpanded       ResolutionStrategy = "rangeExpanded"
	ResolutionInsertRelocated     ResolutionStrategy = "insertRelocated"
)

// Precedence orders strategies when one submission collides with several
// committed operations; the record keeps the strongest one.
func (s ResolutionStrategy) Precedence() int {
	switch s {
	case ResolutionSupersededByEarlier:
		return 4
	case ResolutionRangeNarrowed:
		return 3
	case ResolutionRangeExpanded:
		return 2
	case ResolutionInsertRelocated:
		return 1
	}
	return 0
}

// Conflict records an incoming operation that overlapped committed operations
// it had not seen. It lives only as long as its session.
type Conflict struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// OperationIDs lists the incoming operation first, then every committed
	// operation it collided with in commit order.
	OperationIDs []string           `json:"operation_ids"`
	UserID       string             `json:"user_id"`
	Seq          int64              `json:"seq"`
	Strategy     ResolutionStrategy `json:"strategy"`
	Resolved     bool               `json:"resolved"`
	DetectedAt   time.Time          `json:"detected_at"`

	// Range the client submitted (base coordinates) and the range that was
	// committed (current coordinates).
	OriginalOffset int `json:"original_offset"`
	OriginalLength int `json:"original_length"`
	ResolvedOffset int `json:"resolved_offset"`
	ResolvedLength int `json:"resolved_length"`
}
