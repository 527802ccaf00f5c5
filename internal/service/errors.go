package service

import (
	"errors"
	"fmt"

	"draft-collab-server/internal/domain"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRange    = errors.New("invalid range")
	ErrNotParticipant  = errors.New("user is not a participant of this session")
	ErrForbidden       = errors.New("forbidden")
	ErrSessionFull     = errors.New("session is full")
	ErrCommentNotFound = errors.New("comment not found")
)

// RangeError describes an operation rejected before it reached the log.
type RangeError struct {
	Op      domain.Operation
	DocLen  int
	CurrSeq int64
	Reason  string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range: %s (document length %d at seq %d)", e.Reason, e.DocLen, e.CurrSeq)
}

func (e *RangeError) Unwrap() error {
	return ErrInvalidRange
}

// ErrorKind maps an error to the kind reported to clients.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrInvalidRange):
		return "InvalidRange"
	case errors.Is(err, domain.ErrInvalidOperation):
		return "InvalidOperation"
	case errors.Is(err, ErrNotParticipant):
		return "NotJoined"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrSessionFull):
		return "SessionFull"
	case errors.Is(err, ErrCommentNotFound):
		return "CommentNotFound"
	}
	return "Internal"
}
