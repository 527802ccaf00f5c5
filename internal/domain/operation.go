package domain

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var ErrInvalidOperation = errors.New("invalid operation")

type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
	// OpNoop is only produced by the resolver for an operation superseded by an
	// earlier commit. Clients never submit it.
	OpNoop OpKind = "noop"
)

// Operation is a single text mutation expressed in the coordinates of the
// document at BaseSeq. Offsets and lengths count runes.
type Operation struct {
	ID          string    `json:"id"`
	ClientOpID  string    `json:"client_op_id,omitempty"`
	Kind        OpKind    `json:"kind"`
	UserID      string    `json:"user_id"`
	BaseSeq     int64     `json:"base_seq"`
	Offset      int       `json:"offset"`
	Length      int       `json:"length,omitempty"`
	Text        string    `json:"text,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func NewInsert(userID string, baseSeq int64, offset int, text string) (Operation, error) {
	return NewOperation(OpInsert, userID, baseSeq, offset, 0, text)
}

func NewDelete(userID string, baseSeq int64, offset, length int) (Operation, error) {
	return NewOperation(OpDelete, userID, baseSeq, offset, length, "")
}

func NewReplace(userID string, baseSeq int64, offset, length int, text string) (Operation, error) {
	return NewOperation(OpReplace, userID, baseSeq, offset, length, text)
}

// NewOperation builds an operation and enforces the fields each kind requires.
func NewOperation(kind OpKind, userID string, baseSeq int64, offset, length int, text string) (Operation, error) {
	op := Operation{
		Kind:    kind,
		UserID:  userID,
		BaseSeq: baseSeq,
		Offset:  offset,
	}

	if baseSeq < 0 {
		return Operation{}, fmt.Errorf("%w: negative base sequence", ErrInvalidOperation)
	}

	switch kind {
	case OpInsert:
		if text == "" {
			return Operation{}, fmt.Errorf("%w: insert requires text", ErrInvalidOperation)
		}
		op.Text = text
	case OpDelete:
		if length <= 0 {
			return Operation{}, fmt.Errorf("%w: delete requires a positive length", ErrInvalidOperation)
		}
		op.Length = length
	case OpReplace:
		if length <= 0 {
			return Operation{}, fmt.Errorf("%w: replace requires a positive length", ErrInvalidOperation)
		}
		op.Length = length
		op.Text = text
	default:
		return Operation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, kind)
	}

	return op, nil
}

// End is the exclusive end of the range removed by a delete or replace.
func (o Operation) End() int {
	return o.Offset + o.Length
}

// InsertedLen is the number of runes the operation adds.
func (o Operation) InsertedLen() int {
	return utf8.RuneCountInString(o.Text)
}

// Delta is the change in document length after applying the operation.
func (o Operation) Delta() int {
	switch o.Kind {
	case OpInsert:
		return o.InsertedLen()
	case OpDelete:
		return -o.Length
	case OpReplace:
		return o.InsertedLen() - o.Length
	}
	return 0
}

// Removes reports whether the operation deletes a range.
func (o Operation) Removes() bool {
	return o.Kind == OpDelete || o.Kind == OpReplace
}

func (o Operation) IsNoop() bool {
	return o.Kind == OpNoop
}

// AsNoop returns the superseded form of o: same identity, no effect.
func (o Operation) AsNoop() Operation {
	o.Kind = OpNoop
	o.Length = 0
	o.Text = ""
	return o
}

func (o Operation) String() string {
	switch o.Kind {
	case OpInsert:
		return fmt.Sprintf("insert(%d,%q)", o.Offset, o.Text)
	case OpDelete:
		return fmt.Sprintf("delete(%d,%d)", o.Offset, o.Length)
	case OpReplace:
		return fmt.Sprintf("replace(%d,%d,%q)", o.Offset, o.Length, o.Text)
	}
	return "noop"
}

// CommittedOperation is an operation after the sequencer placed it in the
// session's total order. The committed log replayed from the empty document
// is the canonical text.
type CommittedOperation struct {
	Operation
	Seq         int64     `json:"seq"`
	CommittedAt time.Time `json:"committed_at"`
	Conflict    *Conflict `json:"conflict,omitempty"`
}
