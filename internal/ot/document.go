package ot

import (
	"errors"
	"fmt"

	"draft-collab-server/internal/domain"
)

var ErrOutOfBounds = errors.New("operation out of bounds")

// Document is a plain-text buffer addressed by rune offsets.
type Document struct {
	runes []rune
}

func NewDocument(text string) *Document {
	return &Document{runes: []rune(text)}
}

func (d *Document) Len() int {
	return len(d.runes)
}

func (d *Document) String() string {
	return string(d.runes)
}

// CheckBounds reports whether op addresses a valid range of a document with
// docLen runes.
func CheckBounds(op domain.Operation, docLen int) error {
	if op.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrOutOfBounds, op.Offset)
	}

	switch op.Kind {
	case domain.OpInsert:
		if op.Offset > docLen {
			return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfBounds, op.Offset, docLen)
		}
	case domain.OpDelete, domain.OpReplace:
		if op.Length < 0 || op.End() > docLen {
			return fmt.Errorf("%w: range [%d,%d), length %d", ErrOutOfBounds, op.Offset, op.End(), docLen)
		}
	}
	return nil
}

func (d *Document) Apply(op domain.Operation) error {
	if op.IsNoop() {
		return nil
	}
	if err := CheckBounds(op, len(d.runes)); err != nil {
		return err
	}

	var removed int
	if op.Removes() {
		removed = op.Length
	}
	inserted := []rune(op.Text)

	next := make([]rune, 0, len(d.runes)-removed+len(inserted))
	next = append(next, d.runes[:op.Offset]...)
	next = append(next, inserted...)
	next = append(next, d.runes[op.Offset+removed:]...)
	d.runes = next

	return nil
}

// Replay applies a committed log to the empty document.
func Replay(log []domain.CommittedOperation) (string, error) {
	doc := NewDocument("")
	for _, c := range log {
		if err := doc.Apply(c.Operation); err != nil {
			return "", fmt.Errorf("replay seq %d: %w", c.Seq, err)
		}
	}
	return doc.String(), nil
}
