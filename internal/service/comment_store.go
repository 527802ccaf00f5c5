package service

import (
	"fmt"
	"time"

	"draft-collab-server/internal/domain"

	"github.com/google/uuid"
)

// CommentStore anchors comments to offsets of one session's document. It is
// owned by the session actor and applied to every committed operation.
type CommentStore struct {
	sessionID string
	order     []*domain.Comment
	byID      map[string]*domain.Comment
}

func NewCommentStore(sessionID string) *CommentStore {
	return &CommentStore{
		sessionID: sessionID,
		byID:      make(map[string]*domain.Comment),
	}
}

// Add anchors a new comment. A reply shares the anchor of the thread it
// answers, so offset is ignored when parentID is set.
func (s *CommentStore) Add(authorID string, offset int, content, parentID string, docLen int, now time.Time) (*domain.Comment, error) {
	comment := &domain.Comment{
		ID:        uuid.New().String(),
		SessionID: s.sessionID,
		AuthorID:  authorID,
		Content:   content,
		Offset:    offset,
		Status:    domain.AnchorValid,
		CreatedAt: now,
	}

	if parentID != "" {
		parent, ok := s.byID[parentID]
		if !ok {
			return nil, ErrCommentNotFound
		}
		if parent.ParentID != "" {
			parentID = parent.ParentID
		}
		comment.ParentID = parentID
		comment.Offset = parent.Offset
		comment.Status = parent.Status
	} else if offset < 0 || offset > docLen {
		return nil, fmt.Errorf("%w: comment offset %d outside document of length %d", ErrInvalidRange, offset, docLen)
	}

	s.order = append(s.order, comment)
	s.byID[comment.ID] = comment

	return copyComment(comment), nil
}

// Apply re-anchors comments after a committed operation and returns how many
// became orphaned.
func (s *CommentStore) Apply(op domain.Operation) int {
	if op.IsNoop() {
		return 0
	}

	orphaned := 0
	for _, c := range s.order {
		if c.Status == domain.AnchorOrphaned {
			continue
		}

		switch op.Kind {
		case domain.OpInsert:
			if op.Offset <= c.Offset {
				c.Offset += op.InsertedLen()
			}

		case domain.OpDelete, domain.OpReplace:
			switch {
			case c.Offset >= op.End():
				c.Offset += op.Delta()
			case c.Offset > op.Offset:
				c.Status = domain.AnchorOrphaned
				orphaned++
			}
		}
	}

	return orphaned
}

func (s *CommentStore) Get(id string) (*domain.Comment, bool) {
	c, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return copyComment(c), true
}

func (s *CommentStore) List() []domain.Comment {
	out := make([]domain.Comment, len(s.order))
	for i, c := range s.order {
		out[i] = *c
	}
	return out
}

func copyComment(c *domain.Comment) *domain.Comment {
	cp := *c
	return &cp
}
