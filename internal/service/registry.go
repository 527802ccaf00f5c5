package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"draft-collab-server/internal/domain"
)

// MembershipChecker decides whether a user may join sessions of a project.
type MembershipChecker interface {
	IsMember(ctx context.Context, workspaceID, projectID, userID string) (bool, error)
}

type JoinOptions struct {
	// LastSeq, when set, asks for every operation committed after it.
	LastSeq    *int64
	Subscriber Subscriber
	// OnJoined runs on the session actor before any later event reaches the
	// subscriber. It must not block.
	OnJoined func(*domain.JoinResult)
}

// SessionRegistry owns the live sessions, one per document, and routes each
// call to the session's actor.
type SessionRegistry struct {
	cfg        SessionConfig
	membership MembershipChecker
	now        func() time.Time

	mu         sync.RWMutex
	byDocument map[string]*session
	byID       map[string]*session
	observers  []SessionObserver
}

func NewSessionRegistry(cfg SessionConfig, membership MembershipChecker, observers ...SessionObserver) *SessionRegistry {
	return &SessionRegistry{
		cfg:        cfg,
		membership: membership,
		now:        time.Now,
		byDocument: make(map[string]*session),
		byID:       make(map[string]*session),
		observers:  observers,
	}
}

func (r *SessionRegistry) AddObserver(o SessionObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *SessionRegistry) currentObservers() []SessionObserver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.observers
}

// CreateOrJoin adds the user to the document's session, opening one if none
// is live. Joining again while already in the roster returns the same color.
func (r *SessionRegistry) CreateOrJoin(ctx context.Context, req domain.JoinRequest, opts JoinOptions) (*domain.JoinResult, error) {
	if r.membership != nil {
		ok, err := r.membership.IsMember(ctx, req.WorkspaceID, req.ProjectID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to check membership: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: user %s is not a member of project %s", ErrForbidden, req.UserID, req.ProjectID)
		}
	}

	// A session that closes between lookup and join answers
	// ErrSessionNotFound; the next attempt opens a fresh one.
	for attempt := 0; attempt < 3; attempt++ {
		s := r.sessionFor(req)

		var result *domain.JoinResult
		var joinErr error
		err := s.call(ctx, func() {
			result, joinErr = s.join(req, opts.LastSeq, opts.Subscriber)
			if joinErr == nil && opts.OnJoined != nil {
				opts.OnJoined(result)
			}
		})
		if err == nil {
			err = joinErr
		}

		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Printf("[Session] %s: user %s joined (rejoined=%t)", s.id, req.UserID, result.Rejoined)
		return result, nil
	}

	return nil, ErrSessionNotFound
}

func (r *SessionRegistry) sessionFor(req domain.JoinRequest) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byDocument[req.DocumentID]; ok {
		return s
	}

	s := newSession(req, r.cfg, r.now, r.currentObservers, r.forget)
	r.byDocument[req.DocumentID] = s
	r.byID[s.id] = s
	go s.run()

	return s
}

// forget runs on the closing session's actor.
func (r *SessionRegistry) forget(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byDocument[s.documentID] == s {
		delete(r.byDocument, s.documentID)
	}
	delete(r.byID, s.id)
}

func (r *SessionRegistry) lookup(sessionID string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// do runs fn on the session's actor.
func (r *SessionRegistry) do(ctx context.Context, sessionID string, fn func(s *session)) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.call(ctx, func() { fn(s) })
}

func (r *SessionRegistry) Leave(ctx context.Context, sessionID, userID string) error {
	var removed bool
	if err := r.do(ctx, sessionID, func(s *session) {
		removed = s.remove(userID, domain.LeaveExplicit)
	}); err != nil {
		return err
	}
	if !removed {
		return ErrNotParticipant
	}
	return nil
}

// Disconnect detaches one connection. The participant leaves when it was the
// last connection the user had open in the session.
func (r *SessionRegistry) Disconnect(ctx context.Context, sessionID, userID string, sub Subscriber) error {
	return r.do(ctx, sessionID, func(s *session) {
		s.detach(userID, sub, domain.LeaveConnectionLost)
	})
}

func (r *SessionRegistry) Heartbeat(ctx context.Context, sessionID, userID string) error {
	var hbErr error
	if err := r.do(ctx, sessionID, func(s *session) {
		hbErr = s.heartbeat(userID)
	}); err != nil {
		return err
	}
	return hbErr
}

// Submit validates op against the document at op.BaseSeq, rebases it over
// everything committed since, and commits it.
func (r *SessionRegistry) Submit(ctx context.Context, sessionID string, op domain.Operation) (domain.CommittedOperation, error) {
	var committed domain.CommittedOperation
	var submitErr error
	if err := r.do(ctx, sessionID, func(s *session) {
		committed, submitErr = s.submit(op)
	}); err != nil {
		return domain.CommittedOperation{}, err
	}
	return committed, submitErr
}

func (r *SessionRegistry) AddComment(ctx context.Context, sessionID, userID string, req domain.AddCommentRequest) (*domain.Comment, error) {
	var comment *domain.Comment
	var addErr error
	if err := r.do(ctx, sessionID, func(s *session) {
		comment, addErr = s.addComment(userID, req)
	}); err != nil {
		return nil, err
	}
	return comment, addErr
}

// RecordCursor stores the participant's cursor without broadcasting it.
func (r *SessionRegistry) RecordCursor(ctx context.Context, sessionID, userID string, cursor domain.Cursor) error {
	var recErr error
	if err := r.do(ctx, sessionID, func(s *session) {
		recErr = s.recordCursor(userID, cursor)
	}); err != nil {
		return err
	}
	return recErr
}

// BroadcastPresence sends the participant's latest recorded cursor to the
// other participants.
func (r *SessionRegistry) BroadcastPresence(ctx context.Context, sessionID, userID string) error {
	return r.do(ctx, sessionID, func(s *session) {
		s.broadcastPresence(userID)
	})
}

func (r *SessionRegistry) Snapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	var snap *domain.SessionSnapshot
	if err := r.do(ctx, sessionID, func(s *session) {
		snap = s.snapshot()
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *SessionRegistry) OperationsSince(ctx context.Context, sessionID string, since int64) ([]domain.CommittedOperation, error) {
	var ops []domain.CommittedOperation
	var opsErr error
	if err := r.do(ctx, sessionID, func(s *session) {
		if since > s.seq {
			opsErr = &RangeError{DocLen: s.doc.Len(), CurrSeq: s.seq, Reason: fmt.Sprintf("sequence %d not committed yet", since)}
			return
		}
		ops = s.operationsSince(since)
	}); err != nil {
		return nil, err
	}
	return ops, opsErr
}

func (r *SessionRegistry) Conflicts(ctx context.Context, sessionID string) ([]domain.Conflict, error) {
	var conflicts []domain.Conflict
	if err := r.do(ctx, sessionID, func(s *session) {
		conflicts = make([]domain.Conflict, len(s.conflicts))
		copy(conflicts, s.conflicts)
	}); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (r *SessionRegistry) Comments(ctx context.Context, sessionID string) ([]domain.Comment, error) {
	var comments []domain.Comment
	if err := r.do(ctx, sessionID, func(s *session) {
		comments = s.comments.List()
	}); err != nil {
		return nil, err
	}
	return comments, nil
}

// SessionCount reports how many sessions are live.
func (r *SessionRegistry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Shutdown closes every live session, notifying remaining participants.
func (r *SessionRegistry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	sessions := make([]*session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		err := s.call(ctx, func() { s.close(domain.LeaveClosed) })
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return fmt.Errorf("failed to close session %s: %w", s.id, err)
		}
	}

	log.Printf("[Session] registry shut down, %d sessions closed", len(sessions))
	return nil
}

// sweepSession runs one liveness sweep at the given time.
func (r *SessionRegistry) sweepSession(ctx context.Context, sessionID string, now time.Time) error {
	return r.do(ctx, sessionID, func(s *session) {
		s.sweep(now)
	})
}
