package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"draft-collab-server/internal/domain"
	"draft-collab-server/internal/ot"

	"github.com/google/uuid"
)

type SessionConfig struct {
	HeartbeatTimeout time.Duration
	IdleAfter        time.Duration
	IdleGrace        time.Duration
	SweepInterval    time.Duration
	MaxParticipants  int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatTimeout: 30 * time.Second,
		IdleAfter:        10 * time.Second,
		IdleGrace:        time.Minute,
		SweepInterval:    5 * time.Second,
	}
}

// session is the actor that owns one collaboration session. Every field
// below inbox is touched only by run and the closures it executes.
type session struct {
	id          string
	documentID  string
	projectID   string
	workspaceID string
	createdAt   time.Time

	cfg       SessionConfig
	now       func() time.Time
	observers func() []SessionObserver
	onClosed  func(*session)

	inbox chan func()
	done  chan struct{}

	state       domain.SessionState
	seq         int64
	log         []domain.CommittedOperation
	doc         *ot.Document
	roster      map[string]*domain.Participant
	subscribers map[string]map[Subscriber]struct{}
	joinCount   int
	conflicts   []domain.Conflict
	comments    *CommentStore
	idleGen     int
}

func newSession(req domain.JoinRequest, cfg SessionConfig, now func() time.Time, observers func() []SessionObserver, onClosed func(*session)) *session {
	id := uuid.New().String()
	return &session{
		id:          id,
		documentID:  req.DocumentID,
		projectID:   req.ProjectID,
		workspaceID: req.WorkspaceID,
		createdAt:   now(),
		cfg:         cfg,
		now:         now,
		observers:   observers,
		onClosed:    onClosed,
		inbox:       make(chan func()),
		done:        make(chan struct{}),
		state:       domain.SessionOpen,
		doc:         ot.NewDocument(""),
		roster:      make(map[string]*domain.Participant),
		subscribers: make(map[string]map[Subscriber]struct{}),
		comments:    NewCommentStore(id),
	}
}

func (s *session) run() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	log.Printf("[Session] %s opened for document %s", s.id, s.documentID)

	for s.state != domain.SessionClosed {
		select {
		case fn := <-s.inbox:
			fn()
		case <-tick:
			s.sweep(s.now())
		}
	}

	log.Printf("[Session] %s closed after %d operations", s.id, s.seq)
}

// call runs fn on the actor and waits for it. A session that already stopped
// reports ErrSessionNotFound so the caller can retry against a fresh one.
func (s *session) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}

	select {
	case s.inbox <- wrapped:
	case <-s.done:
		return ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used by timers, which must not block.
func (s *session) post(fn func()) {
	go func() {
		select {
		case s.inbox <- fn:
		case <-s.done:
		}
	}()
}

func (s *session) join(req domain.JoinRequest, lastSeq *int64, sub Subscriber) (*domain.JoinResult, error) {
	if s.state != domain.SessionOpen {
		return nil, ErrSessionNotFound
	}

	if lastSeq != nil && (*lastSeq < 0 || *lastSeq > s.seq) {
		return nil, &RangeError{DocLen: s.doc.Len(), CurrSeq: s.seq, Reason: fmt.Sprintf("last sequence %d unknown", *lastSeq)}
	}

	now := s.now()
	result := &domain.JoinResult{}

	if p, ok := s.roster[req.UserID]; ok {
		p.LastActivity = now
		p.Liveness = domain.LivenessActive
		result.Color = p.Color
		result.Rejoined = true
	} else {
		if s.cfg.MaxParticipants > 0 && len(s.roster) >= s.cfg.MaxParticipants {
			return nil, ErrSessionFull
		}

		inUse := make(map[string]bool, len(s.roster))
		for _, other := range s.roster {
			inUse[other.Color] = true
		}

		p := &domain.Participant{
			UserID:       req.UserID,
			DisplayName:  req.DisplayName,
			Role:         req.Role,
			Color:        pickColor(s.joinCount, inUse),
			JoinedAt:     now,
			LastActivity: now,
			Liveness:     domain.LivenessActive,
		}
		s.joinCount++
		s.roster[p.UserID] = p
		result.Color = p.Color

		s.broadcast(Event{Type: EventUserJoined, Payload: UserJoinedPayload{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Role:        p.Role,
			Color:       p.Color,
		}}, p.UserID)

		for _, o := range s.observers() {
			o.ParticipantJoined(s.id, *p)
		}
	}

	s.idleGen++

	if sub != nil {
		if s.subscribers[req.UserID] == nil {
			s.subscribers[req.UserID] = make(map[Subscriber]struct{})
		}
		s.subscribers[req.UserID][sub] = struct{}{}
	}

	if lastSeq != nil {
		result.MissedOps = s.operationsSince(*lastSeq)
	}
	result.Snapshot = s.snapshot()

	return result, nil
}

// detach drops one connection of a participant. The participant leaves once
// its last connection is gone.
func (s *session) detach(userID string, sub Subscriber, reason domain.LeaveReason) {
	subs := s.subscribers[userID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		s.remove(userID, reason)
	}
}

func (s *session) remove(userID string, reason domain.LeaveReason) bool {
	p, ok := s.roster[userID]
	if !ok {
		return false
	}

	delete(s.roster, userID)
	delete(s.subscribers, userID)

	s.broadcast(Event{Type: EventUserLeft, Payload: UserLeftPayload{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Reason:      reason,
	}}, "")
	s.broadcast(Event{Type: EventPresence, Payload: PresencePayload{UserID: p.UserID}}, "")

	for _, o := range s.observers() {
		o.ParticipantLeft(s.id, *p, reason)
	}

	log.Printf("[Session] %s: user %s left (%s)", s.id, userID, reason)

	if len(s.roster) == 0 && s.state == domain.SessionOpen {
		s.scheduleExpiry()
	}
	return true
}

func (s *session) scheduleExpiry() {
	s.idleGen++
	gen := s.idleGen

	time.AfterFunc(s.cfg.IdleGrace, func() {
		s.post(func() {
			if gen != s.idleGen || len(s.roster) > 0 {
				return
			}
			s.close(domain.LeaveClosed)
		})
	})
}

func (s *session) close(reason domain.LeaveReason) {
	if s.state != domain.SessionOpen {
		return
	}
	s.state = domain.SessionClosing

	for userID := range s.roster {
		s.remove(userID, reason)
	}

	s.onClosed(s)
	s.state = domain.SessionClosed
}

func (s *session) heartbeat(userID string) error {
	p, ok := s.roster[userID]
	if !ok {
		return ErrNotParticipant
	}
	p.LastActivity = s.now()
	p.Liveness = domain.LivenessActive
	return nil
}

// sweep demotes quiet participants to idle and removes those whose heartbeat
// expired.
func (s *session) sweep(now time.Time) {
	for userID, p := range s.roster {
		quiet := now.Sub(p.LastActivity)
		switch {
		case s.cfg.HeartbeatTimeout > 0 && quiet >= s.cfg.HeartbeatTimeout:
			p.Liveness = domain.LivenessDisconnected
			s.remove(userID, domain.LeaveTimeout)
		case s.cfg.IdleAfter > 0 && quiet >= s.cfg.IdleAfter:
			p.Liveness = domain.LivenessIdle
		}
	}
}

// lengthAt is the document length as it was right after seq was committed.
func (s *session) lengthAt(seq int64) int {
	n := s.doc.Len()
	for _, c := range s.log[seq:] {
		n -= c.Delta()
	}
	return n
}

func (s *session) submit(op domain.Operation) (domain.CommittedOperation, error) {
	p, ok := s.roster[op.UserID]
	if !ok {
		return domain.CommittedOperation{}, ErrNotParticipant
	}
	if !p.Role.CanEdit() {
		return domain.CommittedOperation{}, fmt.Errorf("%w: role %s cannot edit", ErrForbidden, p.Role)
	}
	if op.IsNoop() {
		return domain.CommittedOperation{}, fmt.Errorf("%w: noop cannot be submitted", domain.ErrInvalidOperation)
	}

	if op.BaseSeq < 0 || op.BaseSeq > s.seq {
		return domain.CommittedOperation{}, &RangeError{Op: op, DocLen: s.doc.Len(), CurrSeq: s.seq,
			Reason: fmt.Sprintf("base sequence %d is ahead of the session", op.BaseSeq)}
	}

	baseLen := s.lengthAt(op.BaseSeq)
	if err := ot.CheckBounds(op, baseLen); err != nil {
		return domain.CommittedOperation{}, &RangeError{Op: op, DocLen: baseLen, CurrSeq: s.seq, Reason: err.Error()}
	}

	now := s.now()
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = now
	}

	res := ot.Rebase(op, s.log[op.BaseSeq:])
	if err := s.doc.Apply(res.Op); err != nil {
		// The resolver keeps ops in bounds; reaching this is a bug.
		return domain.CommittedOperation{}, fmt.Errorf("apply rebased %s: %w", res.Op, err)
	}

	s.seq++
	committed := domain.CommittedOperation{
		Operation:   res.Op,
		Seq:         s.seq,
		CommittedAt: now,
	}

	if res.Conflicted() {
		conflict := domain.Conflict{
			ID:             uuid.New().String(),
			SessionID:      s.id,
			OperationIDs:   append([]string{op.ID}, res.CollidedWith...),
			UserID:         op.UserID,
			Seq:            committed.Seq,
			Strategy:       res.Strategy,
			Resolved:       true,
			DetectedAt:     now,
			OriginalOffset: op.Offset,
			OriginalLength: op.Length,
			ResolvedOffset: res.Op.Offset,
			ResolvedLength: res.Op.Length,
		}
		committed.Conflict = &conflict
		s.conflicts = append(s.conflicts, conflict)

		log.Printf("[Session] %s: conflict on seq %d, %s against %d ops", s.id, committed.Seq, res.Strategy, len(res.CollidedWith))
	}

	s.log = append(s.log, committed)
	if n := s.comments.Apply(res.Op); n > 0 {
		log.Printf("[Session] %s: seq %d orphaned %d comments", s.id, committed.Seq, n)
	}

	p.LastActivity = now
	p.Liveness = domain.LivenessActive

	s.broadcast(Event{Type: EventOpCommitted, Payload: NewOpCommittedPayload(committed)}, "")

	latency := s.now().Sub(op.SubmittedAt)
	for _, o := range s.observers() {
		o.OperationCommitted(s.id, committed, latency)
		if committed.Conflict != nil {
			o.ConflictDetected(s.id, *committed.Conflict)
		}
	}

	return committed, nil
}

func (s *session) addComment(userID string, req domain.AddCommentRequest) (*domain.Comment, error) {
	p, ok := s.roster[userID]
	if !ok {
		return nil, ErrNotParticipant
	}

	now := s.now()
	comment, err := s.comments.Add(userID, req.Offset, req.Content, req.ParentID, s.doc.Len(), now)
	if err != nil {
		return nil, err
	}
	p.LastActivity = now

	s.broadcast(Event{Type: EventCommentAdded, Payload: *comment}, "")
	return comment, nil
}

func (s *session) recordCursor(userID string, cursor domain.Cursor) error {
	p, ok := s.roster[userID]
	if !ok {
		return ErrNotParticipant
	}
	cursor.UpdatedAt = s.now()
	p.Cursor = &cursor
	p.LastActivity = cursor.UpdatedAt
	p.Liveness = domain.LivenessActive
	return nil
}

// broadcastPresence sends the participant's current cursor to everyone else.
// A participant who already left is skipped, so a late flush cannot bring a
// cleared cursor back.
func (s *session) broadcastPresence(userID string) {
	p, ok := s.roster[userID]
	if !ok || p.Cursor == nil {
		return
	}
	cursor := *p.Cursor
	s.broadcast(Event{Type: EventPresence, Payload: PresencePayload{
		UserID: userID,
		Color:  p.Color,
		Cursor: &cursor,
	}}, userID)
}

type subscription struct {
	userID string
	sub    Subscriber
}

// broadcast hands ev to every subscriber except those of excludeUserID.
// Subscribers whose queue is full are detached; their connection resyncs.
func (s *session) broadcast(ev Event, excludeUserID string) {
	var full []subscription

	for userID, subs := range s.subscribers {
		if userID == excludeUserID {
			continue
		}
		for sub := range subs {
			if !sub.Deliver(s.id, ev) {
				full = append(full, subscription{userID: userID, sub: sub})
			}
		}
	}

	for _, f := range full {
		log.Printf("[Session] %s: send queue full for user %s, detaching connection", s.id, f.userID)
		s.detach(f.userID, f.sub, domain.LeaveConnectionLost)
	}
}

func (s *session) operationsSince(seq int64) []domain.CommittedOperation {
	if seq < 0 {
		seq = 0
	}
	if seq >= s.seq {
		return []domain.CommittedOperation{}
	}
	out := make([]domain.CommittedOperation, len(s.log[seq:]))
	copy(out, s.log[seq:])
	return out
}

func (s *session) snapshot() *domain.SessionSnapshot {
	participants := make([]domain.Participant, 0, len(s.roster))
	for _, p := range s.roster {
		cp := *p
		if p.Cursor != nil {
			cursor := *p.Cursor
			cp.Cursor = &cursor
		}
		participants = append(participants, cp)
	}
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].UserID < participants[j].UserID
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})

	return &domain.SessionSnapshot{
		ID:           s.id,
		DocumentID:   s.documentID,
		ProjectID:    s.projectID,
		WorkspaceID:  s.workspaceID,
		State:        s.state,
		Seq:          s.seq,
		Text:         s.doc.String(),
		Participants: participants,
		CreatedAt:    s.createdAt,
	}
}
