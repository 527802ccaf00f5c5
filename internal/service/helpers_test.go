package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"draft-collab-server/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	full   bool
}

func (r *recorder) Deliver(_ string, ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type observedCall struct {
	kind    string
	userID  string
	reason  domain.LeaveReason
	latency time.Duration
}

type fakeObserver struct {
	mu    sync.Mutex
	calls []observedCall
}

func (o *fakeObserver) record(c observedCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, c)
}

func (o *fakeObserver) OperationCommitted(_ string, op domain.CommittedOperation, latency time.Duration) {
	o.record(observedCall{kind: "commit", userID: op.UserID, latency: latency})
}

func (o *fakeObserver) ConflictDetected(_ string, c domain.Conflict) {
	o.record(observedCall{kind: "conflict", userID: c.UserID})
}

func (o *fakeObserver) ParticipantJoined(_ string, p domain.Participant) {
	o.record(observedCall{kind: "join", userID: p.UserID})
}

func (o *fakeObserver) ParticipantLeft(_ string, p domain.Participant, reason domain.LeaveReason) {
	o.record(observedCall{kind: "leave", userID: p.UserID, reason: reason})
}

func (o *fakeObserver) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, len(o.calls))
	for i, c := range o.calls {
		out[i] = c.kind + ":" + c.userID
	}
	return out
}

type fakeMembership struct {
	members map[string]bool
	err     error
}

func (m *fakeMembership) IsMember(_ context.Context, _, _, userID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.members[userID], nil
}

func testConfig() SessionConfig {
	return SessionConfig{
		HeartbeatTimeout: 30 * time.Second,
		IdleAfter:        10 * time.Second,
		IdleGrace:        time.Minute,
	}
}

func newTestRegistry(t *testing.T, cfg SessionConfig, observers ...SessionObserver) *SessionRegistry {
	t.Helper()

	r := NewSessionRegistry(cfg, nil, observers...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func joinRequest(userID string, role domain.Role) domain.JoinRequest {
	return domain.JoinRequest{
		DocumentID:  "doc-1",
		ProjectID:   "project-1",
		WorkspaceID: "workspace-1",
		UserID:      userID,
		DisplayName: userID,
		Role:        role,
	}
}

func mustJoin(t *testing.T, r *SessionRegistry, userID string, sub Subscriber) *domain.JoinResult {
	t.Helper()

	res, err := r.CreateOrJoin(context.Background(), joinRequest(userID, domain.RoleEditor), JoinOptions{Subscriber: sub})
	if err != nil {
		t.Fatalf("CreateOrJoin(%s) error = %v", userID, err)
	}
	return res
}

func ins(t *testing.T, userID string, baseSeq int64, offset int, text string) domain.Operation {
	t.Helper()

	op, err := domain.NewInsert(userID, baseSeq, offset, text)
	if err != nil {
		t.Fatalf("NewInsert() error = %v", err)
	}
	return op
}

func del(t *testing.T, userID string, baseSeq int64, offset, length int) domain.Operation {
	t.Helper()

	op, err := domain.NewDelete(userID, baseSeq, offset, length)
	if err != nil {
		t.Fatalf("NewDelete() error = %v", err)
	}
	return op
}

func rep(t *testing.T, userID string, baseSeq int64, offset, length int, text string) domain.Operation {
	t.Helper()

	op, err := domain.NewReplace(userID, baseSeq, offset, length, text)
	if err != nil {
		t.Fatalf("NewReplace() error = %v", err)
	}
	return op
}

func mustSubmit(t *testing.T, r *SessionRegistry, sessionID string, op domain.Operation) domain.CommittedOperation {
	t.Helper()

	committed, err := r.Submit(context.Background(), sessionID, op)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", op, err)
	}
	return committed
}

func mustText(t *testing.T, r *SessionRegistry, sessionID string) string {
	t.Helper()

	snap, err := r.Snapshot(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap.Text
}
