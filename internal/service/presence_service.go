package service

import (
	"context"
	"log"
	"sync"
	"time"

	"draft-collab-server/internal/domain"

	"golang.org/x/time/rate"
)

// PresenceCache mirrors who is online and where their cursors are, so other
// nodes can read it. Entries expire unless refreshed.
type PresenceCache interface {
	AddMember(ctx context.Context, sessionID string, p domain.Participant) error
	Touch(ctx context.Context, sessionID, userID string) error
	SetCursor(ctx context.Context, sessionID, userID string, cursor domain.Cursor) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
}

type presenceSessions interface {
	RecordCursor(ctx context.Context, sessionID, userID string, cursor domain.Cursor) error
	BroadcastPresence(ctx context.Context, sessionID, userID string) error
}

type presenceKey struct {
	sessionID string
	userID    string
}

type presenceState struct {
	limiter *rate.Limiter
	pending bool
	timer   *time.Timer
}

// PresenceTracker coalesces cursor broadcasts to at most one per interval per
// participant. The trailing broadcast always carries the latest cursor.
type PresenceTracker struct {
	sessions     presenceSessions
	cache        PresenceCache
	interval     time.Duration
	cacheTimeout time.Duration

	mu    sync.Mutex
	users map[presenceKey]*presenceState
	wg    sync.WaitGroup
}

func NewPresenceTracker(sessions presenceSessions, cache PresenceCache, interval time.Duration) *PresenceTracker {
	return &PresenceTracker{
		sessions:     sessions,
		cache:        cache,
		interval:     interval,
		cacheTimeout: 2 * time.Second,
		users:        make(map[presenceKey]*presenceState),
	}
}

func (t *PresenceTracker) UpdateCursor(ctx context.Context, sessionID, userID string, cursor domain.Cursor) error {
	if err := t.sessions.RecordCursor(ctx, sessionID, userID, cursor); err != nil {
		return err
	}

	t.mirror(func(ctx context.Context) error {
		return t.cache.SetCursor(ctx, sessionID, userID, cursor)
	})

	key := presenceKey{sessionID: sessionID, userID: userID}

	t.mu.Lock()
	st, ok := t.users[key]
	if !ok {
		st = &presenceState{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.users[key] = st
	}

	if st.pending {
		t.mu.Unlock()
		return nil
	}

	if st.limiter.Allow() {
		t.mu.Unlock()
		return t.sessions.BroadcastPresence(ctx, sessionID, userID)
	}

	delay := st.limiter.Reserve().Delay()
	st.pending = true
	st.timer = time.AfterFunc(delay, func() { t.flush(key) })
	t.mu.Unlock()

	return nil
}

func (t *PresenceTracker) flush(key presenceKey) {
	t.mu.Lock()
	st, ok := t.users[key]
	if !ok || !st.pending {
		t.mu.Unlock()
		return
	}
	st.pending = false
	st.timer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.sessions.BroadcastPresence(ctx, key.sessionID, key.userID); err != nil {
		log.Printf("[Presence] failed to flush cursor for %s in %s: %v", key.userID, key.sessionID, err)
	}
}

// Touch refreshes the participant's entry in the presence cache.
func (t *PresenceTracker) Touch(sessionID, userID string) {
	t.mirror(func(ctx context.Context) error {
		return t.cache.Touch(ctx, sessionID, userID)
	})
}

func (t *PresenceTracker) mirror(fn func(ctx context.Context) error) {
	if t.cache == nil {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), t.cacheTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			log.Printf("[Presence] cache write failed: %v", err)
		}
	}()
}

// Close stops pending flushes and waits for in-flight cache writes.
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	for key, st := range t.users {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.users, key)
	}
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *PresenceTracker) ParticipantJoined(sessionID string, p domain.Participant) {
	t.mirror(func(ctx context.Context) error {
		return t.cache.AddMember(ctx, sessionID, p)
	})
}

// ParticipantLeft drops any pending flush. The session itself broadcasts the
// cleared cursor as part of removing the participant.
func (t *PresenceTracker) ParticipantLeft(sessionID string, p domain.Participant, reason domain.LeaveReason) {
	key := presenceKey{sessionID: sessionID, userID: p.UserID}

	t.mu.Lock()
	if st, ok := t.users[key]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.users, key)
	}
	t.mu.Unlock()

	t.mirror(func(ctx context.Context) error {
		return t.cache.RemoveMember(ctx, sessionID, p.UserID)
	})
}

func (t *PresenceTracker) OperationCommitted(string, domain.CommittedOperation, time.Duration) {}

func (t *PresenceTracker) ConflictDetected(string, domain.Conflict) {}
