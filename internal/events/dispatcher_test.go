package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"draft-collab-server/internal/domain"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func expectEvent(want string) mocks.ValueChecker {
	return func(val []byte) error {
		var evt SessionEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != want {
			return fmt.Errorf("event type = %s, want %s", evt.EventType, want)
		}
		if evt.SessionID != "s1" {
			return fmt.Errorf("session id = %s, want s1", evt.SessionID)
		}
		return nil
	}
}

func TestDispatcherPublishesObservedEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectEvent(TypeParticipantJoined))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectEvent(TypeOperationCommitted))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectEvent(TypeConflictDetected))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(expectEvent(TypeParticipantLeft))

	// One worker keeps the order of sends equal to the order of events.
	d := NewDispatcher(producer, "session-events", Options{QueueSize: 8, Workers: 1})

	alice := domain.Participant{UserID: "alice", JoinedAt: time.Now()}
	d.ParticipantJoined("s1", alice)
	d.OperationCommitted("s1", domain.CommittedOperation{
		Operation: domain.Operation{ID: "op1", Kind: domain.OpInsert, UserID: "alice", Text: "hi"},
		Seq:       1,
	}, 3*time.Millisecond)
	d.ConflictDetected("s1", domain.Conflict{ID: "c1", Strategy: domain.ResolutionRangeNarrowed})
	d.ParticipantLeft("s1", alice, domain.LeaveExplicit)

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDispatcherRetriesFailedSend(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageAndSucceed()

	d := NewDispatcher(producer, "session-events", Options{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	if !d.Enqueue(SessionEvent{EventType: TypeOperationCommitted, SessionID: "s1"}) {
		t.Fatal("Enqueue() dropped the event")
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	d := NewDispatcher(producer, "session-events", Options{QueueSize: 1, Workers: 1})

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if d.Enqueue(SessionEvent{EventType: TypeParticipantJoined, SessionID: "s1"}) {
		t.Error("Enqueue() after Close() accepted the event")
	}
}
