// Package events publishes session activity to Kafka for consumers outside the
// collaboration path, such as persistence and analytics.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"draft-collab-server/internal/domain"

	"github.com/IBM/sarama"
)

const (
	TypeOperationCommitted = "OP_COMMITTED"
	TypeConflictDetected   = "CONFLICT_DETECTED"
	TypeParticipantJoined  = "PARTICIPANT_JOINED"
	TypeParticipantLeft    = "PARTICIPANT_LEFT"
)

// SessionEvent is the record written to the topic. Events of one session share
// a partition key, so consumers see them in commit order.
type SessionEvent struct {
	EventType  string                     `json:"eventType"`
	SessionID  string                     `json:"sessionId"`
	Operation  *domain.CommittedOperation `json:"operation,omitempty"`
	Conflict   *domain.Conflict           `json:"conflict,omitempty"`
	UserID     string                     `json:"userId,omitempty"`
	Reason     domain.LeaveReason         `json:"reason,omitempty"`
	LatencyMs  float64                    `json:"latencyMs,omitempty"`
	OccurredAt time.Time                  `json:"occurredAt"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Dispatcher queues events locally and sends them from a worker pool with
// bounded retries. A full queue drops events rather than stall a session.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opt      Options

	mu     sync.RWMutex
	closed bool
	queue  chan SessionEvent
	wg     sync.WaitGroup
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt Options) *Dispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}

	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opt:      opt,
		queue:    make(chan SessionEvent, opt.QueueSize),
	}

	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}

	return d
}

// Enqueue never blocks. It reports false when the event was dropped.
func (d *Dispatcher) Enqueue(evt SessionEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	select {
	case d.queue <- evt:
		return true
	default:
		log.Printf("[Kafka] queue full, dropping %s for session %s", evt.EventType, evt.SessionID)
		return false
	}
}

// Close stops accepting events and waits until the queue drains.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return d.producer.Close()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()

	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt SessionEvent) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}

		if attempt == d.opt.MaxRetry {
			log.Printf("[Kafka] send failed, dropping %s session=%s worker=%d: %v",
				evt.EventType, evt.SessionID, workerID, err)
			return
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if d.opt.MaxBackoff > 0 && backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt SessionEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

func (d *Dispatcher) OperationCommitted(sessionID string, op domain.CommittedOperation, latency time.Duration) {
	d.Enqueue(SessionEvent{
		EventType:  TypeOperationCommitted,
		SessionID:  sessionID,
		Operation:  &op,
		UserID:     op.UserID,
		LatencyMs:  float64(latency) / float64(time.Millisecond),
		OccurredAt: op.CommittedAt,
	})
}

func (d *Dispatcher) ConflictDetected(sessionID string, conflict domain.Conflict) {
	d.Enqueue(SessionEvent{
		EventType:  TypeConflictDetected,
		SessionID:  sessionID,
		Conflict:   &conflict,
		UserID:     conflict.UserID,
		OccurredAt: conflict.DetectedAt,
	})
}

func (d *Dispatcher) ParticipantJoined(sessionID string, p domain.Participant) {
	d.Enqueue(SessionEvent{
		EventType:  TypeParticipantJoined,
		SessionID:  sessionID,
		UserID:     p.UserID,
		OccurredAt: p.JoinedAt,
	})
}

func (d *Dispatcher) ParticipantLeft(sessionID string, p domain.Participant, reason domain.LeaveReason) {
	d.Enqueue(SessionEvent{
		EventType:  TypeParticipantLeft,
		SessionID:  sessionID,
		UserID:     p.UserID,
		Reason:     reason,
		OccurredAt: time.Now(),
	})
}
