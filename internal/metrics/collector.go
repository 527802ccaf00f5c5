// Package metrics observes sessions and keeps non-authoritative counters,
// both per session for the REST API and process-wide for Prometheus.
package metrics

import (
	"sync"
	"time"

	"draft-collab-server/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyWindow is how many recent commits the rolling average covers.
const latencyWindow = 100

type sessionStats struct {
	metrics   domain.SessionMetrics
	latencies []time.Duration
	next      int
}

func (s *sessionStats) observe(latency time.Duration) {
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, latency)
	} else {
		s.latencies[s.next] = latency
		s.next = (s.next + 1) % latencyWindow
	}

	var total time.Duration
	for _, l := range s.latencies {
		total += l
	}
	s.metrics.AverageLatencyMs = float64(total) / float64(len(s.latencies)) / float64(time.Millisecond)
}

type Collector struct {
	mu       sync.RWMutex
	sessions map[string]*sessionStats

	OperationsCommitted *prometheus.CounterVec
	ConflictsDetected   *prometheus.CounterVec
	CommitLatency       prometheus.Histogram
	Participants        prometheus.Gauge
	Joins               prometheus.Counter
	Leaves              *prometheus.CounterVec

	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec
}

// NewCollector registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		sessions: make(map[string]*sessionStats),

		OperationsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "draft_collab_operations_committed_total",
			Help: "Total number of committed operations by kind",
		}, []string{"kind"}),

		ConflictsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "draft_collab_conflicts_total",
			Help: "Total number of detected conflicts by resolution strategy",
		}, []string{"strategy"}),

		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "draft_collab_commit_latency_seconds",
			Help:    "Time from operation receipt to broadcast",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "draft_collab_participants_active",
			Help: "Number of participants across all sessions",
		}),

		Joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "draft_collab_joins_total",
			Help: "Total number of participant joins",
		}),

		Leaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "draft_collab_leaves_total",
			Help: "Total number of participant removals by reason",
		}, []string{"reason"}),

		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "draft_collab_websocket_connections_active",
			Help: "Number of open WebSocket connections",
		}),

		WebSocketMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "draft_collab_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}),
	}
}

func (c *Collector) stats(sessionID string) *sessionStats {
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionStats{metrics: domain.SessionMetrics{SessionID: sessionID}}
		c.sessions[sessionID] = s
	}
	return s
}

func (c *Collector) OperationCommitted(sessionID string, op domain.CommittedOperation, latency time.Duration) {
	c.OperationsCommitted.WithLabelValues(string(op.Kind)).Inc()
	c.CommitLatency.Observe(latency.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats(sessionID)
	s.metrics.TotalOperations++
	s.observe(latency)
}

func (c *Collector) ConflictDetected(sessionID string, conflict domain.Conflict) {
	c.ConflictsDetected.WithLabelValues(string(conflict.Strategy)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats(sessionID)
	s.metrics.ConflictsDetected++
	if conflict.Resolved {
		s.metrics.ConflictsAutoResolved++
	}
}

func (c *Collector) ParticipantJoined(sessionID string, _ domain.Participant) {
	c.Joins.Inc()
	c.Participants.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(sessionID).metrics.Joins++
}

func (c *Collector) ParticipantLeft(sessionID string, _ domain.Participant, reason domain.LeaveReason) {
	c.Leaves.WithLabelValues(string(reason)).Inc()
	c.Participants.Dec()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats(sessionID).metrics.Leaves++
}

// Session returns a copy of the counters for one session.
func (c *Collector) Session(sessionID string) (domain.SessionMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return domain.SessionMetrics{SessionID: sessionID}, false
	}
	return s.metrics, true
}

func (c *Collector) RecordWebSocketConnect() {
	c.WebSocketConnections.Inc()
}

func (c *Collector) RecordWebSocketDisconnect() {
	c.WebSocketConnections.Dec()
}

func (c *Collector) RecordWebSocketMessage(msgType, direction string) {
	c.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}
