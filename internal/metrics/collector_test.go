package metrics

import (
	"testing"
	"time"

	"draft-collab-server/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorSessionCounters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	p := domain.Participant{UserID: "alice"}
	c.ParticipantJoined("s1", p)
	c.OperationCommitted("s1", domain.CommittedOperation{Operation: domain.Operation{Kind: domain.OpInsert}}, 10*time.Millisecond)
	c.OperationCommitted("s1", domain.CommittedOperation{Operation: domain.Operation{Kind: domain.OpDelete}}, 30*time.Millisecond)
	c.ConflictDetected("s1", domain.Conflict{Strategy: domain.ResolutionRangeNarrowed, Resolved: true})
	c.ParticipantLeft("s1", p, domain.LeaveTimeout)

	got, ok := c.Session("s1")
	if !ok {
		t.Fatal("Session() found no metrics for s1")
	}

	want := domain.SessionMetrics{
		SessionID:             "s1",
		TotalOperations:       2,
		ConflictsDetected:     1,
		ConflictsAutoResolved: 1,
		Joins:                 1,
		Leaves:                1,
		AverageLatencyMs:      20,
	}
	if got != want {
		t.Errorf("Session() = %+v, want %+v", got, want)
	}

	if v := testutil.ToFloat64(c.OperationsCommitted.WithLabelValues("insert")); v != 1 {
		t.Errorf("insert counter = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.ConflictsDetected.WithLabelValues("rangeNarrowed")); v != 1 {
		t.Errorf("conflict counter = %v, want 1", v)
	}
	if v := testutil.ToFloat64(c.Participants); v != 0 {
		t.Errorf("participants gauge = %v, want 0", v)
	}
}

func TestCollectorLatencyWindowRolls(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < latencyWindow; i++ {
		c.OperationCommitted("s1", domain.CommittedOperation{Operation: domain.Operation{Kind: domain.OpInsert}}, 100*time.Millisecond)
	}
	for i := 0; i < latencyWindow; i++ {
		c.OperationCommitted("s1", domain.CommittedOperation{Operation: domain.Operation{Kind: domain.OpInsert}}, 2*time.Millisecond)
	}

	got, _ := c.Session("s1")
	if got.AverageLatencyMs != 2 {
		t.Errorf("average latency = %v, want 2 once old samples roll out", got.AverageLatencyMs)
	}
	if got.TotalOperations != 2*latencyWindow {
		t.Errorf("total operations = %d, want %d", got.TotalOperations, 2*latencyWindow)
	}
}

func TestCollectorUnknownSession(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	got, ok := c.Session("missing")
	if ok {
		t.Error("Session() reported metrics for an unknown session")
	}
	if got.SessionID != "missing" || got.TotalOperations != 0 {
		t.Errorf("Session() = %+v", got)
	}
}
