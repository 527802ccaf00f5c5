package domain

// SessionMetrics is derived from observed events and never authoritative.
type SessionMetrics struct {
	SessionID             string  `json:"session_id"`
	TotalOperations       int64   `json:"total_operations"`
	ConflictsDetected     int64   `json:"conflicts_detected"`
	ConflictsAutoResolved int64   `json:"conflicts_auto_resolved"`
	Joins                 int64   `json:"joins"`
	Leaves                int64   `json:"leaves"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
}
