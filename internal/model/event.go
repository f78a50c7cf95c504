package model

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the current version of every event contract on the log.
const SchemaVersion = 1

// EventKind discriminates envelopes on the run stream.
type EventKind string

const (
	// EventKindRunRequested is published by the producer API when a user
	// asks for an automation run.
	EventKindRunRequested EventKind = "run_requested"
	// EventKindExecutionBegun is the department handler's acknowledgment
	// that it picked up the run.
	EventKindExecutionBegun EventKind = "execution_begun"
	// EventKindExecutionCompleted reports handler success.
	EventKindExecutionCompleted EventKind = "execution_completed"
	// EventKindExecutionFailed reports handler failure.
	EventKindExecutionFailed EventKind = "execution_failed"
)

func (k EventKind) IsValid() bool {
	switch k {
	case EventKindRunRequested, EventKindExecutionBegun, EventKindExecutionCompleted, EventKindExecutionFailed:
		return true
	default:
		return false
	}
}

// RunRequest is the producer-authored event that starts a run.
type RunRequest struct {
	SchemaVersion  int             `json:"schema_version"`
	RunID          string          `json:"run_id"`
	Intent         string          `json:"intent"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CorrelationID  string          `json:"correlation_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Key returns the request's effective idempotency key, defaulting to the
// run ID when the producer supplied none.
func (r RunRequest) Key() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return r.RunID
}

// HandlerEvent is a department handler's report about an in-flight run.
// Handlers only signal outcomes; the orchestrator alone computes `started`.
type HandlerEvent struct {
	SchemaVersion int        `json:"schema_version"`
	RunID         string     `json:"run_id"`
	CorrelationID string     `json:"correlation_id"`
	Department    Department `json:"department,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	EmittedAt     time.Time  `json:"emitted_at"`
}

// StatusEvent is published by the orchestrator on every applied transition
// for the producer API and dashboard to observe.
type StatusEvent struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        *string   `json:"reason,omitempty"`
}

// DeadLetterEntry quarantines an event whose retry budget is exhausted.
type DeadLetterEntry struct {
	SchemaVersion int             `json:"schema_version"`
	OriginalEvent json.RawMessage `json:"original_event"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error"`
	FirstSeenAt   time.Time       `json:"first_seen_at"`
	MovedAt       time.Time       `json:"moved_at"`
}
