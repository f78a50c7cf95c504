package model

import "time"

// RunStatus is the lifecycle state of a run. Transitions are validated by
// the run state machine; terminal states are immutable.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusStarted   RunStatus = "started"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusQueued, RunStatusStarted, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is permitted out of s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Department identifies the handler group responsible for executing a run.
type Department string

const (
	DepartmentResearch Department = "research"
	DepartmentLife     Department = "life"
	DepartmentFinance  Department = "finance"
)

func (d Department) IsValid() bool {
	switch d {
	case DepartmentResearch, DepartmentLife, DepartmentFinance:
		return true
	default:
		return false
	}
}

// Run is the orchestrator-owned projection of a requested automation run.
// It is created queued the first time a new idempotency key is observed and
// mutated only through conditional writes.
type Run struct {
	RunID          string     `json:"run_id"`
	Status         RunStatus  `json:"status"`
	Department     Department `json:"department"`
	Intent         string     `json:"intent"`
	CorrelationID  string     `json:"correlation_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	AttemptCount   int32      `json:"attempt_count"`
}

// RunTransition is an append-only audit record of one applied transition.
type RunTransition struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	FromStatus RunStatus `json:"from_status"`
	ToStatus   RunStatus `json:"to_status"`
	Reason     *string   `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
