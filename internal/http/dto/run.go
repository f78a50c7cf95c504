// Package dto defines the response shapes of the operational API, keeping
// the wire contract independent of the storage model.
package dto

import (
	"time"

	"majordomo.app/conductor/internal/model"
)

type Run struct {
	RunID          string     `json:"run_id"`
	Status         string     `json:"status"`
	Department     string     `json:"department,omitempty"`
	Intent         string     `json:"intent"`
	CorrelationID  string     `json:"correlation_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	AttemptCount   int32      `json:"attempt_count"`
}

func FromRun(r *model.Run) Run {
	return Run{
		RunID:          r.RunID,
		Status:         string(r.Status),
		Department:     string(r.Department),
		Intent:         r.Intent,
		CorrelationID:  r.CorrelationID,
		IdempotencyKey: r.IdempotencyKey,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		FailureReason:  r.FailureReason,
		AttemptCount:   r.AttemptCount,
	}
}

type Transition struct {
	ID         int64     `json:"id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     *string   `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func FromTransition(t model.RunTransition) Transition {
	return Transition{
		ID:         t.ID,
		FromStatus: string(t.FromStatus),
		ToStatus:   string(t.ToStatus),
		Reason:     t.Reason,
		RecordedAt: t.RecordedAt,
	}
}

type RunDetail struct {
	Run         Run          `json:"run"`
	Transitions []Transition `json:"transitions"`
}

type RunList struct {
	Runs []Run `json:"runs"`
}

type Requeued struct {
	MessageID string `json:"message_id"`
}
