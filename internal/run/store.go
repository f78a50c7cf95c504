package run

import (
	"context"
	"errors"

	"majordomo.app/conductor/internal/model"
)

// ErrNotFound is returned when a requested run does not exist
var ErrNotFound = errors.New("not found")

// TransitionRequest asks the store to advance one run to a new status.
// Reason is recorded on the run (and its audit row) when moving to failed.
// Department is assigned on the started transition once planning resolved
// it; empty leaves the recorded value alone.
type TransitionRequest struct {
	RunID      string
	To         model.RunStatus
	Reason     *string
	Department model.Department
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Status model.RunStatus
	Limit  int32
}

// Store defines the contract for durable run state access. Implementations
// must apply Transition as a single conditional write comparing the
// recorded status against the legal predecessors of the target, so a
// duplicate delivery observes the state already advanced and becomes a
// no-op.
type Store interface {
	// CreateIfAbsent inserts the run in queued status, reporting whether
	// this call created it. An existing run with the same run_id is left
	// untouched.
	CreateIfAbsent(ctx context.Context, r *model.Run) (bool, error)

	// Get returns the run or ErrNotFound.
	Get(ctx context.Context, runID string) (*model.Run, error)

	// Transition conditionally advances the run, returning its state after
	// the attempt and whether this call applied the change. A false return
	// with a nil error means another writer got there first or the request
	// was illegal for the recorded status.
	Transition(ctx context.Context, req TransitionRequest) (*model.Run, bool, error)

	// IncrementAttempts bumps attempt_count after a failed processing
	// attempt. Never called on duplicate deliveries.
	IncrementAttempts(ctx context.Context, runID string) error

	// List returns runs ordered by most recently started.
	List(ctx context.Context, filter ListFilter) ([]model.Run, error)

	// Transitions returns the audit trail for a run, oldest first.
	Transitions(ctx context.Context, runID string) ([]model.RunTransition, error)
}
