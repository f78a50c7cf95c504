// Package run owns the lifecycle of a run: the legal status transitions and
// the durable store they are applied against. Transitions are applied with
// conditional writes so concurrent orchestrator instances replaying the same
// delivery cannot advance a run twice.
package run

import (
	"majordomo.app/conductor/internal/model"
)

// validFrom lists, per target status, every status a run may move from.
// queued is the implicit initial state; completed and failed are terminal
// and appear in no list. A run may only complete out of running, never
// straight from started: completion without an execution-begun
// acknowledgment means events arrived out of order. queued moves to failed
// only for planning rejections, which terminate a run before it ever
// starts.
var validFrom = map[model.RunStatus][]model.RunStatus{
	model.RunStatusStarted:   {model.RunStatusQueued},
	model.RunStatusRunning:   {model.RunStatusStarted},
	model.RunStatusCompleted: {model.RunStatusRunning},
	model.RunStatusFailed:    {model.RunStatusQueued, model.RunStatusStarted, model.RunStatusRunning},
}

// CanTransition reports whether moving a run from one status to another is
// legal.
func CanTransition(from, to model.RunStatus) bool {
	for _, allowed := range validFrom[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status a run may legally hold immediately
// before entering target. The store compares against this set in its
// conditional write.
func AllowedFrom(target model.RunStatus) []model.RunStatus {
	allowed := validFrom[target]
	out := make([]model.RunStatus, len(allowed))
	copy(out, allowed)
	return out
}
