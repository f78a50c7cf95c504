// Package idempotency suppresses duplicate deliveries. The log guarantees
// at-least-once, so every consumer marks what it has processed and skips
// anything it has seen before.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"majordomo.app/conductor/internal/model"
)

// Guard records processed idempotency keys for a bounded window.
type Guard interface {
	// CheckAndMark atomically records the key and reports whether this is
	// its first appearance. False means a duplicate.
	CheckAndMark(ctx context.Context, key string) (bool, error)

	// Forget clears a key so an operator-driven redelivery is processed
	// again. Used by dead letter requeue.
	Forget(ctx context.Context, key string) error
}

// Key derives the guard key for one event. The event kind is part of the
// key so a run's requested, begun and completed events each dedupe
// independently while sharing the run's idempotency key.
func Key(idempotencyKey string, kind model.EventKind) string {
	return fmt.Sprintf("%s:%s", idempotencyKey, kind)
}

// DefaultTTL bounds how long markers are kept. Duplicates arriving later
// than this are caught by the state machine's conditional writes instead.
const DefaultTTL = 24 * time.Hour
