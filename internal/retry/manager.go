// Package retry decides what happens to a run event after a processing
// failure: schedule another delivery with exponential backoff, or move the
// event to the dead letter stream once attempts are exhausted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"majordomo.app/conductor/common/logger"
	"majordomo.app/conductor/internal/backoff"
	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/metrics"
	"majordomo.app/conductor/internal/run"
)

// Outcome reports what HandleFailure did with a failed message.
type Outcome struct {
	// DeadLettered is true when the message was moved to the dead letter
	// stream instead of being requeued.
	DeadLettered bool

	// Attempt is the retry counter after the decision: the bumped counter
	// on requeue, the final counter on dead letter.
	Attempt int

	// Delay is the backoff applied before the next delivery. Zero on dead
	// letter.
	Delay time.Duration
}

type ManagerConfig struct {
	RunStream   string
	DLQStream   string
	MaxAttempts int
}

// Manager owns the requeue and dead letter mechanics for failed run events.
// The caller stays responsible for run-level consequences such as marking
// the run failed once attempts are exhausted.
type Manager struct {
	log     eventlog.Log
	cfg     ManagerConfig
	policy  backoff.Policy
	metrics *metrics.Metrics
}

func NewManager(log eventlog.Log, cfg ManagerConfig, policy backoff.Policy, met *metrics.Metrics) *Manager {
	return &Manager{
		log:     log,
		cfg:     cfg,
		policy:  policy,
		metrics: met,
	}
}

// MaxAttempts exposes the configured retry ceiling.
func (m *Manager) MaxAttempts() int {
	return m.cfg.MaxAttempts
}

// HandleFailure requeues the message with backoff, or moves it to the dead
// letter stream once the retry counter reaches the ceiling. In both branches
// the replacement is published before the original is acked, so a crash in
// between produces a duplicate delivery rather than a dropped event.
func (m *Manager) HandleFailure(ctx context.Context, msg eventlog.Message, cause error) (Outcome, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.retry",
	})

	if msg.Retries >= m.cfg.MaxAttempts {
		if err := m.deadLetter(ctx, msg, cause); err != nil {
			return Outcome{}, err
		}
		return Outcome{DeadLettered: true, Attempt: msg.Retries}, nil
	}

	next := msg.Retries + 1
	delay := m.policy.Delay(next)
	if err := m.requeue(ctx, msg, next, delay, cause); err != nil {
		return Outcome{}, err
	}
	return Outcome{Attempt: next, Delay: delay}, nil
}

func (m *Manager) requeue(ctx context.Context, msg eventlog.Message, retries int, delay time.Duration, cause error) error {
	values := eventlog.EncodeRequeue(msg, retries, time.Now().UTC().Add(delay))

	if _, err := m.log.Publish(ctx, m.cfg.RunStream, values); err != nil {
		return fmt.Errorf("publishing retry: %w", err)
	}

	if err := m.log.Ack(ctx, msg.ID); err != nil {
		// The replacement is already in the stream. The original will be
		// reclaimed and skipped as a duplicate.
		slog.WarnContext(ctx, "failed to ack requeued message",
			"error", err,
			"message_id", msg.ID)
	}

	m.metrics.RecordRetry(retryReason(cause))

	slog.WarnContext(ctx, "message requeued for retry",
		"message_id", msg.ID,
		"idempotency_key", msg.IdempotencyKey,
		"next_attempt", retries,
		"delay", delay.String())
	return nil
}

func (m *Manager) deadLetter(ctx context.Context, msg eventlog.Message, cause error) error {
	values := eventlog.EncodeDeadLetter(msg, msg.Retries, cause.Error(), time.Now().UTC())

	if _, err := m.log.Publish(ctx, m.cfg.DLQStream, values); err != nil {
		return fmt.Errorf("publishing to dead letter stream: %w", err)
	}

	if err := m.log.Ack(ctx, msg.ID); err != nil {
		slog.WarnContext(ctx, "failed to ack dead lettered message",
			"error", err,
			"message_id", msg.ID)
	}

	m.metrics.RecordDeadLetter()

	slog.ErrorContext(ctx, "max attempts reached, message sent to dead letter stream",
		"message_id", msg.ID,
		"idempotency_key", msg.IdempotencyKey,
		"attempts", msg.Retries,
		"final_error", cause.Error(),
		"dlq_stream", m.cfg.DLQStream)
	return nil
}

// retryReason buckets a failure cause into a bounded label value.
func retryReason(cause error) string {
	switch {
	case errors.Is(cause, run.ErrNotFound):
		return "missing_run"
	case strings.HasPrefix(cause.Error(), "panic:"):
		return "panic"
	default:
		return "transient"
	}
}
