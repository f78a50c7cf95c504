// Package worker consumes the run stream and drives the run lifecycle. The
// processor owns the semantics of one delivery; the pool owns concurrency
// and per-run ordering; the reclaimer recovers deliveries lost to crashed
// consumers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"majordomo.app/conductor/common/logger"
	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/idempotency"
	"majordomo.app/conductor/internal/metrics"
	"majordomo.app/conductor/internal/model"
	"majordomo.app/conductor/internal/planner"
	"majordomo.app/conductor/internal/retry"
	"majordomo.app/conductor/internal/run"
	"majordomo.app/conductor/internal/status"
)

// FailureReasonExhausted is recorded on a run whose event exhausted its
// retry budget and moved to the dead letter stream.
const FailureReasonExhausted = "retries_exhausted"

type Processor struct {
	log     eventlog.Log
	guard   idempotency.Guard
	planner *planner.Planner
	store   run.Store
	emitter *status.Emitter
	manager *retry.Manager
	metrics *metrics.Metrics
}

func NewProcessor(
	log eventlog.Log,
	guard idempotency.Guard,
	pl *planner.Planner,
	store run.Store,
	emitter *status.Emitter,
	manager *retry.Manager,
	met *metrics.Metrics,
) *Processor {
	return &Processor{
		log:     log,
		guard:   guard,
		planner: pl,
		store:   store,
		emitter: emitter,
		manager: manager,
		metrics: met,
	}
}

// dispatchResult carries the bookkeeping the failure path needs: which run
// the message belonged to and which idempotency marker was claimed.
type dispatchResult struct {
	runID    string
	guardKey string
}

// Process fully handles one delivery: dispatch, ack and failure routing.
// It returns an error only when even the failure routing could not reach
// the log; the message then stays pending and is recovered by reclaim.
func (p *Processor) Process(ctx context.Context, msg eventlog.Message) error {
	start := time.Now()
	kind := string(msg.Kind)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msg.ID,
		EventKind: &kind,
		Component: "conductor.worker",
	})

	res, err := p.dispatchSafe(ctx, msg)

	p.metrics.ObserveProcessing(kind, time.Since(start))

	if err == nil {
		if ackErr := p.log.Ack(ctx, msg.ID); ackErr != nil {
			// Reclaim will redeliver; the guard and the conditional
			// writes make the repeat harmless.
			slog.WarnContext(ctx, "failed to ack message",
				"error", ackErr,
				"message_id", msg.ID)
		}
		return nil
	}

	return p.handleFailure(ctx, msg, res, err)
}

func (p *Processor) dispatchSafe(ctx context.Context, msg eventlog.Message) (res dispatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.dispatch(ctx, msg)
}

func (p *Processor) dispatch(ctx context.Context, msg eventlog.Message) (dispatchResult, error) {
	switch msg.Kind {
	case model.EventKindRunRequested:
		return p.handleRunRequested(ctx, msg)
	case model.EventKindExecutionBegun:
		return p.handleHandlerEvent(ctx, msg, model.RunStatusRunning)
	case model.EventKindExecutionCompleted:
		return p.handleHandlerEvent(ctx, msg, model.RunStatusCompleted)
	case model.EventKindExecutionFailed:
		return p.handleHandlerEvent(ctx, msg, model.RunStatusFailed)
	default:
		// ParseMessage rejects unknown kinds before they get here.
		p.dropPoison(ctx, msg, fmt.Errorf("unhandled kind %q", msg.Kind))
		return dispatchResult{}, nil
	}
}

func (p *Processor) handleRunRequested(ctx context.Context, msg eventlog.Message) (dispatchResult, error) {
	var req model.RunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		p.dropPoison(ctx, msg, fmt.Errorf("decoding run request: %w", err))
		return dispatchResult{}, nil
	}
	if req.RunID == "" {
		p.dropPoison(ctx, msg, errors.New("run request without run_id"))
		return dispatchResult{}, nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:         &req.RunID,
		CorrelationID: &req.CorrelationID,
		Intent:        &req.Intent,
	})

	res := dispatchResult{runID: req.RunID}

	first, guardKey := p.checkGuard(ctx, msg)
	if !first {
		return res, nil
	}
	res.guardKey = guardKey

	created, err := p.store.CreateIfAbsent(ctx, &model.Run{
		RunID:          req.RunID,
		Status:         model.RunStatusQueued,
		Intent:         req.Intent,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: msg.IdempotencyKey,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		return res, fmt.Errorf("creating run: %w", err)
	}
	if created {
		slog.InfoContext(ctx, "run created", "status", string(model.RunStatusQueued))
	}

	planStart := time.Now()
	plan, planErr := p.planner.Plan(req.Intent)
	p.metrics.ObservePlanning(time.Since(planStart))

	if planErr != nil {
		var perr *planner.Error
		if errors.As(planErr, &perr) {
			// Deterministic rejection: the run fails now and the message
			// is acked. Retrying the same intent can never succeed.
			reason := string(perr.Kind)
			slog.WarnContext(ctx, "intent rejected by planner", "reason", reason)
			if err := p.applyTransition(ctx, run.TransitionRequest{
				RunID:  req.RunID,
				To:     model.RunStatusFailed,
				Reason: &reason,
			}); err != nil {
				return res, err
			}
			return res, nil
		}
		return res, fmt.Errorf("planning: %w", planErr)
	}

	department := string(plan.Department)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Department: &department})

	slog.InfoContext(ctx, "run planned",
		"department", department,
		"action", plan.Action,
		"steps", len(plan.Steps))

	if err := p.applyTransition(ctx, run.TransitionRequest{
		RunID:      req.RunID,
		To:         model.RunStatusStarted,
		Department: plan.Department,
	}); err != nil {
		return res, err
	}

	return res, nil
}

func (p *Processor) handleHandlerEvent(ctx context.Context, msg eventlog.Message, target model.RunStatus) (dispatchResult, error) {
	var ev model.HandlerEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		p.dropPoison(ctx, msg, fmt.Errorf("decoding handler event: %w", err))
		return dispatchResult{}, nil
	}
	if ev.RunID == "" {
		p.dropPoison(ctx, msg, errors.New("handler event without run_id"))
		return dispatchResult{}, nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:         &ev.RunID,
		CorrelationID: &ev.CorrelationID,
	})

	res := dispatchResult{runID: ev.RunID}

	first, guardKey := p.checkGuard(ctx, msg)
	if !first {
		return res, nil
	}
	res.guardKey = guardKey

	var reason *string
	if target == model.RunStatusFailed {
		reason = ev.Reason
		if reason == nil {
			fallback := string(model.EventKindExecutionFailed)
			reason = &fallback
		}
	}

	if err := p.applyTransition(ctx, run.TransitionRequest{
		RunID:  ev.RunID,
		To:     target,
		Reason: reason,
	}); err != nil {
		// An unknown run usually means the handler's event overtook the
		// run request across instances. Retry until the request lands.
		return res, err
	}

	return res, nil
}

// checkGuard claims the message's idempotency marker. Duplicates are
// counted and skipped; a broken guard store fails open because the
// conditional writes below are the authoritative defense.
func (p *Processor) checkGuard(ctx context.Context, msg eventlog.Message) (bool, string) {
	key := idempotency.Key(msg.IdempotencyKey, msg.Kind)

	first, err := p.guard.CheckAndMark(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "idempotency guard unavailable, processing anyway",
			"error", err,
			"idempotency_key", msg.IdempotencyKey)
		return true, key
	}
	if !first {
		p.metrics.RecordDuplicateSkipped()
		slog.InfoContext(ctx, "duplicate delivery skipped",
			"idempotency_key", msg.IdempotencyKey)
		return false, ""
	}
	return true, key
}

// applyTransition performs the conditional write and emits the resulting
// status event. A no-op against the same target status still re-emits, so
// a crash between the write and the emit cannot lose the event for good.
func (p *Processor) applyTransition(ctx context.Context, req run.TransitionRequest) error {
	r, applied, err := p.store.Transition(ctx, req)
	if err != nil {
		return fmt.Errorf("transitioning run to %s: %w", req.To, err)
	}

	if !applied && r.Status != req.To {
		p.metrics.RecordInvariantViolation()
		slog.WarnContext(ctx, "illegal transition dropped",
			"run_id", req.RunID,
			"recorded_status", string(r.Status),
			"requested_status", string(req.To))
		return nil
	}

	if applied {
		p.metrics.RecordRunStatus(string(req.To))
		slog.InfoContext(ctx, "run transitioned",
			"run_id", req.RunID,
			"status", string(req.To))
	}

	if err := p.emitter.Emit(ctx, r, req.Reason); err != nil {
		return fmt.Errorf("emitting status: %w", err)
	}
	return nil
}

// dropPoison acks a message that can never be processed. It is explained in
// the logs and counted, never retried and never dead lettered.
func (p *Processor) dropPoison(ctx context.Context, msg eventlog.Message, cause error) {
	p.metrics.RecordPoisonMessage()
	slog.ErrorContext(ctx, "dropping unprocessable message",
		"error", cause,
		"message_id", msg.ID,
		"kind", string(msg.Kind))
	if err := p.log.Ack(ctx, msg.ID); err != nil {
		slog.WarnContext(ctx, "failed to ack poison message",
			"error", err,
			"message_id", msg.ID)
	}
}

// handleFailure routes a transient failure: bump the run's attempt counter,
// release the idempotency marker so the redelivery is processed, then let
// the retry manager requeue or dead letter the message.
func (p *Processor) handleFailure(ctx context.Context, msg eventlog.Message, res dispatchResult, cause error) error {
	slog.ErrorContext(ctx, "message processing failed",
		"error", cause,
		"message_id", msg.ID,
		"attempt", msg.Retries)

	if res.runID != "" {
		if err := p.store.IncrementAttempts(ctx, res.runID); err != nil && !errors.Is(err, run.ErrNotFound) {
			slog.WarnContext(ctx, "failed to increment attempt count",
				"error", err,
				"run_id", res.runID)
		}
	}

	if res.guardKey != "" {
		if err := p.guard.Forget(ctx, res.guardKey); err != nil {
			slog.WarnContext(ctx, "failed to release idempotency marker",
				"error", err,
				"guard_key", res.guardKey)
		}
	}

	outcome, err := p.manager.HandleFailure(ctx, msg, cause)
	if err != nil {
		// Could not reach the log at all. Leave the message pending;
		// reclaim will hand it to a healthier consumer.
		return fmt.Errorf("routing failed message: %w", err)
	}

	if outcome.DeadLettered {
		p.failExhausted(ctx, msg.IdempotencyKey, res.runID)
	}

	return nil
}

// failExhausted marks the run failed after its event was dead lettered.
// Best effort: the dead letter entry is already durable, so errors here
// only mean the run record lags until an operator requeues or repairs it.
func (p *Processor) failExhausted(ctx context.Context, idempotencyKey, runID string) {
	if runID == "" {
		return
	}

	reason := FailureReasonExhausted
	if err := p.applyTransition(ctx, run.TransitionRequest{
		RunID:  runID,
		To:     model.RunStatusFailed,
		Reason: &reason,
	}); err != nil {
		slog.ErrorContext(ctx, "failed to mark run failed after dead letter",
			"error", err,
			"run_id", runID,
			"idempotency_key", idempotencyKey)
	}
}
