package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"majordomo.app/conductor/internal/backoff"
	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/idempotency"
	"majordomo.app/conductor/internal/metrics"
	"majordomo.app/conductor/internal/model"
	"majordomo.app/conductor/internal/planner"
	"majordomo.app/conductor/internal/retry"
	"majordomo.app/conductor/internal/run"
	"majordomo.app/conductor/internal/status"
	"majordomo.app/conductor/internal/worker"
)

const (
	runStream    = "runs"
	statusStream = "run_status"
	dlqStream    = "runs_dlq"
)

var _ = Describe("Processor", func() {
	var (
		ctx       context.Context
		log       *eventlog.MemoryLog
		guard     *mockGuard
		store     *mockStore
		met       *metrics.Metrics
		processor *worker.Processor
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = eventlog.NewMemoryLog(runStream, 16, time.Minute)
		guard = &mockGuard{inner: idempotency.NewMemoryGuard(time.Hour)}
		store = &mockStore{inner: run.NewMemoryStore()}
		met = metrics.New()

		emitter := status.NewEmitter(log, statusStream)
		manager := retry.NewManager(log, retry.ManagerConfig{
			RunStream:   runStream,
			DLQStream:   dlqStream,
			MaxAttempts: 3,
		}, backoff.Processing(), met)

		processor = worker.NewProcessor(log, guard, planner.New(), store, emitter, manager, met)
	})

	publish := func(kind model.EventKind, key string, payload any) {
		body, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		_, err = log.Publish(ctx, runStream, eventlog.EncodeMessage(kind, key, body, 0, time.Now().UTC()))
		Expect(err).NotTo(HaveOccurred())
	}

	processNext := func() {
		msgs, err := log.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).NotTo(BeEmpty())
		for _, msg := range msgs {
			Expect(processor.Process(ctx, msg)).To(Succeed())
		}
	}

	statusEvents := func() []model.StatusEvent {
		entries := log.Entries(statusStream)
		out := make([]model.StatusEvent, 0, len(entries))
		for _, entry := range entries {
			ev, err := eventlog.ParseStatus(entry.Values)
			Expect(err).NotTo(HaveOccurred())
			out = append(out, ev)
		}
		return out
	}

	statuses := func() []model.RunStatus {
		events := statusEvents()
		out := make([]model.RunStatus, len(events))
		for i, ev := range events {
			out[i] = ev.Status
		}
		return out
	}

	runRequest := func(runID, intent string) model.RunRequest {
		return model.RunRequest{
			SchemaVersion:  model.SchemaVersion,
			RunID:          runID,
			Intent:         intent,
			CorrelationID:  "corr-" + runID,
			IdempotencyKey: runID,
			CreatedAt:      time.Now().UTC(),
		}
	}

	handlerEvent := func(runID string, reason *string) model.HandlerEvent {
		return model.HandlerEvent{
			SchemaVersion: model.SchemaVersion,
			RunID:         runID,
			CorrelationID: "corr-" + runID,
			Reason:        reason,
			EmittedAt:     time.Now().UTC(),
		}
	}

	Context("when a run request arrives", func() {
		It("should create the run and start it", func() {
			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusStarted))
			Expect(r.Department).To(Equal(model.DepartmentResearch))
			Expect(r.Intent).To(Equal("research.market.competitors"))
			Expect(r.AttemptCount).To(BeZero())

			Expect(statuses()).To(Equal([]model.RunStatus{model.RunStatusStarted}))
			Expect(log.PendingCount()).To(BeZero())
		})

		It("should skip duplicate deliveries", func() {
			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusStarted))

			Expect(statuses()).To(Equal([]model.RunStatus{model.RunStatusStarted}))
			Expect(log.PendingCount()).To(BeZero())
		})

		It("should fail the run immediately when the intent routes nowhere", func() {
			publish(model.EventKindRunRequested, "r2", runRequest("r2", "marketing.launch"))
			processNext()

			r, err := store.Get(ctx, "r2")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(r.FailureReason).To(HaveValue(Equal("unknown_intent")))

			Expect(statuses()).To(Equal([]model.RunStatus{model.RunStatusFailed}))
			Expect(log.Entries(runStream)).To(HaveLen(1))
			Expect(log.Entries(dlqStream)).To(BeEmpty())
			Expect(log.PendingCount()).To(BeZero())
		})

		It("should fail the run when the intent has no action", func() {
			publish(model.EventKindRunRequested, "r3", runRequest("r3", "research"))
			processNext()

			r, err := store.Get(ctx, "r3")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(r.FailureReason).To(HaveValue(Equal("missing_action")))
		})

		It("should drop requests without a run id", func() {
			publish(model.EventKindRunRequested, "poison-1", runRequest("", "research.market.competitors"))
			processNext()

			runs, err := store.List(ctx, run.ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(BeEmpty())

			Expect(statusEvents()).To(BeEmpty())
			Expect(log.PendingCount()).To(BeZero())
		})

		It("should drop undecodable payloads", func() {
			_, err := log.Publish(ctx, runStream,
				eventlog.EncodeMessage(model.EventKindRunRequested, "poison-2", []byte("not json"), 0, time.Now().UTC()))
			Expect(err).NotTo(HaveOccurred())
			processNext()

			runs, err := store.List(ctx, run.ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(BeEmpty())

			Expect(statusEvents()).To(BeEmpty())
			Expect(log.Entries(runStream)).To(HaveLen(1))
			Expect(log.PendingCount()).To(BeZero())
		})
	})

	Context("when handler events arrive", func() {
		BeforeEach(func() {
			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			processNext()
		})

		It("should advance the run through running to completed", func() {
			publish(model.EventKindExecutionBegun, "r1-begun", handlerEvent("r1", nil))
			processNext()
			publish(model.EventKindExecutionCompleted, "r1-done", handlerEvent("r1", nil))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusCompleted))
			Expect(r.FinishedAt).NotTo(BeNil())

			Expect(statuses()).To(Equal([]model.RunStatus{
				model.RunStatusStarted,
				model.RunStatusRunning,
				model.RunStatusCompleted,
			}))
			Expect(log.PendingCount()).To(BeZero())
		})

		It("should record the reason a handler reports on failure", func() {
			publish(model.EventKindExecutionBegun, "r1-begun", handlerEvent("r1", nil))
			processNext()

			reason := "handler timeout"
			publish(model.EventKindExecutionFailed, "r1-fail", handlerEvent("r1", &reason))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(r.FailureReason).To(HaveValue(Equal("handler timeout")))

			events := statusEvents()
			Expect(events).To(HaveLen(3))
			Expect(events[2].Status).To(Equal(model.RunStatusFailed))
			Expect(events[2].Reason).To(HaveValue(Equal("handler timeout")))
		})

		It("should fall back to the event kind when a failure has no reason", func() {
			publish(model.EventKindExecutionBegun, "r1-begun", handlerEvent("r1", nil))
			processNext()
			publish(model.EventKindExecutionFailed, "r1-fail", handlerEvent("r1", nil))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.FailureReason).To(HaveValue(Equal("execution_failed")))
		})

		It("should drop completion reports that skip the running stage", func() {
			publish(model.EventKindExecutionCompleted, "r1-early", handlerEvent("r1", nil))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusStarted))

			Expect(statuses()).To(Equal([]model.RunStatus{model.RunStatusStarted}))
			Expect(log.PendingCount()).To(BeZero())
		})

		It("should re-emit the status when a duplicate lands after the fact", func() {
			publish(model.EventKindExecutionBegun, "r1-begun", handlerEvent("r1", nil))
			processNext()
			publish(model.EventKindExecutionCompleted, "r1-done", handlerEvent("r1", nil))
			processNext()

			// Same terminal report again under a fresh producer key, as a
			// handler restart would send it.
			publish(model.EventKindExecutionCompleted, "r1-done-retry", handlerEvent("r1", nil))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusCompleted))

			Expect(statuses()).To(Equal([]model.RunStatus{
				model.RunStatusStarted,
				model.RunStatusRunning,
				model.RunStatusCompleted,
				model.RunStatusCompleted,
			}))
		})

		It("should retry handler events that outrun their run request", func() {
			before := time.Now()
			publish(model.EventKindExecutionBegun, "ghost-begun", handlerEvent("ghost", nil))
			processNext()

			_, err := store.Get(ctx, "ghost")
			Expect(err).To(MatchError(run.ErrNotFound))

			entries := log.Entries(runStream)
			Expect(entries).To(HaveLen(3))

			requeued, err := eventlog.ParseMessage(entries[2].ID, entries[2].Values)
			Expect(err).NotTo(HaveOccurred())
			Expect(requeued.Kind).To(Equal(model.EventKindExecutionBegun))
			Expect(requeued.Retries).To(Equal(1))
			Expect(requeued.NotBefore).To(BeTemporally(">", before))

			Expect(log.PendingCount()).To(BeZero())
		})
	})

	Context("when the store fails transiently", func() {
		It("should requeue the event and process the redelivery cleanly", func() {
			calls := 0
			store.transitionFn = func(ctx context.Context, req run.TransitionRequest) (*model.Run, bool, error) {
				calls++
				if calls == 1 {
					return nil, false, errors.New("connection reset")
				}
				return store.inner.Transition(ctx, req)
			}

			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusQueued))
			Expect(r.AttemptCount).To(Equal(int32(1)))
			Expect(statusEvents()).To(BeEmpty())
			Expect(log.Entries(runStream)).To(HaveLen(2))
			Expect(log.PendingCount()).To(BeZero())

			// The redelivery must not be mistaken for a duplicate: the
			// failure path released the idempotency marker.
			processNext()

			r, err = store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusStarted))
			Expect(statuses()).To(Equal([]model.RunStatus{model.RunStatusStarted}))
		})

		It("should dead letter after the retry budget and fail the run", func() {
			store.transitionFn = func(ctx context.Context, req run.TransitionRequest) (*model.Run, bool, error) {
				if req.To == model.RunStatusStarted {
					return nil, false, errors.New("department table locked")
				}
				return store.inner.Transition(ctx, req)
			}

			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			for i := 0; i < 4; i++ {
				processNext()
			}

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusFailed))
			Expect(r.FailureReason).To(HaveValue(Equal(worker.FailureReasonExhausted)))
			Expect(r.AttemptCount).To(Equal(int32(4)))

			dlq := log.Entries(dlqStream)
			Expect(dlq).To(HaveLen(1))
			entry, err := eventlog.ParseDeadLetter(dlq[0].ID, dlq[0].Values)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Kind).To(Equal(model.EventKindRunRequested))
			Expect(entry.IdempotencyKey).To(Equal("r1"))
			Expect(entry.AttemptCount).To(Equal(3))
			Expect(entry.LastError).To(ContainSubstring("department table locked"))

			Expect(statuses()).To(Equal([]model.RunStatus{model.RunStatusFailed}))
			Expect(log.Entries(runStream)).To(HaveLen(4))
			Expect(log.PendingCount()).To(BeZero())
		})
	})

	Context("when the idempotency guard is unavailable", func() {
		It("should process the event anyway", func() {
			guard.checkAndMarkFn = func(ctx context.Context, key string) (bool, error) {
				return false, errors.New("guard store down")
			}

			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusStarted))
			Expect(statuses()).To(Equal([]model.RunStatus{model.RunStatusStarted}))
		})
	})

	Context("when dispatch panics", func() {
		It("should convert the panic into a retry", func() {
			calls := 0
			store.transitionFn = func(ctx context.Context, req run.TransitionRequest) (*model.Run, bool, error) {
				calls++
				if calls == 1 {
					panic("nil department row")
				}
				return store.inner.Transition(ctx, req)
			}

			publish(model.EventKindRunRequested, "r1", runRequest("r1", "research.market.competitors"))
			processNext()

			entries := log.Entries(runStream)
			Expect(entries).To(HaveLen(2))
			requeued, err := eventlog.ParseMessage(entries[1].ID, entries[1].Values)
			Expect(err).NotTo(HaveOccurred())
			Expect(requeued.Retries).To(Equal(1))
			Expect(log.PendingCount()).To(BeZero())

			processNext()

			r, err := store.Get(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Status).To(Equal(model.RunStatusStarted))
		})
	})
})
