package worker_test

import (
	"context"
	"encoding/json"
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

func makeRequest(runID, intent string) model.RunRequest {
	return model.RunRequest{
		SchemaVersion:  model.SchemaVersion,
		RunID:          runID,
		Intent:         intent,
		CorrelationID:  "corr-" + runID,
		IdempotencyKey: runID,
		CreatedAt:      time.Now().UTC(),
	}
}

func makeHandlerEvent(runID string, reason *string) model.HandlerEvent {
	return model.HandlerEvent{
		SchemaVersion: model.SchemaVersion,
		RunID:         runID,
		CorrelationID: "corr-" + runID,
		Reason:        reason,
		EmittedAt:     time.Now().UTC(),
	}
}

var _ = Describe("Pool", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		log    *eventlog.MemoryLog
		store  run.Store
		met    *metrics.Metrics
		pool   *worker.Pool
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		log = eventlog.NewMemoryLog(runStream, 16, 30*time.Millisecond)
		store = run.NewMemoryStore()
		met = metrics.New()

		guard := idempotency.NewMemoryGuard(time.Hour)
		emitter := status.NewEmitter(log, statusStream)
		manager := retry.NewManager(log, retry.ManagerConfig{
			RunStream:   runStream,
			DLQStream:   dlqStream,
			MaxAttempts: 3,
		}, backoff.Processing(), met)
		processor := worker.NewProcessor(log, guard, planner.New(), store, emitter, manager, met)

		pool = worker.NewPool(log, processor, worker.PoolConfig{Lanes: 4})
	})

	AfterEach(func() {
		cancel()
	})

	publish := func(kind model.EventKind, key string, payload any) {
		body, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		_, err = log.Publish(ctx, runStream, eventlog.EncodeMessage(kind, key, body, 0, time.Now().UTC()))
		Expect(err).NotTo(HaveOccurred())
	}

	runStatusOf := func(runID string) model.RunStatus {
		r, err := store.Get(ctx, runID)
		if err != nil {
			return ""
		}
		return r.Status
	}

	statusesFor := func(runID string) []model.RunStatus {
		var out []model.RunStatus
		for _, entry := range log.Entries(statusStream) {
			ev, err := eventlog.ParseStatus(entry.Values)
			Expect(err).NotTo(HaveOccurred())
			if ev.RunID == runID {
				out = append(out, ev.Status)
			}
		}
		return out
	}

	It("should keep per-run order while runs proceed in parallel", func() {
		reason := "budget exceeded"
		publish(model.EventKindRunRequested, "r1", makeRequest("r1", "research.market.competitors"))
		publish(model.EventKindExecutionBegun, "r1", makeHandlerEvent("r1", nil))
		publish(model.EventKindExecutionCompleted, "r1", makeHandlerEvent("r1", nil))
		publish(model.EventKindRunRequested, "r2", makeRequest("r2", "finance.budget"))
		publish(model.EventKindExecutionBegun, "r2", makeHandlerEvent("r2", nil))
		publish(model.EventKindExecutionFailed, "r2", makeHandlerEvent("r2", &reason))

		go func() {
			defer GinkgoRecover()
			_ = pool.Run(ctx)
		}()

		Eventually(func() model.RunStatus { return runStatusOf("r1") }).Should(Equal(model.RunStatusCompleted))
		Eventually(func() model.RunStatus { return runStatusOf("r2") }).Should(Equal(model.RunStatusFailed))

		pool.Stop()

		Expect(statusesFor("r1")).To(Equal([]model.RunStatus{
			model.RunStatusStarted,
			model.RunStatusRunning,
			model.RunStatusCompleted,
		}))
		Expect(statusesFor("r2")).To(Equal([]model.RunStatus{
			model.RunStatusStarted,
			model.RunStatusRunning,
			model.RunStatusFailed,
		}))
		Expect(log.PendingCount()).To(BeZero())
	})

	It("should hold a requeued event until its backoff expires", func() {
		body, err := json.Marshal(makeRequest("r1", "research.market.competitors"))
		Expect(err).NotTo(HaveOccurred())

		original, err := eventlog.ParseMessage("0-1",
			eventlog.EncodeMessage(model.EventKindRunRequested, "r1", body, 0, time.Now().UTC()))
		Expect(err).NotTo(HaveOccurred())

		_, err = log.Publish(ctx, runStream,
			eventlog.EncodeRequeue(original, 1, time.Now().Add(200*time.Millisecond)))
		Expect(err).NotTo(HaveOccurred())

		go func() {
			defer GinkgoRecover()
			_ = pool.Run(ctx)
		}()

		Consistently(func() model.RunStatus { return runStatusOf("r1") }, "100ms", "20ms").Should(BeEmpty())
		Eventually(func() model.RunStatus { return runStatusOf("r1") }).Should(Equal(model.RunStatusStarted))

		pool.Stop()
	})

	Context("when a consumer crashes mid delivery", func() {
		It("should reclaim and process the stale delivery", func() {
			publish(model.EventKindRunRequested, "r1", makeRequest("r1", "research.market.competitors"))

			// Deliver without acking, as a consumer that died would leave it.
			msgs, err := log.Read(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))

			go func() {
				defer GinkgoRecover()
				_ = pool.Run(ctx)
			}()

			reclaimer := worker.NewReclaimer(log, pool, worker.ReclaimerConfig{
				Interval: 20 * time.Millisecond,
			}, met)
			go func() {
				defer GinkgoRecover()
				reclaimer.Run(ctx)
			}()

			Eventually(func() model.RunStatus { return runStatusOf("r1") }).Should(Equal(model.RunStatusStarted))
			Eventually(log.PendingCount).Should(BeZero())

			reclaimer.Stop()
			pool.Stop()
		})
	})
})
