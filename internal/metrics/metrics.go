// Package metrics exposes the orchestrator's Prometheus collectors. One
// Metrics value is shared by all components and registered on a single
// registry served from the operational HTTP listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	planningDuration    prometheus.Histogram
	processingDuration  *prometheus.HistogramVec
	consumerLag         prometheus.Gauge
	reclaimBacklog      prometheus.Gauge
	retryTotal          *prometheus.CounterVec
	deadLetterTotal     prometheus.Counter
	duplicatesTotal     prometheus.Counter
	poisonTotal         prometheus.Counter
	invariantViolations prometheus.Counter
	reclaimedTotal      prometheus.Counter
	logFailures         prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_runs_total",
			Help: "Run status transitions applied, labelled by resulting status.",
		}, []string{"status"}),
		planningDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_planning_duration_seconds",
			Help:    "Time spent resolving an intent to a department plan.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_processing_duration_seconds",
			Help:    "End-to-end handling time per event kind.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind"}),
		consumerLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_consumer_lag_seconds",
			Help: "Age of the oldest pending message for this consumer group.",
		}),
		reclaimBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_reclaim_backlog",
			Help: "Messages pending past the stale-claim idle window.",
		}),
		retryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_retry_total",
			Help: "Run events requeued for another attempt, labelled by failure reason.",
		}, []string{"reason"}),
		deadLetterTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_dead_letter_total",
			Help: "Run events moved to the dead letter stream.",
		}),
		duplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_duplicates_skipped_total",
			Help: "Deliveries skipped because the idempotency key was already processed.",
		}),
		poisonTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_poison_messages_total",
			Help: "Messages acked without processing because the envelope would not parse.",
		}),
		invariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_invariant_violations_total",
			Help: "Events dropped because they asked for an illegal status transition.",
		}),
		reclaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_reclaimed_total",
			Help: "Stale pending messages claimed from dead consumers.",
		}),
		logFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_event_log_failures_total",
			Help: "Failed calls to the event log, before internal retries succeed.",
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRunStatus(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePlanning(d time.Duration) {
	m.planningDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveProcessing(kind string, d time.Duration) {
	m.processingDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetConsumerLag(d time.Duration) {
	m.consumerLag.Set(d.Seconds())
}

func (m *Metrics) SetReclaimBacklog(n int) {
	m.reclaimBacklog.Set(float64(n))
}

func (m *Metrics) RecordRetry(reason string) {
	m.retryTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDeadLetter() {
	m.deadLetterTotal.Inc()
}

func (m *Metrics) RecordDuplicateSkipped() {
	m.duplicatesTotal.Inc()
}

func (m *Metrics) RecordPoisonMessage() {
	m.poisonTotal.Inc()
}

func (m *Metrics) RecordInvariantViolation() {
	m.invariantViolations.Inc()
}

func (m *Metrics) RecordReclaimed(n int) {
	m.reclaimedTotal.Add(float64(n))
}

func (m *Metrics) RecordLogFailure() {
	m.logFailures.Inc()
}
