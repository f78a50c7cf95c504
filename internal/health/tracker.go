// Package health aggregates component signals into the status served by the
// operational endpoints. Components push observations; the tracker reduces
// them to healthy, degraded or unhealthy.
package health

import (
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Snapshot is a point-in-time view of orchestrator health.
type Snapshot struct {
	Status         Status        `json:"status"`
	Uptime         time.Duration `json:"-"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
	LogFailures    int           `json:"event_log_consecutive_failures"`
	LastLogError   string        `json:"last_error,omitempty"`
	ConsumerLag    float64       `json:"consumer_lag_seconds"`
	ReclaimBacklog int           `json:"reclaim_backlog"`
}

// Tracker is safe for concurrent use by the consumer loop, the reclaimer
// and the HTTP handlers.
type Tracker struct {
	mu sync.Mutex

	failureThreshold int
	startedAt        time.Time

	logFailures    int
	lastLogError   string
	consumerLag    time.Duration
	reclaimBacklog int
}

// NewTracker builds a tracker that turns unhealthy after failureThreshold
// consecutive event log failures.
func NewTracker(failureThreshold int) *Tracker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &Tracker{
		failureThreshold: failureThreshold,
		startedAt:        time.Now(),
	}
}

// ReportLogFailure records one failed event log call. Failures are counted
// consecutively; any success resets the counter.
func (t *Tracker) ReportLogFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logFailures++
	if err != nil {
		t.lastLogError = err.Error()
	}
}

func (t *Tracker) ReportLogSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logFailures = 0
	t.lastLogError = ""
}

func (t *Tracker) SetConsumerLag(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consumerLag = d
}

func (t *Tracker) SetReclaimBacklog(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reclaimBacklog = n
}

// Snapshot reduces the tracked signals to a status. Reaching the failure
// threshold means the orchestrator cannot make progress at all; a retry
// backlog or a nonzero failure streak below the threshold only degrades it.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := StatusHealthy
	switch {
	case t.logFailures >= t.failureThreshold:
		status = StatusUnhealthy
	case t.logFailures > 0 || t.reclaimBacklog > 0:
		status = StatusDegraded
	}

	uptime := time.Since(t.startedAt)

	return Snapshot{
		Status:         status,
		Uptime:         uptime,
		UptimeSeconds:  uptime.Seconds(),
		LogFailures:    t.logFailures,
		LastLogError:   t.lastLogError,
		ConsumerLag:    t.consumerLag.Seconds(),
		ReclaimBacklog: t.reclaimBacklog,
	}
}
