// Package handler implements the operational HTTP endpoints: health,
// readiness, run inspection and dead letter tooling. The orchestrator has
// no user-facing API; producers and dashboards talk to the log and the run
// store.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"majordomo.app/conductor/core/db"
	"majordomo.app/conductor/internal/health"
)

type HealthHandler struct {
	tracker *health.Tracker
	db      *db.DB
	redis   *redis.Client
}

func NewHealthHandler(tracker *health.Tracker, database *db.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{tracker: tracker, db: database, redis: redisClient}
}

// Health reports the aggregated component status. Degraded still returns
// 200 so orchestrators behind a load balancer are not killed while they
// work through a reclaim backlog.
func (h *HealthHandler) Health(c *gin.Context) {
	snapshot := h.tracker.Snapshot()

	code := http.StatusOK
	if snapshot.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, snapshot)
}

// Ready checks the two hard dependencies directly. Used as the readiness
// probe so instances join rotation only once they can actually process.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "event log unreachable"})
			return
		}
	}

	if h.db != nil {
		if err := h.db.Pool().Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "run store unreachable"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
