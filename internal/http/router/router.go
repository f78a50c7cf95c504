package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"majordomo.app/conductor/core/db"
	"majordomo.app/conductor/internal/health"
	"majordomo.app/conductor/internal/http/handler"
	"majordomo.app/conductor/internal/idempotency"
	"majordomo.app/conductor/internal/metrics"
	"majordomo.app/conductor/internal/run"
)

// Dependencies carries everything the operational surface needs. Redis and
// DB may be nil in tests; the affected endpoints degrade gracefully.
type Dependencies struct {
	Store   run.Store
	Tracker *health.Tracker
	DB      *db.DB
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Guard   idempotency.Guard

	RunStream    string
	DLQStream    string
	StatusStream string
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	healthHandler := handler.NewHealthHandler(deps.Tracker, deps.DB, deps.Redis)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		runHandler := handler.NewRunHandler(deps.Store)
		RunRouter(v1.Group("/runs"), runHandler)

		dlqHandler := handler.NewDLQHandler(deps.Redis, deps.Guard, deps.DLQStream, deps.RunStream)
		DLQRouter(v1.Group("/dlq"), dlqHandler)

		statusHandler := handler.NewStatusStreamHandler(deps.Redis, deps.StatusStream)
		StatusRouter(v1.Group("/status"), statusHandler)
	}
}
