package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"majordomo.app/conductor/common/id"
	"majordomo.app/conductor/common/logger"
	"majordomo.app/conductor/common/otel"
	"majordomo.app/conductor/core/config"
	"majordomo.app/conductor/core/db"
	"majordomo.app/conductor/internal/backoff"
	"majordomo.app/conductor/internal/eventlog"
	"majordomo.app/conductor/internal/health"
	"majordomo.app/conductor/internal/http/middleware"
	httprouter "majordomo.app/conductor/internal/http/router"
	"majordomo.app/conductor/internal/idempotency"
	"majordomo.app/conductor/internal/metrics"
	"majordomo.app/conductor/internal/planner"
	"majordomo.app/conductor/internal/retry"
	"majordomo.app/conductor/internal/run"
	"majordomo.app/conductor/internal/status"
	"majordomo.app/conductor/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "conductor starting",
		"env", cfg.Env,
		"consumer_group", cfg.Consumer.Group,
		"consumer_name", cfg.Consumer.Name)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to run store", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	store := run.NewPostgresStore(database)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to ensure run schema", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "run store connected")

	redisOpts, err := redis.ParseURL(cfg.EventLog.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse event log url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to event log", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "event log connected", "stream", cfg.EventLog.RunStream)

	tracker := health.NewTracker(cfg.EventLog.FailureThreshold)
	met := metrics.New()

	log, err := eventlog.NewRedisLog(redisClient, eventlog.RedisConfig{
		Stream:     cfg.EventLog.RunStream,
		Group:      cfg.Consumer.Group,
		Consumer:   cfg.Consumer.Name,
		BatchSize:  cfg.Consumer.BatchSize,
		Block:      cfg.Consumer.BlockTimeout,
		MinIdle:    cfg.Consumer.StaleClaimIdle,
		ClaimBatch: cfg.Consumer.ReclaimBatch,
	}, tracker, met)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create event log consumer", "error", err)
		os.Exit(1)
	}

	guard := idempotency.NewRedisGuard(redisClient, cfg.Idem.TTL)

	pl := planner.New()
	if cfg.Routing.Path != "" {
		table, err := planner.LoadTable(cfg.Routing.Path)
		if err != nil {
			slog.ErrorContext(ctx, "failed to load routing table", "error", err)
			os.Exit(1)
		}
		pl = planner.NewWithTable(table)
		slog.InfoContext(ctx, "routing table loaded", "path", cfg.Routing.Path, "intents", len(table))
	}

	emitter := status.NewEmitter(log, cfg.EventLog.StatusStream)

	manager := retry.NewManager(log, retry.ManagerConfig{
		RunStream:   cfg.EventLog.RunStream,
		DLQStream:   cfg.EventLog.DLQStream,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, backoff.Processing(), met)

	processor := worker.NewProcessor(log, guard, pl, store, emitter, manager, met)

	pool := worker.NewPool(log, processor, worker.PoolConfig{
		Lanes: cfg.Consumer.WorkerCount,
	})

	reclaimer := worker.NewReclaimer(log, pool, worker.ReclaimerConfig{
		Interval: cfg.Consumer.ReclaimInterval,
	}, met)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, httprouter.Dependencies{
		Store:        store,
		Tracker:      tracker,
		DB:           database,
		Redis:        redisClient,
		Metrics:      met,
		Guard:        guard,
		RunStream:    cfg.EventLog.RunStream,
		DLQStream:    cfg.EventLog.DLQStream,
		StatusStream: cfg.EventLog.StatusStream,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTP.HealthPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.HTTP.HealthPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	var metricsServer *http.Server
	if cfg.HTTP.MetricsPort != cfg.HTTP.HealthPort {
		metricsServer = startMetricsServer(ctx, cfg.HTTP.MetricsPort, met)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- pool.Run(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "conductor running",
		"lanes", cfg.Consumer.WorkerCount,
		"max_attempts", cfg.Retry.MaxAttempts)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop reclaimer first (quick), then drain the lanes
	reclaimer.Stop()
	pool.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "metrics server shutdown error", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, deps httprouter.Dependencies) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, deps)

	return router
}

// startMetricsServer serves /metrics on its own listener when METRICS_PORT
// differs from HEALTH_PORT, for deployments that firewall the two apart.
func startMetricsServer(ctx context.Context, port string, met *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(met.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "metrics server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "metrics server error", "error", err)
		}
	}()

	return server
}

const banner = `
 ██████╗ ██████╗ ███╗   ██╗██████╗ ██╗   ██╗ ██████╗████████╗ ██████╗ ██████╗
██╔════╝██╔═══██╗████╗  ██║██╔══██╗██║   ██║██╔════╝╚══██╔══╝██╔═══██╗██╔══██╗
██║     ██║   ██║██╔██╗ ██║██║  ██║██║   ██║██║        ██║   ██║   ██║██████╔╝
██║     ██║   ██║██║╚██╗██║██║  ██║██║   ██║██║        ██║   ██║   ██║██╔══██╗
╚██████╗╚██████╔╝██║ ╚████║██████╔╝╚██████╔╝╚██████╗   ██║   ╚██████╔╝██║  ██║
 ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝╚═════╝  ╚═════╝  ╚═════╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝
`
