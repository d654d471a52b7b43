package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"freight/backend/features/job"
	"freight/backend/features/stats"
	"freight/backend/internal/adapter/httpsource"
	"freight/backend/internal/config"
	"freight/backend/internal/dispatch"
	"freight/backend/internal/metrics"
	"freight/backend/internal/middleware"
	"freight/backend/internal/worker"
)

type App struct {
	Handler http.Handler
	Service *job.Service
	Lanes   *dispatch.Lanes
	Pool    *worker.Pool

	cfg      *config.Config
	recorder *metrics.Recorder
}

func New(cfg *config.Config, db *sql.DB, taskPub dispatch.Publisher, logger *slog.Logger) (*App, error) {
	recorder := metrics.NewRecorder()

	// Ledger
	jobRepo := job.NewPostgresRepo(db)
	statsRepo := stats.NewPostgresRepo(db)

	// Record adapters
	fetchTimeout := time.Duration(cfg.RecordFetchTimeoutMS) * time.Millisecond
	reader := httpsource.NewReader(fetchTimeout)
	writer := httpsource.NewWriter(fetchTimeout)

	// Dispatch
	dispatcher := dispatch.NewDispatcher(taskPub, dispatch.Config{
		BatchTopic: config.TopicMigrateBatch,
		RetryTopic: config.TopicMigrateRetry,
	}, logger)
	lanes := dispatch.NewLanes(dispatch.LanesConfig{
		HighBurst:       cfg.HighLaneBurst,
		TenantMaxActive: cfg.TenantConcurrency,
		TenantRate:      cfg.TenantRateLimit,
	})

	// Feature: Job
	jobService := job.NewService(jobRepo, dispatcher, reader, job.Defaults{
		BatchSize:  cfg.DefaultBatchSize,
		MaxRetries: cfg.DefaultMaxRetries,
	}, logger)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(statsRepo)

	// Engine
	processor := worker.NewProcessor(jobRepo, writer,
		time.Duration(cfg.BatchTimeoutSeconds)*time.Second, logger)
	retryEngine := worker.NewRetryEngine(jobRepo, dispatcher, worker.RetryConfig{
		BackoffBase:  time.Duration(cfg.RetryBackoffBaseMS) * time.Millisecond,
		BackoffCap:   time.Duration(cfg.RetryBackoffCapMS) * time.Millisecond,
		BreakerRatio: cfg.CircuitBreakerRatio,
	}, logger)
	pool := worker.NewPool(lanes, jobRepo, processor, retryEngine, jobService, recorder,
		cfg.WorkerConcurrency, logger)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.TenantHeader)

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}
	tenantRoute := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(middleware.TenantID(enableCORS(h)))
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/jobs", tenantRoute(jobHandler.Create))
	mux.Handle("GET /api/v1/jobs", tenantRoute(jobHandler.List))
	mux.Handle("GET /api/v1/jobs/{id}", tenantRoute(jobHandler.Get))
	mux.Handle("POST /api/v1/jobs/{id}/start", tenantRoute(jobHandler.Start))
	mux.Handle("POST /api/v1/jobs/{id}/retry", tenantRoute(jobHandler.Retry))
	mux.Handle("DELETE /api/v1/jobs/{id}", tenantRoute(jobHandler.Cancel))
	mux.Handle("GET /api/v1/jobs/{id}/logs", tenantRoute(jobHandler.Logs))
	mux.Handle("GET /api/v1/jobs/{id}/logs/export", tenantRoute(jobHandler.ExportLogs))

	mux.Handle("GET /api/v1/stats/jobs", tenantRoute(statsHandler.GetStats))

	mux.Handle("GET /api/v1/workers/status", middleware.CorrelationID(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": pool.Status()}); err != nil {
				slog.ErrorContext(r.Context(), "failed to encode worker status", "error", err)
			}
		})))

	mux.Handle("GET /metrics", recorder.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","worker":"operational"}`))
	})

	return &App{
		Handler:  mux,
		Service:  jobService,
		Lanes:    lanes,
		Pool:     pool,
		cfg:      cfg,
		recorder: recorder,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.Pool.Start(ctx)

	// Keep the lane depth gauges fresh for scrapes.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				normal, high := a.Lanes.Depths()
				a.recorder.SetQueueDepths(normal, high)
			}
		}
	}()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		a.Lanes.Close()
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	a.Pool.Wait()
	return nil
}
