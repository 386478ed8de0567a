package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AoaoMH/Aether/config"
	dcache "github.com/AoaoMH/Aether/internal/cache"
	"github.com/AoaoMH/Aether/internal/ctxkeys"
	"github.com/AoaoMH/Aether/internal/database"
	"github.com/AoaoMH/Aether/internal/metrics"
	"github.com/AoaoMH/Aether/internal/server"
	"github.com/AoaoMH/Aether/internal/telemetry"

	"github.com/AoaoMH/Aether/dispatch/adapter"
	"github.com/AoaoMH/Aether/dispatch/affinity"
	"github.com/AoaoMH/Aether/dispatch/availability"
	"github.com/AoaoMH/Aether/dispatch/candidate"
	"github.com/AoaoMH/Aether/dispatch/executor"
	"github.com/AoaoMH/Aether/dispatch/failover"
	"github.com/AoaoMH/Aether/dispatch/ratelimit"
	"github.com/AoaoMH/Aether/dispatch/signature"
	"github.com/AoaoMH/Aether/providers"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch core (health + metrics endpoints)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// app holds every long-lived dispatch component wired together, the same
// shape the teacher's cmd/agentflow.Server aggregates its HTTP/metrics/DB
// handles into.
type app struct {
	engine   *failover.Engine
	resolver *candidate.Service
	registry *adapter.Registry
	guard    *ratelimit.Guard
	cache    *dcache.Manager
	metrics  *metrics.Collector
	dbPool   *database.PoolManager
	logger   *zap.Logger
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting agentflow-dispatch",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer otelProviders.Shutdown(context.Background())

	dbPool, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbPool.Close()

	cacheMgr, err := newCacheManager(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}

	a, err := buildApp(cfg, dbPool.DB(), cacheMgr, logger)
	if err != nil {
		return err
	}
	a.dbPool = dbPool

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	mgr := server.NewManager(httpMetricsMiddleware(a.metrics, mux), srvCfg, logger)
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	logger.Info("dispatch core ready",
		zap.String("addr", mgr.Addr()),
		zap.String("priority_mode", cfg.Dispatch.PriorityMode),
		zap.String("scheduling_mode", cfg.Dispatch.SchedulingMode),
	)

	go reportDBPoolStats(a.dbPool, a.metrics)

	mgr.WaitForShutdown()
	logger.Info("agentflow-dispatch stopped")
	return nil
}

// httpMetricsMiddleware records every request's method/path/status/
// duration through collector, the same RecordHTTPRequest call the
// teacher's own HTTP middleware makes.
func httpMetricsMiddleware(collector *metrics.Collector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := ctxkeys.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		rw := &statusRecordingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))
		collector.RecordHTTPRequest(r.Method, r.URL.Path, rw.status, time.Since(start), r.ContentLength, 0)
	})
}

type statusRecordingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusRecordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// reportDBPoolStats polls the connection pool's stats into the
// database metrics gauge every 15s until the process exits.
func reportDBPoolStats(pool *database.PoolManager, collector *metrics.Collector) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := pool.GetStats()
		collector.RecordDBConnections("primary", stats.OpenConnections, stats.Idle)
	}
}

// buildApp wires the Provider Adapter Registry, Candidate Service, and
// Failover Engine (C12+C13) named in spec.md §2's dependency graph from
// the opened db/cache handles.
func buildApp(cfg *config.Config, db *gorm.DB, cacheMgr *dcache.Manager, logger *zap.Logger) (*app, error) {
	registry := adapter.NewRegistry()
	providers.RegisterAll(registry)

	sigReg := signature.NewRegistry()
	avail := availability.New(db, logger)
	aff := affinity.New(cacheMgr, cfg.Dispatch.AffinityTTL, logger)
	resolver := candidate.New(avail, aff, sigReg, logger)

	guard := ratelimit.NewGuard(cacheMgr)
	exec := executor.New(guard, logger)
	recorder := candidate.NewRecorder(db, logger)
	engine := failover.New(exec, recorder, logger)

	collector := metrics.NewCollector("agentflow_dispatch", logger)

	return &app{
		engine:   engine,
		resolver: resolver,
		registry: registry,
		guard:    guard,
		cache:    cacheMgr,
		metrics:  collector,
		logger:   logger,
	}, nil
}
