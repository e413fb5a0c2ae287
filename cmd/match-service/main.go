// cmd/match-service/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"study-match/internal/common/camunda"
	"study-match/internal/common/config"
	"study-match/internal/common/database"
	"study-match/internal/common/logger"
	"study-match/internal/common/observability"
	"study-match/internal/matching/buffer"
	"study-match/internal/matching/discovery"
	"study-match/internal/matching/precompute"
	"study-match/internal/matching/scorecache"
	"study-match/internal/matching/scoring"
	"study-match/internal/presence"
	"study-match/internal/rerank"
	"study-match/internal/store"
	"study-match/pkg/registry"

	dc "study-match/internal/workers/discovery/discover-candidates"
	rmo "study-match/internal/workers/discovery/record-match-outcome"
	ps "study-match/internal/workers/precompute/precomputation-status"
	sp "study-match/internal/workers/precompute/schedule-precomputation"
)

const shutdownTimeout = 30 * time.Second

// retryWithBackoff runs operation until it succeeds or maxTries is spent,
// doubling the wait from initialDelay between attempts.
func retryWithBackoff(ctx context.Context, operation func() error, maxTries uint, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialDelay
	exp.MaxInterval = 30 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := operation()
		if err != nil && uint(attempt) < maxTries {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Uint("maxTries", maxTries),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(maxTries))
	if err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempt, err)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting match service...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name, log)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL ---
	var pg *database.PostgresClient
	err = retryWithBackoff(ctx, func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return err
		}
		return nil
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Redis ---
	var rdb *database.RedisClient
	err = retryWithBackoff(ctx, func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		if err := rdb.Ping(ctx); err != nil {
			rdb.Close()
			return err
		}
		return nil
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Zeebe ---
	zeebe, err := camunda.Connect(ctx, camunda.ClientConfigFromConfig(cfg.Camunda), log)
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	defer zeebe.Close()

	// --- Matching pipeline ---
	m := cfg.Matching
	profiles := store.New(pg.DB)
	cache := scorecache.New(rdb.Client, scorecache.OptionsFromConfig(m.Cache), log)
	online := presence.NewTracker(rdb.Client, m.Cache.KeyPrefix, time.Duration(m.Presence.OnlineTTL)*time.Second, log)
	scorer := scoring.New()
	reranker := rerank.NewClient(rerank.OptionsFromConfig(cfg.APIs), log)

	loader := discovery.NewLoader(profiles, cache, scorer, reranker, online, m.Discovery.CandidatePoolLimit, log)
	buffers, err := buffer.NewManager(loader, cache, buffer.OptionsFromConfig(m.Buffer), log)
	if err != nil {
		zapLog.Fatal("buffer manager init failed", zap.Error(err))
	}
	buffers.Start(ctx)
	defer buffers.Stop()

	orchestrator := discovery.NewOrchestrator(buffers, cache, profiles, online, discovery.OptionsFromConfig(m.Discovery), log)

	precomputer := precompute.NewService(profiles, cache, scorer, precompute.OptionsFromConfig(m.Precompute), obs, log)
	if m.Precompute.Enabled {
		if err := precomputer.Start(); err != nil {
			zapLog.Fatal("precompute scheduler failed to start", zap.Error(err))
		}
	}
	defer precomputer.Stop()

	// --- Workers ---
	workers := camunda.NewWorkerSet(zeebe.GetClient(), log)
	defer workers.Close()

	catalogue := registry.New(cfg.App.Version)
	for _, a := range activities(orchestrator, precomputer) {
		wcfg := config.GetWorkerConfig(cfg, a.TaskType)
		a.Timeout = config.GetDuration(wcfg.Timeout).String()
		a.Retries = wcfg.MaxRetries
		a.ImplementationStatus = registry.StatusDisabled
		if err := catalogue.Add(a.Activity); err != nil {
			zapLog.Fatal("activity registration failed", zap.Error(err))
		}
		if !wcfg.Enabled {
			continue
		}
		handler, err := a.build(wcfg, log)
		if err != nil {
			zapLog.Fatal("worker init failed", zap.String("taskType", a.TaskType), zap.Error(err))
		}
		if workers.Register(a.TaskType, wcfg, handler) {
			catalogue.SetStatus(a.TaskType, registry.StatusEnabled)
		}
	}

	zapLog.Info("Workers registered", zap.Strings("taskTypes", workers.TaskTypes()))

	// --- Health & Metrics Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]bool{
			"postgres": pg.Healthy(checkCtx),
			"redis":    cache.Healthy(checkCtx),
			"zeebe":    zeebe.HealthCheck(checkCtx) == nil,
		}
		code := http.StatusOK
		status := "ready"
		for _, ok := range checks {
			if !ok {
				code = http.StatusServiceUnavailable
				status = "degraded"
			}
		}
		writeStatus(w, code, map[string]interface{}{
			"status":            status,
			"checks":            checks,
			"postgresOpenConns": pg.Stats().OpenConnections,
		})
	})
	mux.HandleFunc("/precompute/stats", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, precomputer.GetPerformanceStats())
	})
	mux.HandleFunc("/activities", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, catalogue.Snapshot())
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping health server", zap.Error(err))
	}

	// Deferred calls close workers first, then the pipeline, then the clients.
	zapLog.Info("Match service stopping")
}

func writeStatus(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

type activity struct {
	registry.Activity
	build func(wcfg config.WorkerConfig, log logger.Logger) (camunda.JobHandler, error)
}

func activities(orchestrator *discovery.Orchestrator, precomputer *precompute.Service) []activity {
	return []activity{
		{
			Activity: registry.Activity{
				DisplayName: "Discover Candidates",
				Description: "Serves the next page of ranked study partners from the user's buffer",
				Category:    "discovery",
				TaskType:    dc.TaskType,
				InputSchema: dc.GetInputSchema(),
				ErrorCodes:  []string{"INVALID_INPUT", "PROFILE_NOT_FOUND", "DATABASE_QUERY_FAILED"},
			},
			build: func(wcfg config.WorkerConfig, log logger.Logger) (camunda.JobHandler, error) {
				return dc.NewHandler(dc.ConfigFromWorker(wcfg), orchestrator, log)
			},
		},
		{
			Activity: registry.Activity{
				DisplayName: "Record Match Outcome",
				Description: "Persists like or pass decisions and advances the buffer",
				Category:    "discovery",
				TaskType:    rmo.TaskType,
				InputSchema: rmo.GetInputSchema(),
				ErrorCodes:  []string{"INVALID_INPUT", "INVALID_OUTCOME", "RELATIONSHIP_EXISTS", "DATABASE_QUERY_FAILED"},
			},
			build: func(wcfg config.WorkerConfig, log logger.Logger) (camunda.JobHandler, error) {
				return rmo.NewHandler(rmo.ConfigFromWorker(wcfg), orchestrator, log)
			},
		},
		{
			Activity: registry.Activity{
				DisplayName: "Schedule Precomputation",
				Description: "Queues, sweeps or cancels score cache warm-up jobs",
				Category:    "precompute",
				TaskType:    sp.TaskType,
				InputSchema: sp.GetInputSchema(),
				ErrorCodes:  []string{"INVALID_INPUT", "JOB_NOT_FOUND", "JOB_NOT_CANCELLABLE"},
			},
			build: func(wcfg config.WorkerConfig, log logger.Logger) (camunda.JobHandler, error) {
				return sp.NewHandler(sp.ConfigFromWorker(wcfg), precomputer, log)
			},
		},
		{
			Activity: registry.Activity{
				DisplayName: "Precomputation Status",
				Description: "Reports one precomputation job or the service totals",
				Category:    "precompute",
				TaskType:    ps.TaskType,
				InputSchema: ps.GetInputSchema(),
				ErrorCodes:  []string{"INVALID_INPUT", "JOB_NOT_FOUND"},
			},
			build: func(wcfg config.WorkerConfig, log logger.Logger) (camunda.JobHandler, error) {
				return ps.NewHandler(ps.ConfigFromWorker(wcfg), precomputer, log)
			},
		},
	}
}
