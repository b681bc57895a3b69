// Nexus orchestration server. Serves the HTTP/WebSocket API, manages
// durable job workers, and runs the multi-agent task pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	agentpkg "github.com/adverant/nexus-core/pkg/agent"
	"github.com/adverant/nexus-core/pkg/analytics"
	"github.com/adverant/nexus-core/pkg/api"
	"github.com/adverant/nexus-core/pkg/checkpoint"
	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/consensus"
	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/jobs"
	"github.com/adverant/nexus-core/pkg/jobstore"
	"github.com/adverant/nexus-core/pkg/memory"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/orchestrator"
	"github.com/adverant/nexus-core/pkg/pool"
	"github.com/adverant/nexus-core/pkg/retry"
	"github.com/adverant/nexus-core/pkg/scope"
	"github.com/adverant/nexus-core/pkg/selector"
	"github.com/adverant/nexus-core/pkg/spawn"
	"github.com/adverant/nexus-core/pkg/stream"
	"github.com/adverant/nexus-core/pkg/taskqueue"
	timeoutpkg "github.com/adverant/nexus-core/pkg/timeout"
	"github.com/adverant/nexus-core/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// connectRedis dials Redis with exponential backoff so the server survives a
// slow-starting dependency during rollout.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, policy)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return client, nil
}

// connectAnalytics opens the retry analytics database and applies migrations,
// retrying connection errors with backoff.
func connectAnalytics(ctx context.Context, dsn string) (*analytics.Store, error) {
	var store *analytics.Store
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	err := backoff.Retry(func() error {
		var openErr error
		store, openErr = analytics.Open(ctx, dsn)
		return openErr
	}, policy)
	if err != nil {
		return nil, err
	}
	if err := analytics.Migrate(dsn); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return store, nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting nexus",
		"version", version.GitCommit,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"listen_addr", cfg.System.ListenAddr,
		"role_defaults", stats.RoleDefaults,
		"ws_origins", stats.WSOrigins)

	// 2. Redis (job store, checkpoints, memory)
	rdb, err := connectRedis(ctx, cfg.System.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis")

	// 3. Retry analytics database (optional)
	var db *analytics.Store
	if cfg.System.AnalyticsDSN != "" {
		db, err = connectAnalytics(ctx, cfg.System.AnalyticsDSN)
		if err != nil {
			slog.Error("Failed to initialize analytics store", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				slog.Error("Error closing analytics store", "error", err)
			}
		}()
		slog.Info("Analytics store ready")
	} else {
		slog.Info("Analytics DSN not set; retry pattern persistence disabled")
	}

	reg := prometheus.DefaultRegisterer

	// 4. Streaming hub
	hub := stream.NewHub(cfg.Stream, reg)
	hub.Start(ctx)
	defer hub.Stop()

	// 5. Core engine components
	census := scope.NewCensus(reg)
	monitor := timeoutpkg.NewMonitor(cfg.Timeouts, nil)
	monitor.Start(ctx)
	defer monitor.Stop()

	queue := taskqueue.New(cfg.Queue, reg)
	queue.Start(ctx)

	gw := gateway.NewClient(cfg.Gateway)
	sel := selector.New(gw, cfg.Selector)

	agents := pool.New(pool.Policy{
		MaxConcurrent: cfg.Queue.MaxConcurrent * cfg.Orchestra.MaxAgents,
		MaxAge:        cfg.Orchestra.AgentMaxAge,
		MaxIdle:       cfg.Orchestra.AgentMaxIdle,
	}, reg)
	spawner := spawn.New()

	memories := memory.NewRedisStore(rdb)
	generator := agentpkg.NewGenerator(gw, sel, memories)
	engine := consensus.NewEngine(gw, sel)

	var patterns retry.PatternStore
	if db != nil {
		patterns = db
	}
	retries := retry.NewExecutor(cfg.Retry, patterns, hub)

	wal := checkpoint.New(rdb, cfg.Orchestra.CheckpointTTL, cfg.Orchestra.CleanupGrace)
	store := jobstore.New(rdb)
	jobsMgr := jobs.NewManager(cfg.Jobs, store, hub)

	orch := orchestrator.New(orchestrator.Deps{
		Config:     cfg,
		Queue:      queue,
		Monitor:    monitor,
		Generator:  generator,
		Gateway:    gw,
		Selector:   sel,
		AgentPool:  agents,
		Spawner:    spawner,
		Consensus:  engine,
		Retries:    retries,
		Checkpoint: wal,
		Memories:   memories,
		JobStore:   store,
		Hub:        hub,
		Census:     census,
	})

	// 6. Job processors
	orchestrated := orch.Processor()
	for _, tt := range []models.TaskType{
		models.TaskTypeAnalysis,
		models.TaskTypeCompetition,
		models.TaskTypeCollaboration,
		models.TaskTypeSynthesis,
	} {
		jobsMgr.RegisterProcessor(tt, orchestrated)
	}
	jobsMgr.RegisterProcessor(models.TaskTypeWorkflow, workflowProcessor(memories))

	// 7. Replay checkpoints left pending by a previous run
	recovered, err := wal.RecoverPending(ctx, orch.RecoverCheckpoint)
	if err != nil {
		slog.Error("Checkpoint recovery failed", "error", err)
	} else if recovered > 0 {
		slog.Info("Replayed pending checkpoints", "count", recovered)
	}

	// 8. Workers and background maintenance
	jobsMgr.Start(ctx)

	maintCtx, stopMaint := context.WithCancel(ctx)
	defer stopMaint()
	go runMaintenance(maintCtx, agents, db)

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(api.Deps{
		Config:       cfg,
		Orchestrator: orch,
		Jobs:         jobsMgr,
		Hub:          hub,
		Queue:        queue,
		AgentPool:    agents,
		JobStore:     store,
		Analytics:    db,
	}).HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Nexus started", "workers", cfg.Jobs.WorkerCount)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop intake, drain work, then tear down.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	stopMaint()
	queue.Stop()
	jobsMgr.Stop()
	agents.Destroy(shutdownCtx)

	slog.Info("Nexus stopped")
}

// workflowProcessor handles durable workflow jobs. Memory projections fan the
// final document out into recallable memory under the owning tenant.
func workflowProcessor(memories memory.Store) jobs.Processor {
	type projection struct {
		Kind       string `json:"kind"`
		TaskID     string `json:"task_id"`
		DocumentID string `json:"document_id"`
	}
	return func(ctx context.Context, params json.RawMessage, jc jobs.JobContext) (json.RawMessage, error) {
		var p projection
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("malformed workflow payload: %w", err)
		}
		switch p.Kind {
		case "memory_projection":
			id, err := memories.StoreMemory(ctx, jc.Tenant,
				"task "+p.TaskID+" produced document "+p.DocumentID,
				map[string]any{"task_id": p.TaskID, "document_id": p.DocumentID})
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"memory_id": id})
		default:
			return nil, fmt.Errorf("unknown workflow kind %q", p.Kind)
		}
	}
}

// runMaintenance drives periodic hygiene: idle agent eviction and analytics
// attempt retention.
func runMaintenance(ctx context.Context, agents *pool.Pool, db *analytics.Store) {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	retention := time.NewTicker(24 * time.Hour)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n := agents.Sweep(ctx); n > 0 {
				slog.Debug("Evicted idle agents", "count", n)
			}
		case <-retention.C:
			if db == nil {
				continue
			}
			if n, err := db.CleanupOldAttempts(ctx); err != nil {
				slog.Warn("Retry attempt cleanup failed", "error", err)
			} else {
				slog.Info("Pruned old retry attempts", "rows", n)
			}
		}
	}
}
