// Worker binary for the capsule generation orchestrator: wires the stores,
// the LLM and sandbox clients, the Temporal worker and the metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/activities"
	"github.com/capsuleforge/orchestrator/internal/capsule"
	"github.com/capsuleforge/orchestrator/internal/config"
	"github.com/capsuleforge/orchestrator/internal/confidence"
	"github.com/capsuleforge/orchestrator/internal/db"
	"github.com/capsuleforge/orchestrator/internal/embeddings"
	"github.com/capsuleforge/orchestrator/internal/health"
	"github.com/capsuleforge/orchestrator/internal/ledger"
	"github.com/capsuleforge/orchestrator/internal/llm"
	"github.com/capsuleforge/orchestrator/internal/patterncache"
	"github.com/capsuleforge/orchestrator/internal/policy"
	"github.com/capsuleforge/orchestrator/internal/sandbox"
	"github.com/capsuleforge/orchestrator/internal/streaming"
	"github.com/capsuleforge/orchestrator/internal/tiers"
	"github.com/capsuleforge/orchestrator/internal/tracing"
	"github.com/capsuleforge/orchestrator/internal/validation"
	"github.com/capsuleforge/orchestrator/internal/vectordb"
	"github.com/capsuleforge/orchestrator/internal/workflows"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Worker exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
			logger.Warn("Tracing disabled", zap.Error(err))
		}
	}

	store, err := db.NewClient(cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()
	if err := store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("postgres health: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The cache degrades to miss on failure; a dead Redis at boot is
		// worth surfacing but not fatal.
		logger.Warn("Redis unreachable, pattern cache degraded", zap.Error(err))
	}
	cache := patterncache.New(rdb, cfg.Workflow.CacheTTL, logger)

	vector := vectordb.NewClient(cfg.Vector, logger)
	if vector.Enabled() {
		if err := vector.EnsureCollections(ctx); err != nil {
			logger.Warn("Vector collections unavailable", zap.Error(err))
		}
	}
	embedder := embeddings.NewClient(cfg.Embedding, rdb, logger)

	policyEngine, err := policy.NewEngine(cfg.Policy, cfg.Workflow.ConfidenceThreshold, logger)
	if err != nil {
		return fmt.Errorf("load review policies: %w", err)
	}

	pool := sandbox.NewPool(cfg.Sandbox, logger)
	costLedger := ledger.New(store, logger)
	defer costLedger.Close()

	bus := streaming.NewBus(logger,
		streaming.WithCapacity(cfg.Streaming.RingCapacity),
		streaming.WithDropThreshold(cfg.Streaming.DropThreshold),
		streaming.WithRetention(cfg.Streaming.HistoryRetention),
	)
	defer bus.Close()

	acts := activities.New(activities.Deps{
		Logger:    logger,
		Store:     store,
		Cache:     cache,
		Vector:    vector,
		Embedder:  embedder,
		Router:    tiers.NewRouter(vector, logger),
		LLM:       llm.NewClient(cfg.LLM, logger),
		Sandbox:   pool,
		Mesh:      validation.NewMesh(pool, logger),
		Scorer:    confidence.NewEngine(logger),
		Policy:    policyEngine,
		Ledger:    costLedger,
		Assembler: capsule.NewAssembler(logger),
		Bus:       bus,
	})

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("connect temporal: %w", err)
	}
	defer temporalClient.Close()

	w := worker.New(temporalClient, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.CapsuleWorkflow)
	w.RegisterActivity(acts)

	checks := health.NewManager(logger)
	checks.Register(health.Check{Name: "postgres", Critical: true, Probe: store.HealthCheck})
	checks.Register(health.Check{Name: "redis", Probe: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}})
	if vector.Enabled() {
		checks.Register(health.Check{Name: "qdrant", Probe: func(ctx context.Context) error {
			_, err := vector.Scroll(ctx, vectordb.CollectionCodePatterns, "", 1)
			return err
		}})
	}
	go checks.Start(ctx)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Port, checks, logger)
	}
	go pruneCheckpoints(ctx, store, logger)

	logger.Info("Worker starting",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("temporal", cfg.Temporal.HostPort),
	)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	w.Stop()
	return nil
}

func serveMetrics(port int, checks *health.Manager, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	checks.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info("Metrics endpoint listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics endpoint failed", zap.Error(err))
	}
}

// pruneCheckpoints garbage-collects checkpoints of long-finished workflows.
func pruneCheckpoints(ctx context.Context, store *db.Client, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneCheckpoints(ctx, 7*24*time.Hour)
			if err != nil {
				logger.Warn("Checkpoint prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Pruned checkpoints", zap.Int64("count", n))
			}
		}
	}
}
