package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creatorlens/creatorlens/internal/admission"
	"github.com/creatorlens/creatorlens/internal/api"
	"github.com/creatorlens/creatorlens/internal/api/handlers"
	"github.com/creatorlens/creatorlens/internal/breaker"
	"github.com/creatorlens/creatorlens/internal/clients"
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/ledger"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/pipeline"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/creatorlens/creatorlens/internal/retry"
	"github.com/creatorlens/creatorlens/internal/scheduler"
	"github.com/creatorlens/creatorlens/internal/status"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	database, err := db.NewConnection(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	repo := db.NewRepository(database)
	ledgerStore := db.NewLedgerStore(database)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to parse redis URL", zap.Error(err))
	}
	cache := redis.NewClient(redisOpts)
	defer cache.Close()

	lanes := queue.NewRedisQueue(cache)
	collector := metrics.NewCollector(cfg.RemoteWrite)

	httpClients := clients.NewHTTPClients(
		cfg.Clients.FetchURL,
		cfg.Clients.StorageURL,
		cfg.Clients.InferenceURL,
		cfg.Clients.Timeout,
	)
	clientSet := clients.Set{
		Fetcher:  clients.NewRateLimitedFetcher(httpClients, cfg.Clients.FetchPerSecond, cfg.Clients.FetchBurst),
		Store:    httpClients,
		Deriver:  httpClients,
		Analyzer: httpClients,
	}

	breakers := breaker.NewRegistry(breakerSettings(cfg.Breakers), collector, logger)

	ledgerSvc := ledger.NewService(ledgerStore, collector, logger)
	reconciler := ledger.NewReconciler(ledgerSvc, cfg.Ledger.ReconcileInterval, cfg.Ledger.PendingThreshold, logger)

	publisher := status.NewPublisher(repo, cache, logger)
	admissionSvc := admission.NewService(repo, ledgerSvc, lanes, httpClients, cfg.Costs, collector, logger)

	runner := pipeline.NewRunner(
		repo,
		ledgerSvc,
		clientSet,
		breakers,
		stagePolicies(cfg.Pipeline),
		lanes,
		publisher,
		cfg.Costs,
		cfg.Pipeline.StageTimeout,
		collector,
		logger,
	)

	sched := scheduler.NewScheduler(repo, lanes, runner, collector, logger, cfg.Scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(schedDone)
	}()
	go reconciler.Start(ctx)
	go collector.StartRemoteWrite(ctx)

	// Operator surface: breaker state lives in this process.
	handler := handlers.NewHandler(repo, admissionSvc, ledgerSvc, publisher, lanes, breakers, logger)
	ops := api.NewOpsServer(cfg, handler, logger)
	opsSrv := &http.Server{
		Addr:    ":" + cfg.Server.OpsPort,
		Handler: ops.Router,
	}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start ops server", zap.Error(err))
		}
	}()

	logger.Info("Worker started",
		zap.Int("workers", cfg.Scheduler.WorkerCount),
		zap.String("ops_port", cfg.Server.OpsPort),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server forced to shutdown", zap.Error(err))
	}

	<-schedDone
	logger.Info("Worker exited")
}

func breakerSettings(cfgs map[string]config.BreakerConfig) map[string]breaker.Settings {
	out := make(map[string]breaker.Settings, len(cfgs))
	for name, c := range cfgs {
		out[name] = breaker.Settings{
			FailureThreshold: c.FailureThreshold,
			Cooldown:         time.Duration(c.CooldownSeconds) * time.Second,
		}
	}
	return out
}

func stagePolicies(cfg config.PipelineConfig) map[db.Stage]retry.Policy {
	policy := func(c config.StagePolicyConfig) retry.Policy {
		return retry.Policy{
			MaxAttempts: c.MaxAttempts,
			Base:        c.BaseDelay,
			Cap:         c.MaxDelay,
			Multiplier:  2,
		}
	}
	return map[db.Stage]retry.Policy{
		db.StageFetch:   policy(cfg.Fetch),
		db.StagePersist: policy(cfg.Persist),
		db.StageDerive:  policy(cfg.Derive),
		db.StageAnalyze: policy(cfg.Analyze),
	}
}
