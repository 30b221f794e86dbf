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
	"github.com/creatorlens/creatorlens/internal/clients"
	"github.com/creatorlens/creatorlens/internal/config"
	"github.com/creatorlens/creatorlens/internal/db"
	"github.com/creatorlens/creatorlens/internal/ledger"
	"github.com/creatorlens/creatorlens/internal/metrics"
	"github.com/creatorlens/creatorlens/internal/queue"
	"github.com/creatorlens/creatorlens/internal/status"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
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

	if err := runMigrations(cfg); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

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

	ledgerSvc := ledger.NewService(ledgerStore, collector, logger)

	httpClients := clients.NewHTTPClients(
		cfg.Clients.FetchURL,
		cfg.Clients.StorageURL,
		cfg.Clients.InferenceURL,
		cfg.Clients.Timeout,
	)

	admissionSvc := admission.NewService(repo, ledgerSvc, lanes, httpClients, cfg.Costs, collector, logger)
	publisher := status.NewPublisher(repo, cache, logger)

	handler := handlers.NewHandler(repo, admissionSvc, ledgerSvc, publisher, lanes, nil, logger)
	server := api.NewServer(cfg, handler, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func runMigrations(cfg *config.Config) error {
	m, err := migrate.New(cfg.Database.MigrationsPath, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}
