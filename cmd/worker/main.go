// Command worker runs the queue and reconciliation workers without the HTTP
// API. Deploy it when webhook intake and billing effect should scale
// independently.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"switchboard/internal/config"
	"switchboard/internal/db"
	"switchboard/internal/events"
	"switchboard/internal/queue"
	"switchboard/internal/reconcile"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env file")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	database, err := db.New(&db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	publisher := events.New(cfg.Kafka.Brokers, cfg.Kafka.EntriesTopic, cfg.Kafka.AlertsTopic)
	defer publisher.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueWorker := queue.NewWorker(database, publisher, &queue.WorkerConfig{
		PollInterval:              cfg.Queue.PollInterval,
		BatchSize:                 cfg.Queue.BatchSize,
		MaxAttempts:               cfg.Queue.MaxAttempts,
		BaseBackoff:               cfg.Queue.BaseBackoff,
		MaxBackoff:                cfg.Queue.MaxBackoff,
		DefaultRatePencePerMinute: cfg.Billing.DefaultRatePencePerMinute,
	})
	reconcileWorker := reconcile.NewWorker(database, publisher, &reconcile.WorkerConfig{
		Interval:     cfg.Reconcile.Interval,
		StuckTimeout: cfg.Reconcile.StuckTimeout,
	})

	queueWorker.Start(ctx)
	reconcileWorker.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down workers...")
	queueWorker.Stop()
	reconcileWorker.Stop()
	log.Println("Workers exited")
}
