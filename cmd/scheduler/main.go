// Package main is the entrypoint for the Flowmill trigger scheduler
// daemon.
//
// The scheduler folds the flow catalog into polling trigger evaluations
// on a one-second tick, persists per-trigger records in Postgres, and
// emits fired executions onto the SQS execution queue. This file handles
// dependency wiring only; all scheduling logic lives in
// internal/scheduler.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"flowmill/internal/catalog"
	"flowmill/internal/conditions"
	"flowmill/internal/config"
	"flowmill/internal/db"
	"flowmill/internal/metrics"
	"flowmill/internal/ops"
	"flowmill/internal/queue"
	"flowmill/internal/runctx"
	"flowmill/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("flowmill scheduler starting",
		"environment", cfg.Environment,
		"tick_interval", cfg.Scheduler.TickInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	executionQueue := queue.NewExecutionQueue(sqsClient, cfg.AWS.ExecutionQueueURL, logger)

	flowCatalog := catalog.New(logger)
	if err := flowCatalog.LoadDir(cfg.Catalog.FlowsDir); err != nil {
		logger.Error("failed to load flow catalog", "error", err)
		os.Exit(1)
	}

	registry := metrics.New()

	sched, err := scheduler.New(scheduler.Config{
		Flows:                    flowCatalog,
		Conditions:               conditions.New(logger),
		TriggerState:             db.NewTriggerStateRepository(pool),
		ExecutionState:           db.NewExecutionStateRepository(pool),
		Queue:                    executionQueue,
		RunContexts:              runctx.NewFactory(logger, map[string]any{"environment": cfg.Environment}),
		Metrics:                  registry,
		TickInterval:             cfg.Scheduler.TickInterval,
		MaxConcurrentEvaluations: cfg.Scheduler.MaxConcurrentEvaluations,
		Logger:                   logger,
	})
	if err != nil {
		logger.Error("failed to build scheduler", "error", err)
		os.Exit(1)
	}

	opsServer := ops.NewServer(cfg.Ops, registry.Handler(), sched, logger)

	var g errgroup.Group
	g.Go(opsServer.Start)

	sched.Start(ctx)
	opsServer.SetReady(true)
	logger.Info("flowmill scheduler started")

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	// Stop admissions first and let in-flight evaluations finish, then
	// close the outbound queue and the listener.
	sched.Close()
	executionQueue.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops listener shutdown failed", "error", err)
	}

	if err := g.Wait(); err != nil {
		logger.Error("ops listener failed", "error", err)
		os.Exit(1)
	}

	logger.Info("flowmill scheduler stopped")
}

// logLevel maps the configured level name onto slog.
func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
