package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-audit/internal/app"
	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
	jobmetrics "github.com/odyssey-erp/odyssey-audit/internal/jobs"
	"github.com/odyssey-erp/odyssey-audit/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-audit/internal/platform/db"
	"github.com/odyssey-erp/odyssey-audit/internal/shared"
	"github.com/odyssey-erp/odyssey-audit/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Sweep transitions reach connected browsers through the server's relay.
	relay := auditplan.NewRedisRelay(redisClient, cfg.AuditEventsChannel, nil, logger)
	idempotency := shared.NewIdempotencyStore(pool)
	planService := auditplan.NewService(
		auditplan.NewRepository(pool),
		shared.NewApprovalRecorder(pool, logger),
		shared.NewAuditLogger(pool),
		idempotency,
		relay,
		logger,
	)

	sweepJob := jobs.NewLifecycleSweepJob(planService, auditplan.SweepPolicy{
		ExecutionGrace: cfg.AuditExecutionGrace,
		ArchiveAfter:   cfg.AuditArchiveAfter,
	}, logger, jobmetrics.NewMetrics(nil))
	sweepJob.Keys = idempotency
	sweepJob.KeyRetention = cfg.AuditIdempotencyTTL

	sweepTask, err := jobs.NewLifecycleSweepTask("cron")
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLifecycleSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuditSweepCron, Task: sweepTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("sweep_cron", cfg.AuditSweepCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
