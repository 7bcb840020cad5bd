package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-audit/internal/app"
	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
	"github.com/odyssey-erp/odyssey-audit/internal/auth"
	"github.com/odyssey-erp/odyssey-audit/internal/observability"
	"github.com/odyssey-erp/odyssey-audit/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-audit/internal/platform/db"
	"github.com/odyssey-erp/odyssey-audit/internal/rbac"
	"github.com/odyssey-erp/odyssey-audit/internal/shared"
	"github.com/odyssey-erp/odyssey-audit/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	sessionManager := shared.NewSessionManager(redisClient, "odyssey_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	authService := auth.NewService(auth.NewRepository(dbpool))
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	rbacService := rbac.NewService(rbac.NewRepository(dbpool))
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}
	grantsHandler := rbac.NewHandler(rbacService, logger)

	metrics := observability.NewMetrics()

	broker := auditplan.NewBroker(64)
	relay := auditplan.NewRedisRelay(redisClient, cfg.AuditEventsChannel, broker, logger)

	planService := auditplan.NewService(
		auditplan.NewRepository(dbpool),
		shared.NewApprovalRecorder(dbpool, logger),
		shared.NewAuditLogger(dbpool),
		shared.NewIdempotencyStore(dbpool),
		relay,
		logger,
	)
	planService.WithObserver(metrics)
	planService.WithDetailConcurrency(cfg.AuditDetailConcurrency)
	// Writes committed by the worker must not be answered from a list load
	// that started before them.
	relay.OnRemote(func(auditplan.PlanEvent) { planService.InvalidateSnapshots() })
	if err := relay.Listen(ctx); err != nil {
		logger.Error("listen plan events", slog.Any("error", err))
		os.Exit(1)
	}
	planHandler := auditplan.NewHandler(planService, logger, cfg.AuditWriteRateLimit)
	planStream := auditplan.NewStream(planService, broker, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		CSRFManager:      csrfManager,
		AuthHandler:      authHandler,
		GrantsHandler:    grantsHandler,
		RBACMiddleware:   rbacMiddleware,
		AuditPlanHandler: planHandler,
		AuditPlanStream:  planStream,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
