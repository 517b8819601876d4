package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/enrollhq/enrollhq/internal/app"
	"github.com/enrollhq/enrollhq/internal/authz"
	"github.com/enrollhq/enrollhq/internal/platform/cache"
	"github.com/enrollhq/enrollhq/internal/platform/db"
	"github.com/enrollhq/enrollhq/internal/shared"
	"github.com/enrollhq/enrollhq/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	keys := authz.NewKeyBuilder(cfg.CacheEnv, cfg.CacheFolder)
	store := authz.NewStore(redisClient, keys, logger, cfg.AuthzFieldTTL)
	mirror := authz.NewMirror(redisClient, keys)
	authzRepo := authz.NewRepository(pool)
	closure := authz.NewClosure(authzRepo, store, logger)
	audit := shared.NewAuditLogger(pool)
	authzService := authz.NewService(authzRepo, store, closure, mirror, audit, logger)

	maintenance := jobs.NewAuthzMaintenanceJob(authzService, logger)

	warmupTask, err := jobs.NewCacheWarmupTask(jobs.CacheWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	mirrorTask, err := jobs.NewMirrorRebuildTask()
	if err != nil {
		logger.Error("build mirror task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskClosureRebuild, Handler: maintenance.HandleClosureRebuild},
			{Type: jobs.TaskCacheWarmup, Handler: maintenance.HandleCacheWarmup},
			{Type: jobs.TaskMirrorRebuild, Handler: maintenance.HandleMirrorRebuild},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "15 3 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 3 * * *", Task: mirrorTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
