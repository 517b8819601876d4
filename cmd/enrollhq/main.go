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

	"github.com/enrollhq/enrollhq/internal/app"
	"github.com/enrollhq/enrollhq/internal/auth"
	"github.com/enrollhq/enrollhq/internal/authz"
	"github.com/enrollhq/enrollhq/internal/colleges"
	"github.com/enrollhq/enrollhq/internal/observability"
	"github.com/enrollhq/enrollhq/internal/platform/cache"
	"github.com/enrollhq/enrollhq/internal/platform/db"
	"github.com/enrollhq/enrollhq/internal/shared"
	"github.com/enrollhq/enrollhq/internal/users"
	"github.com/enrollhq/enrollhq/jobs"
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

	metrics := observability.NewMetrics()
	if err := authz.SetupCacheMetrics(metrics.Registerer()); err != nil {
		logger.Warn("register cache metrics", slog.Any("error", err))
	}

	keys := authz.NewKeyBuilder(cfg.CacheEnv, cfg.CacheFolder)
	store := authz.NewStore(redisClient, keys, logger, cfg.AuthzFieldTTL)
	mirror := authz.NewMirror(redisClient, keys)
	authzRepo := authz.NewRepository(pool)
	closure := authz.NewClosure(authzRepo, store, logger)
	audit := shared.NewAuditLogger(pool)
	authzService := authz.NewService(authzRepo, store, closure, mirror, audit, logger)

	if err := authz.ValidateRegistry(ctx, authzRepo); err != nil {
		logger.Error("permission registry check failed", slog.Any("error", err))
		os.Exit(1)
	}

	userRepo := users.NewRepository(pool)
	authenticator := auth.NewAuthenticator(pool, userRepo, store, logger)
	authzService.OnMembershipChange(authenticator.InvalidateUsers)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("create job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	// Warm every projection on the worker right after deploy so the first
	// requests do not pay the rebuild cost.
	if _, err := jobClient.EnqueueCacheWarmup(ctx, jobs.CacheWarmupPayload{}); err != nil {
		logger.Warn("enqueue cache warmup", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Authenticator:   authenticator,
		AuthzHandler:    authz.NewHandler(authzService),
		AuthzGuard:      authz.NewMiddleware(authzService),
		CollegesHandler: colleges.NewHandler(colleges.NewRepository(pool)),
		JobsHandler:     jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
	})

	srv := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server run", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
