package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/enrollhq/enrollhq/internal/authz"
)

// AuthzMaintenanceJob runs the recurring cache maintenance tasks: closure
// rebuild, projection warmup and mirror resync.
type AuthzMaintenanceJob struct {
	Service *authz.Service
	Logger  *slog.Logger
}

// NewAuthzMaintenanceJob wires dependencies for the maintenance handlers.
func NewAuthzMaintenanceJob(service *authz.Service, logger *slog.Logger) *AuthzMaintenanceJob {
	return &AuthzMaintenanceJob{Service: service, Logger: logger}
}

// HandleClosureRebuild recomputes the descendant-closure snapshot.
func (j *AuthzMaintenanceJob) HandleClosureRebuild(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("closure rebuild: handler not configured")
	}
	var payload ClosureRebuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := j.logger(TaskClosureRebuild).With(slog.String("reason", payload.Reason))

	start := time.Now()
	snapshot, err := j.Service.Closure().Rebuild(ctx)
	if err != nil {
		logger.Error("closure rebuild failed", slog.Any("error", err))
		return err
	}
	logger.Info("closure rebuilt",
		slog.Int("roles", len(snapshot)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// HandleCacheWarmup repopulates the projection caches.
func (j *AuthzMaintenanceJob) HandleCacheWarmup(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := j.logger(TaskCacheWarmup)

	start := time.Now()
	if err := j.Service.WarmCaches(ctx, payload.Collections); err != nil {
		logger.Error("cache warmup failed", slog.Any("error", err))
		return err
	}
	logger.Info("caches warmed", slog.Duration("took", time.Since(start)))
	return nil
}

// HandleMirrorRebuild resyncs the role-document mirror from source.
func (j *AuthzMaintenanceJob) HandleMirrorRebuild(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("mirror rebuild: handler not configured")
	}
	logger := j.logger(TaskMirrorRebuild)

	start := time.Now()
	if err := j.Service.RebuildMirror(ctx); err != nil {
		logger.Error("mirror rebuild failed", slog.Any("error", err))
		return err
	}
	logger.Info("mirror rebuilt", slog.Duration("took", time.Since(start)))
	return nil
}

func (j *AuthzMaintenanceJob) logger(task string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}
