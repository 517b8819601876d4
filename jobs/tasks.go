package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskClosureRebuild recomputes the role descendant-closure snapshot.
	TaskClosureRebuild = "authz:closure_rebuild"
	// TaskCacheWarmup pre-populates the projection caches after a deploy.
	TaskCacheWarmup = "authz:cache_warmup"
	// TaskMirrorRebuild resyncs the role-document mirror from the
	// relational source.
	TaskMirrorRebuild = "authz:mirror_rebuild"
)

// ClosureRebuildPayload carries the rebuild trigger for diagnostics.
type ClosureRebuildPayload struct {
	Reason string `json:"reason"`
}

// NewClosureRebuildTask constructs a closure rebuild task.
func NewClosureRebuildTask(payload ClosureRebuildPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskClosureRebuild, data), nil
}

// CacheWarmupPayload selects which collections to warm. Empty means all.
type CacheWarmupPayload struct {
	Collections []string `json:"collections,omitempty"`
}

// NewCacheWarmupTask constructs a cache warmup task.
func NewCacheWarmupTask(payload CacheWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheWarmup, data), nil
}

// MirrorRebuildPayload is currently empty; the rebuild is always full.
type MirrorRebuildPayload struct{}

// NewMirrorRebuildTask constructs a mirror rebuild task.
func NewMirrorRebuildTask() (*asynq.Task, error) {
	data, err := json.Marshal(MirrorRebuildPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMirrorRebuild, data), nil
}
