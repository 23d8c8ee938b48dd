package queue

import (
	"context"
	"time"
)

// JobStore defines the persistence contract consumed by the queue. The
// backing store is external to this layer; a nil store runs the queue
// fully in-memory.
type JobStore interface {
	// SaveJob persists a newly enqueued job.
	SaveJob(ctx context.Context, job *Job) error

	// UpdateJob persists the mutable fields of a job after a state
	// transition (status, retry count, schedule, progress, last error).
	UpdateJob(ctx context.Context, job *Job) error

	// PersistResult records a terminal execution result.
	PersistResult(ctx context.Context, result *Result) error

	// LoadPendingJobs returns all non-terminal jobs, used at startup to
	// rehydrate work that survived a restart.
	LoadPendingJobs(ctx context.Context) ([]*Job, error)

	// DeleteTerminalBefore prunes terminal jobs finished before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteAll removes every job. Destructive, administrative only.
	DeleteAll(ctx context.Context) error
}
