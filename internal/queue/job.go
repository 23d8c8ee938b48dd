// Package queue implements the durable, priority-ordered, retryable
// work queue for test-execution jobs, the worker pool that drains it,
// and the manager facade that owns both.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

// Possible job status values.
const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusRemoved   Status = "removed"
)

// Named priority presets. Any integer in [1, 10] is accepted; these are
// convenience values only.
const (
	PriorityLow         = 1
	PriorityBelowNormal = 3
	PriorityNormal      = 5
	PriorityAboveNormal = 7
	PriorityHigh        = 9
	PriorityCritical    = 10
)

// Terminal reports whether no further automatic transition can occur
// from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRemoved
}

// Job identifies one unit of schedulable test-execution work. The queue
// owns the job from enqueue until a terminal state; RetryCount is
// incremented only by the queue's retry path, never by a worker.
type Job struct {
	ID          uuid.UUID
	TestRunID   string
	TestSuiteID string
	DeviceID    string

	// Priority is in [1, 10]; higher is more urgent.
	Priority int

	// RetryCount is the number of recorded failures so far.
	RetryCount int

	// Timeout bounds one execution attempt. Zero means no limit.
	Timeout time.Duration

	// ScheduledAt, when non-zero and in the future, makes the job
	// ineligible for dequeue until that time passes.
	ScheduledAt time.Time

	// Metadata is opaque to the queue.
	Metadata map[string]string

	EnqueuedAt time.Time
	FinishedAt time.Time
	Status     Status

	// Progress is the last reported execution progress, 0-100.
	Progress int

	// LastError preserves the most recent failure verbatim.
	LastError string

	// seq breaks priority ties in enqueue order.
	seq uint64

	// startedAt is when the current activation began.
	startedAt time.Time

	// cancelRequested is set when an active job is cancelled; the final
	// status is forced to removed regardless of the execution outcome.
	cancelRequested bool

	// timedOut is set when the stuck-job monitor interrupts this
	// activation, forcing the failure kind to timeout.
	timedOut bool
}

// Result is produced once per terminal execution attempt. Immutable
// once created.
type Result struct {
	JobID         uuid.UUID
	Success       bool
	PassedCount   int
	FailedCount   int
	SkippedCount  int
	TotalDuration time.Duration
	ErrorMessage  string
}

// Stats is a point-in-time aggregate of per-status job counts. Terminal
// jobs may have been pruned, so the sum need not equal everything ever
// enqueued.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// StatusInfo is the externally visible view of one job.
type StatusInfo struct {
	ID          uuid.UUID         `json:"id"`
	TestRunID   string            `json:"test_run_id"`
	TestSuiteID string            `json:"test_suite_id"`
	DeviceID    string            `json:"device_id"`
	Status      Status            `json:"status"`
	Priority    int               `json:"priority"`
	Progress    int               `json:"progress"`
	RetryCount  int               `json:"retry_count"`
	LastError   string            `json:"last_error,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// statusInfo snapshots the externally visible fields of j.
func statusInfo(j *Job) StatusInfo {
	return StatusInfo{
		ID:          j.ID,
		TestRunID:   j.TestRunID,
		TestSuiteID: j.TestSuiteID,
		DeviceID:    j.DeviceID,
		Status:      j.Status,
		Priority:    j.Priority,
		Progress:    j.Progress,
		RetryCount:  j.RetryCount,
		LastError:   j.LastError,
		ScheduledAt: j.ScheduledAt,
		EnqueuedAt:  j.EnqueuedAt,
		Metadata:    j.Metadata,
	}
}
