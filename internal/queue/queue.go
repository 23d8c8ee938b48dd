package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-ci/kestrel/internal/metrics"
)

// Common errors returned by the JobQueue.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobTerminal     = errors.New("job is in a terminal state")
	ErrJobNotFailed    = errors.New("job is not in failed state")
	ErrJobNotWaiting   = errors.New("job is not in waiting state")
	ErrJobNotPaused    = errors.New("job is not paused")
	ErrJobsStillActive = errors.New("jobs are still active")
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")
)

// RetryStrategy configures how failed jobs are re-queued.
type RetryStrategy struct {
	// MaxRetries is how many failures a job may record before becoming
	// terminally failed.
	MaxRetries int

	// BackoffType is "fixed" or "exponential".
	BackoffType string

	// InitialDelay is the first re-queue delay.
	InitialDelay time.Duration

	// MaxDelay caps exponential growth. Zero means uncapped.
	MaxDelay time.Duration
}

// Options configures a JobQueue.
type Options struct {
	// MaxActive caps concurrently active jobs across all devices.
	MaxActive int

	// Retry is the re-queue policy applied on worker-reported failure.
	Retry RetryStrategy

	// Store persists jobs and results. Nil runs the queue in-memory only.
	Store JobStore

	Logger *slog.Logger

	// OnTerminalFailure, when set, is invoked outside the queue lock
	// after a job exhausts its retries.
	OnTerminalFailure func(info StatusInfo)
}

// jobHeap orders waiting jobs by priority descending, enqueue order
// ascending within a priority band.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// JobQueue is a priority-ordered, retryable work queue. All state
// transitions are serialized through one mutex so no two workers can
// claim the same waiting job.
type JobQueue struct {
	mu sync.Mutex

	opts    Options
	jobs    map[uuid.UUID]*Job
	waiting jobHeap

	activeByDevice map[string]uuid.UUID
	activeCancels  map[uuid.UUID]context.CancelFunc
	activeCount    int

	paused  bool
	nextSeq uint64

	// notify wakes one worker when new work may be available.
	notify chan struct{}

	// now is swappable for deterministic tests.
	now func() time.Time

	logger *slog.Logger
}

// NewJobQueue creates a queue with the given options.
func NewJobQueue(opts Options) *JobQueue {
	if opts.MaxActive < 1 {
		opts.MaxActive = 1
	}
	if opts.Retry.BackoffType == "" {
		opts.Retry.BackoffType = "exponential"
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobQueue{
		opts:           opts,
		jobs:           make(map[uuid.UUID]*Job),
		waiting:        jobHeap{},
		activeByDevice: make(map[string]uuid.UUID),
		activeCancels:  make(map[uuid.UUID]context.CancelFunc),
		notify:         make(chan struct{}, 1),
		now:            time.Now,
		logger:         logger,
	}
}

// Ready returns a channel that receives a signal whenever new work may
// have become available.
func (q *JobQueue) Ready() <-chan struct{} {
	return q.notify
}

func (q *JobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// persistUpdate writes the job's mutable fields through the store.
// Persistence failures are logged, not propagated: the in-memory state
// machine stays authoritative for a running process.
func (q *JobQueue) persistUpdate(ctx context.Context, job *Job) {
	if q.opts.Store == nil {
		return
	}
	if err := q.opts.Store.UpdateJob(ctx, job); err != nil {
		q.logger.Error("failed to persist job update",
			"job_id", job.ID,
			"status", string(job.Status),
			"error", err)
	}
}

// Enqueue admits a new job in WAITING state and returns its ID.
func (q *JobQueue) Enqueue(ctx context.Context, job *Job) (uuid.UUID, error) {
	if job.Priority < 1 || job.Priority > 10 {
		return uuid.Nil, fmt.Errorf("%w: got %d", ErrInvalidPriority, job.Priority)
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = StatusWaiting
	job.EnqueuedAt = q.now()
	job.RetryCount = 0

	// Persist before publishing: once the job is in the heap a worker
	// may claim it and write a status update, which must not reach the
	// store ahead of the insert.
	if q.opts.Store != nil {
		if err := q.opts.Store.SaveJob(ctx, job); err != nil {
			q.logger.Error("failed to persist enqueued job", "job_id", job.ID, "error", err)
		}
	}

	q.mu.Lock()
	job.seq = q.nextSeq
	q.nextSeq++
	q.jobs[job.ID] = job
	heap.Push(&q.waiting, job)
	q.observeDepthLocked()
	q.mu.Unlock()

	metrics.JobEnqueued()
	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"device_id", job.DeviceID,
		"priority", job.Priority)
	q.signal()
	return job.ID, nil
}

// Dequeue claims the highest-priority eligible waiting job, transitions
// it to ACTIVE and returns a snapshot of it. It returns nil when nothing
// is eligible: the queue is paused, the active cap is reached, remaining
// jobs are scheduled for the future, or their devices are occupied.
func (q *JobQueue) Dequeue(ctx context.Context) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.activeCount >= q.opts.MaxActive {
		return nil
	}

	now := q.now()
	var skipped []*Job
	var claimed *Job

	for q.waiting.Len() > 0 {
		candidate := heap.Pop(&q.waiting).(*Job)

		// Lazily drop entries that left WAITING through an
		// administrative transition.
		if candidate.Status != StatusWaiting {
			continue
		}
		if !candidate.ScheduledAt.IsZero() && candidate.ScheduledAt.After(now) {
			skipped = append(skipped, candidate)
			continue
		}
		if _, occupied := q.activeByDevice[candidate.DeviceID]; occupied {
			// One physical device runs one test at a time, even when
			// this is the highest-priority job.
			skipped = append(skipped, candidate)
			continue
		}
		claimed = candidate
		break
	}

	for _, job := range skipped {
		heap.Push(&q.waiting, job)
	}
	if claimed == nil {
		return nil
	}

	claimed.Status = StatusActive
	claimed.Progress = 0
	claimed.startedAt = now
	claimed.timedOut = false
	q.activeByDevice[claimed.DeviceID] = claimed.ID
	q.activeCount++
	q.persistUpdate(ctx, claimed)
	q.observeDepthLocked()
	metrics.JobActivated()

	q.logger.Info("job activated",
		"job_id", claimed.ID,
		"device_id", claimed.DeviceID,
		"priority", claimed.Priority,
		"retry_count", claimed.RetryCount)

	snapshot := *claimed
	return &snapshot
}

// AttachCancel registers the cancel function for an active job so an
// administrative cancel can interrupt its execution.
func (q *JobQueue) AttachCancel(jobID uuid.UUID, cancel context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[jobID]; ok && job.Status == StatusActive {
		q.activeCancels[jobID] = cancel
		// Cancel may have raced in between Dequeue and AttachCancel.
		if job.cancelRequested {
			cancel()
		}
	}
}

// releaseLocked frees the device and active slot held by an active job.
func (q *JobQueue) releaseLocked(job *Job) {
	delete(q.activeByDevice, job.DeviceID)
	delete(q.activeCancels, job.ID)
	q.activeCount--
}

// ReportProgress records execution progress for an active job. Progress
// is monotonically non-decreasing; stale updates are ignored.
func (q *JobQueue) ReportProgress(jobID uuid.UUID, progress int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusActive {
		return
	}
	if progress > job.Progress {
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
}

// ReportCompleted transitions an active job to COMPLETED and persists
// its result. A job whose cancellation was requested mid-flight is
// forced to REMOVED instead, though its result is still recorded.
func (q *JobQueue) ReportCompleted(ctx context.Context, jobID uuid.UUID, result *Result) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != StatusActive {
		q.mu.Unlock()
		return fmt.Errorf("cannot complete job in state %q", job.Status)
	}

	q.releaseLocked(job)
	job.FinishedAt = q.now()
	job.Progress = 100
	if job.cancelRequested {
		job.Status = StatusRemoved
	} else {
		job.Status = StatusCompleted
	}
	status := job.Status
	q.persistUpdate(ctx, job)
	q.observeDepthLocked()
	q.mu.Unlock()

	if q.opts.Store != nil && result != nil {
		result.JobID = jobID
		if err := q.opts.Store.PersistResult(ctx, result); err != nil {
			q.logger.Error("failed to persist job result", "job_id", jobID, "error", err)
		}
	}

	metrics.JobFinished(string(status))
	q.logger.Info("job completed", "job_id", jobID, "final_status", string(status))
	q.signal()
	return nil
}

// ReportFailed applies the retry policy to a worker-reported failure.
// While retries remain the job returns to WAITING with a backoff-derived
// ScheduledAt at its original priority; otherwise it becomes terminally
// FAILED with the last error preserved verbatim.
func (q *JobQueue) ReportFailed(ctx context.Context, jobID uuid.UUID, kind string, message string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != StatusActive {
		q.mu.Unlock()
		return fmt.Errorf("cannot fail job in state %q", job.Status)
	}

	q.releaseLocked(job)
	if job.timedOut {
		kind = "timeout"
		job.timedOut = false
	}
	job.LastError = fmt.Sprintf("%s: %s", kind, message)
	job.RetryCount++

	var terminal bool
	if job.cancelRequested {
		job.Status = StatusRemoved
		job.FinishedAt = q.now()
		terminal = true
	} else if job.RetryCount < q.opts.Retry.MaxRetries {
		delay := q.retryDelay(job.RetryCount)
		job.Status = StatusWaiting
		job.ScheduledAt = q.now().Add(delay)
		heap.Push(&q.waiting, job)
		metrics.JobRetried()
		q.logger.Info("job re-queued after failure",
			"job_id", jobID,
			"retry_count", job.RetryCount,
			"max_retries", q.opts.Retry.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", job.LastError)
	} else {
		job.Status = StatusFailed
		job.FinishedAt = q.now()
		terminal = true
		q.logger.Error("job terminally failed, retries exhausted",
			"job_id", jobID,
			"retry_count", job.RetryCount,
			"error", job.LastError)
	}
	status := job.Status
	info := statusInfo(job)
	q.persistUpdate(ctx, job)
	q.observeDepthLocked()
	q.mu.Unlock()

	if terminal {
		if q.opts.Store != nil {
			result := &Result{JobID: jobID, Success: false, ErrorMessage: info.LastError}
			if err := q.opts.Store.PersistResult(ctx, result); err != nil {
				q.logger.Error("failed to persist failure result", "job_id", jobID, "error", err)
			}
		}
		metrics.JobFinished(string(status))
		if status == StatusFailed && q.opts.OnTerminalFailure != nil {
			q.opts.OnTerminalFailure(info)
		}
	}

	q.signal()
	return nil
}

// retryDelay computes the re-queue delay for the given failure count
// (1-based) using the configured backoff type, capped at MaxDelay.
func (q *JobQueue) retryDelay(retryCount int) time.Duration {
	delay := q.opts.Retry.InitialDelay
	if q.opts.Retry.BackoffType == "exponential" {
		for i := 1; i < retryCount; i++ {
			delay *= 2
			if q.opts.Retry.MaxDelay > 0 && delay >= q.opts.Retry.MaxDelay {
				delay = q.opts.Retry.MaxDelay
				break
			}
		}
	}
	if q.opts.Retry.MaxDelay > 0 && delay > q.opts.Retry.MaxDelay {
		delay = q.opts.Retry.MaxDelay
	}
	return delay
}

// Cancel removes a job. Waiting and paused jobs are removed immediately
// and synchronously; active jobs are cancelled cooperatively and reach
// REMOVED when their execution observes the signal or reports a result.
func (q *JobQueue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		q.mu.Unlock()
		return ErrJobTerminal
	}

	if job.Status == StatusActive {
		job.cancelRequested = true
		cancel := q.activeCancels[jobID]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		q.logger.Info("cancellation requested for active job", "job_id", jobID)
		return nil
	}

	// WAITING or PAUSED: immediate removal. The heap entry, if any, is
	// dropped lazily at dequeue time.
	job.Status = StatusRemoved
	job.FinishedAt = q.now()
	q.persistUpdate(ctx, job)
	q.observeDepthLocked()
	q.mu.Unlock()

	metrics.JobFinished(string(StatusRemoved))
	q.logger.Info("job removed", "job_id", jobID)
	return nil
}

// RetryJob forces a terminally failed job back to WAITING, bypassing the
// exhausted-retries check. The retry counter restarts.
func (q *JobQueue) RetryJob(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != StatusFailed {
		q.mu.Unlock()
		return ErrJobNotFailed
	}

	job.Status = StatusWaiting
	job.RetryCount = 0
	job.Progress = 0
	job.ScheduledAt = time.Time{}
	job.FinishedAt = time.Time{}
	job.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.waiting, job)
	q.persistUpdate(ctx, job)
	q.observeDepthLocked()
	q.mu.Unlock()

	q.logger.Info("failed job forced back to waiting", "job_id", jobID)
	q.signal()
	return nil
}

// PauseJob moves a waiting job to PAUSED.
func (q *JobQueue) PauseJob(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusWaiting {
		return ErrJobNotWaiting
	}
	job.Status = StatusPaused
	q.persistUpdate(ctx, job)
	q.observeDepthLocked()
	return nil
}

// ResumeJob moves a paused job back to WAITING.
func (q *JobQueue) ResumeJob(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != StatusPaused {
		q.mu.Unlock()
		return ErrJobNotPaused
	}
	job.Status = StatusWaiting
	job.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.waiting, job)
	q.persistUpdate(ctx, job)
	q.observeDepthLocked()
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pause stops workers from claiming new jobs. Waiting jobs are retained
// and active jobs run to completion.
func (q *JobQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("queue paused")
}

// Resume re-enables dequeuing.
func (q *JobQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("queue resumed")
	q.signal()
}

// Paused reports whether the queue is administratively paused.
func (q *JobQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stats returns a point-in-time aggregate of per-status counts. Waiting
// jobs with a future ScheduledAt are reported as delayed.
func (q *JobQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.statsLocked()
	metrics.ObserveQueueDepth(s.Waiting, s.Active, s.Delayed, s.Paused)
	return s
}

func (q *JobQueue) statsLocked() Stats {
	now := q.now()
	var s Stats
	for _, job := range q.jobs {
		switch job.Status {
		case StatusWaiting:
			if !job.ScheduledAt.IsZero() && job.ScheduledAt.After(now) {
				s.Delayed++
			} else {
				s.Waiting++
			}
		case StatusActive:
			s.Active++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusPaused:
			s.Paused++
		}
	}
	return s
}

// observeDepthLocked refreshes the queue-depth gauges. It is called on
// every state transition so the metrics endpoint reflects the queue
// without anyone having to call Stats.
func (q *JobQueue) observeDepthLocked() {
	s := q.statsLocked()
	metrics.ObserveQueueDepth(s.Waiting, s.Active, s.Delayed, s.Paused)
}

// JobStatus returns the externally visible view of one job.
func (q *JobQueue) JobStatus(jobID uuid.UUID) (StatusInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return StatusInfo{}, ErrJobNotFound
	}
	return statusInfo(job), nil
}

// NextScheduledWake returns the earliest future ScheduledAt among
// waiting jobs, or zero if none is delayed. The worker pool uses it to
// sleep precisely instead of polling.
func (q *JobQueue) NextScheduledWake() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	now := q.now()
	for _, job := range q.waiting {
		if job.Status != StatusWaiting {
			continue
		}
		if job.ScheduledAt.After(now) && (earliest.IsZero() || job.ScheduledAt.Before(earliest)) {
			earliest = job.ScheduledAt
		}
	}
	return earliest
}

// Clean prunes terminal jobs that finished before now-retention.
// Returns the number of jobs pruned from memory.
func (q *JobQueue) Clean(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := q.now().Add(-retention)

	q.mu.Lock()
	pruned := 0
	for id, job := range q.jobs {
		if job.Status.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			pruned++
		}
	}
	q.observeDepthLocked()
	q.mu.Unlock()

	if q.opts.Store != nil {
		if _, err := q.opts.Store.DeleteTerminalBefore(ctx, cutoff); err != nil {
			return pruned, fmt.Errorf("failed to prune persisted jobs: %w", err)
		}
	}
	q.logger.Info("queue cleaned", "pruned", pruned, "retention", retention.String())
	return pruned, nil
}

// Obliterate destroys all queue state. It fails if jobs are still active
// unless force is set, in which case active executions are cancelled.
func (q *JobQueue) Obliterate(ctx context.Context, force bool) error {
	q.mu.Lock()
	if q.activeCount > 0 && !force {
		count := q.activeCount
		q.mu.Unlock()
		return fmt.Errorf("%w: %d active", ErrJobsStillActive, count)
	}
	cancels := make([]context.CancelFunc, 0, len(q.activeCancels))
	for _, cancel := range q.activeCancels {
		cancels = append(cancels, cancel)
	}
	q.jobs = make(map[uuid.UUID]*Job)
	q.waiting = jobHeap{}
	q.activeByDevice = make(map[string]uuid.UUID)
	q.activeCancels = make(map[uuid.UUID]context.CancelFunc)
	q.activeCount = 0
	q.observeDepthLocked()
	q.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if q.opts.Store != nil {
		if err := q.opts.Store.DeleteAll(ctx); err != nil {
			return fmt.Errorf("failed to obliterate persisted jobs: %w", err)
		}
	}
	q.logger.Warn("queue obliterated", "forced", force)
	return nil
}

// activeOlderThan returns the IDs of jobs that have been active longer
// than age.
func (q *JobQueue) activeOlderThan(age time.Duration) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-age)
	var ids []uuid.UUID
	for _, job := range q.jobs {
		if job.Status == StatusActive && !job.startedAt.IsZero() && job.startedAt.Before(cutoff) {
			ids = append(ids, job.ID)
		}
	}
	return ids
}

// interruptActive cancels an active job's execution and marks the
// activation as timed out, so the resulting failure funnels through the
// retry path with a timeout kind instead of a removal.
func (q *JobQueue) interruptActive(jobID uuid.UUID) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != StatusActive {
		q.mu.Unlock()
		return fmt.Errorf("job is not active: %s", job.Status)
	}
	job.timedOut = true
	cancel := q.activeCancels[jobID]
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Rehydrate loads jobs that survived a restart. Jobs found ACTIVE are
// reset to WAITING since no worker can be assumed to still own them.
func (q *JobQueue) Rehydrate(ctx context.Context, jobs []*Job) {
	q.mu.Lock()
	for _, job := range jobs {
		if job.Status == StatusActive {
			job.Status = StatusWaiting
			job.Progress = 0
			q.persistUpdate(ctx, job)
		}
		job.seq = q.nextSeq
		q.nextSeq++
		q.jobs[job.ID] = job
		if job.Status == StatusWaiting {
			heap.Push(&q.waiting, job)
		}
	}
	q.observeDepthLocked()
	q.mu.Unlock()

	q.logger.Info("queue rehydrated", "job_count", len(jobs))
	q.signal()
}
