package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManagerConfig holds configuration for the queue manager.
type ManagerConfig struct {
	// WorkerCount determines how many concurrent workers process jobs.
	WorkerCount int

	// MaxActive caps concurrently active jobs.
	MaxActive int

	// Retry is the job-level retry policy.
	Retry RetryStrategy

	// Retention is the default age used by CleanQueue.
	Retention time.Duration

	// StuckJobAge is how long a job may stay active before the monitor
	// cancels it through the timeout path. Zero disables the monitor.
	StuckJobAge time.Duration

	// StuckJobCheckInterval defaults to 5 minutes when zero.
	StuckJobCheckInterval time.Duration
}

// Manager owns the job queue and worker pool lifecycle and exposes the
// administrative surface consumed by external callers.
type Manager struct {
	queue  *JobQueue
	pool   *WorkerPool
	store  JobStore
	config ManagerConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a queue and worker pool from the given configuration.
// store may be nil for a purely in-memory queue.
func NewManager(config ManagerConfig, store JobStore, executor Executor, logger *slog.Logger) *Manager {
	if config.StuckJobCheckInterval == 0 {
		config.StuckJobCheckInterval = 5 * time.Minute
	}

	q := NewJobQueue(Options{
		MaxActive: config.MaxActive,
		Retry:     config.Retry,
		Store:     store,
		Logger:    logger,
	})
	pool := NewWorkerPool(q, executor, WorkerPoolConfig{WorkerCount: config.WorkerCount, IdleWake: time.Second}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue:  q,
		pool:   pool,
		store:  store,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Queue exposes the underlying job queue, mainly for tests and metrics.
func (m *Manager) Queue() *JobQueue {
	return m.queue
}

// SetOnTerminalFailure registers the callback invoked when a job
// exhausts its retries. Must be called before Start.
func (m *Manager) SetOnTerminalFailure(fn func(info StatusInfo)) {
	m.queue.opts.OnTerminalFailure = fn
}

// Start rehydrates persisted jobs and launches the worker pool. Jobs
// found ACTIVE in the store are reset to WAITING since no worker can be
// assumed to still own them after a restart.
func (m *Manager) Start(ctx context.Context) error {
	if m.store != nil {
		jobs, err := m.store.LoadPendingJobs(ctx)
		if err != nil {
			return fmt.Errorf("failed to load pending jobs: %w", err)
		}
		m.queue.Rehydrate(ctx, jobs)
	}

	m.pool.Start()

	if m.config.StuckJobAge > 0 {
		m.wg.Add(1)
		go m.stuckJobMonitor()
	}
	return nil
}

// Stop shuts down the worker pool and background monitors.
func (m *Manager) Stop() {
	m.cancel()
	m.pool.Stop()
	m.wg.Wait()
}

// AddJob validates and enqueues one job, returning its ID.
func (m *Manager) AddJob(ctx context.Context, job *Job) (uuid.UUID, error) {
	return m.queue.Enqueue(ctx, job)
}

// AddJobsBulk enqueues jobs in order. It stops at the first validation
// failure, returning the IDs enqueued so far alongside the error.
func (m *Manager) AddJobsBulk(ctx context.Context, jobs []*Job) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(jobs))
	for i, job := range jobs {
		id, err := m.queue.Enqueue(ctx, job)
		if err != nil {
			return ids, fmt.Errorf("job %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetStats returns point-in-time queue counters.
func (m *Manager) GetStats() Stats {
	return m.queue.Stats()
}

// GetJobStatus returns the externally visible view of one job.
func (m *Manager) GetJobStatus(jobID uuid.UUID) (StatusInfo, error) {
	return m.queue.JobStatus(jobID)
}

// RetryJob forces a terminally failed job back into the queue.
func (m *Manager) RetryJob(ctx context.Context, jobID uuid.UUID) error {
	return m.queue.RetryJob(ctx, jobID)
}

// CancelJob removes a waiting job immediately or cancels an active one
// cooperatively.
func (m *Manager) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	return m.queue.Cancel(ctx, jobID)
}

// PauseJob and ResumeJob apply per-job administrative transitions.
func (m *Manager) PauseJob(ctx context.Context, jobID uuid.UUID) error {
	return m.queue.PauseJob(ctx, jobID)
}

func (m *Manager) ResumeJob(ctx context.Context, jobID uuid.UUID) error {
	return m.queue.ResumeJob(ctx, jobID)
}

// PauseQueue stops workers from claiming new jobs without discarding
// waiting ones.
func (m *Manager) PauseQueue() {
	m.queue.Pause()
}

// ResumeQueue restarts dequeuing.
func (m *Manager) ResumeQueue() {
	m.queue.Resume()
}

// CleanQueue prunes terminal jobs older than the configured retention.
func (m *Manager) CleanQueue(ctx context.Context) (int, error) {
	return m.queue.Clean(ctx, m.config.Retention)
}

// ObliterateQueue destroys all queue state. Fails loudly if jobs are
// still active unless forced.
func (m *Manager) ObliterateQueue(ctx context.Context, force bool) error {
	return m.queue.Obliterate(ctx, force)
}

// stuckJobMonitor periodically cancels jobs that have been active for
// longer than StuckJobAge, funnelling them through the timeout retry
// path. This is a safety net behind per-job timeouts.
func (m *Manager) stuckJobMonitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.StuckJobCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			stuck := m.queue.activeOlderThan(m.config.StuckJobAge)
			for _, id := range stuck {
				m.logger.Warn("cancelling stuck active job", "job_id", id, "age_limit", m.config.StuckJobAge.String())
				if err := m.queue.interruptActive(id); err != nil {
					m.logger.Error("failed to interrupt stuck job", "job_id", id, "error", err)
				}
			}
		}
	}
}
