package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-ci/kestrel/internal/retry"
)

// Executor runs the actual test job. The implementation (device and
// Appium driving, LLM-backed analysis steps) is external to this layer.
// Progress reports are 0-100 and expected to be non-decreasing.
type Executor interface {
	ExecuteJob(ctx context.Context, job *Job, progress func(int)) (*Result, error)
}

// WorkerPoolConfig holds configuration options for the worker pool.
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start.
	// If zero or negative, defaults to 1.
	WorkerCount int

	// IdleWake bounds how long an idle worker sleeps before re-checking
	// the queue; delayed jobs may become eligible without a signal.
	IdleWake time.Duration
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 2,
		IdleWake:    time.Second,
	}
}

// WorkerPool runs a dequeue-execute-report loop per worker. It claims
// jobs from the JobQueue respecting its ordering and occupancy rules,
// executes them with a per-job timeout, and reports results or failures
// back through the queue's retry funnel.
type WorkerPool struct {
	queue    *JobQueue
	executor Executor
	config   WorkerPoolConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool draining the given queue.
func NewWorkerPool(queue *JobQueue, executor Executor, config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.IdleWake <= 0 {
		config.IdleWake = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:    queue,
		executor: executor,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", "worker_count", p.config.WorkerCount)
}

// Stop shuts the pool down and waits for in-flight executions to finish
// or observe cancellation.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker claims and processes jobs until the pool shuts down.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)

	timer := time.NewTimer(p.config.IdleWake)
	defer timer.Stop()

	for {
		if job := p.queue.Dequeue(p.ctx); job != nil {
			p.processJob(job, id)
			continue
		}

		// Nothing eligible right now. Sleep until signalled, until the
		// next delayed job comes due, or until the idle wake elapses.
		wake := p.config.IdleWake
		if next := p.queue.NextScheduledWake(); !next.IsZero() {
			if until := time.Until(next); until > 0 && until < wake {
				wake = until
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wake)

		select {
		case <-p.ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		case <-p.queue.Ready():
		case <-timer.C:
		}
	}
}

// processJob executes one claimed job and reports its outcome.
func (p *WorkerPool) processJob(job *Job, workerID int) {
	logger := p.logger.With(
		"job_id", job.ID,
		"device_id", job.DeviceID,
		"worker_id", workerID,
	)

	ctx := p.ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	p.queue.AttachCancel(job.ID, cancel)

	logger.Info("executing job", "retry_count", job.RetryCount)
	started := time.Now()

	result, err := p.executor.ExecuteJob(ctx, job, func(progress int) {
		p.queue.ReportProgress(job.ID, progress)
	})

	if err != nil {
		if p.ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Pool shutdown interrupted the execution. The job stays
			// ACTIVE so startup rehydration resets it to WAITING; a
			// failure report here would burn a retry on a restart.
			logger.Info("job interrupted by shutdown, left for recovery")
			return
		}
		kind := retry.KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// A stalled execution is indistinguishable from a slow one;
			// both funnel through the retry path as timeouts.
			kind = retry.KindTimeout
		}
		logger.Error("job execution failed",
			"error", err,
			"error_kind", string(kind),
			"duration_ms", time.Since(started).Milliseconds())
		if reportErr := p.queue.ReportFailed(context.Background(), job.ID, string(kind), err.Error()); reportErr != nil {
			logger.Error("failed to report job failure", "error", reportErr)
		}
		return
	}

	if result == nil {
		result = &Result{JobID: job.ID, Success: true, TotalDuration: time.Since(started)}
	} else if result.TotalDuration == 0 {
		result.TotalDuration = time.Since(started)
	}

	logger.Info("job execution finished",
		"success", result.Success,
		"passed", result.PassedCount,
		"failed", result.FailedCount,
		"skipped", result.SkippedCount,
		"duration_ms", result.TotalDuration.Milliseconds())

	if !result.Success {
		// The executor produced a terminal attempt result marking the
		// run itself as failed; route it through the retry policy.
		msg := result.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("%d test(s) failed", result.FailedCount)
		}
		if reportErr := p.queue.ReportFailed(context.Background(), job.ID, string(retry.KindUnknown), msg); reportErr != nil {
			logger.Error("failed to report job failure", "error", reportErr)
		}
		return
	}

	if reportErr := p.queue.ReportCompleted(context.Background(), job.ID, result); reportErr != nil {
		logger.Error("failed to report job completion", "error", reportErr)
	}
}
