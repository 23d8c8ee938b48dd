package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory JobStore capturing persistence calls.
type memStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]Job
	results []Result
}

var _ JobStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]Job)}
}

func (s *memStore) SaveJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *memStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *memStore) PersistResult(ctx context.Context, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, *result)
	return nil
}

func (s *memStore) LoadPendingJobs(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*Job
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			j := job
			pending = append(pending, &j)
		}
	}
	return pending, nil
}

func (s *memStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[uuid.UUID]Job)
	s.results = nil
	return nil
}

func (s *memStore) jobStatus(id uuid.UUID) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job.Status, ok
}

func (s *memStore) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		WorkerCount: 2,
		MaxActive:   5,
		Retry:       RetryStrategy{MaxRetries: 2, BackoffType: "fixed", InitialDelay: 10 * time.Millisecond},
		Retention:   time.Hour,
	}
}

func startManager(t *testing.T, config ManagerConfig, store JobStore, exec Executor) *Manager {
	t.Helper()
	m := NewManager(config, store, exec, testLogger())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestManagerRunsJobEndToEnd(t *testing.T) {
	store := newMemStore()
	exec := funcExecutor(func(ctx context.Context, job *Job, progress func(int)) (*Result, error) {
		progress(100)
		return &Result{Success: true, PassedCount: 3}, nil
	})
	m := startManager(t, testManagerConfig(), store, exec)

	id, err := m.AddJob(context.Background(), &Job{DeviceID: "dev-a", Priority: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := m.GetJobStatus(id)
		return err == nil && info.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	status, ok := store.jobStatus(id)
	require.True(t, ok, "job persisted through the store")
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 1, store.resultCount())
}

func TestManagerRehydratesPersistedJobsOnStart(t *testing.T) {
	store := newMemStore()

	// Simulate a previous process that died mid-run: one job was active,
	// one was still waiting, one already finished.
	interrupted := uuid.New()
	waiting := uuid.New()
	done := uuid.New()
	require.NoError(t, store.SaveJob(context.Background(), &Job{
		ID: interrupted, DeviceID: "dev-a", Priority: 9, Status: StatusActive, Progress: 70,
	}))
	require.NoError(t, store.SaveJob(context.Background(), &Job{
		ID: waiting, DeviceID: "dev-b", Priority: 5, Status: StatusWaiting,
	}))
	require.NoError(t, store.SaveJob(context.Background(), &Job{
		ID: done, DeviceID: "dev-c", Priority: 5, Status: StatusCompleted,
		FinishedAt: time.Now(),
	}))

	var mu sync.Mutex
	executed := make(map[uuid.UUID]bool)
	exec := funcExecutor(func(ctx context.Context, job *Job, progress func(int)) (*Result, error) {
		mu.Lock()
		executed[job.ID] = true
		mu.Unlock()
		return &Result{Success: true}, nil
	})
	m := startManager(t, testManagerConfig(), store, exec)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return executed[interrupted] && executed[waiting]
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.False(t, executed[done], "terminal jobs are not re-run")
	mu.Unlock()

	info, err := m.GetJobStatus(interrupted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status)
}

func TestManagerAddJobsBulkStopsAtFirstInvalid(t *testing.T) {
	m := startManager(t, testManagerConfig(), nil, funcExecutor(
		func(ctx context.Context, job *Job, progress func(int)) (*Result, error) {
			return &Result{Success: true}, nil
		}))
	m.PauseQueue()

	jobs := []*Job{
		{DeviceID: "dev-a", Priority: 5},
		{DeviceID: "dev-b", Priority: 7},
		{DeviceID: "dev-c", Priority: 42},
		{DeviceID: "dev-d", Priority: 5},
	}
	ids, err := m.AddJobsBulk(context.Background(), jobs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPriority)
	assert.Contains(t, err.Error(), "job 2")
	assert.Len(t, ids, 2, "jobs before the invalid one were admitted")

	stats := m.GetStats()
	assert.Equal(t, 2, stats.Waiting)
}

func TestManagerPauseAndResumeQueue(t *testing.T) {
	var executions sync.WaitGroup
	exec := funcExecutor(func(ctx context.Context, job *Job, progress func(int)) (*Result, error) {
		executions.Done()
		return &Result{Success: true}, nil
	})
	m := startManager(t, testManagerConfig(), nil, exec)

	m.PauseQueue()
	id, err := m.AddJob(context.Background(), &Job{DeviceID: "dev-a", Priority: 5})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	info, err := m.GetJobStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, info.Status, "paused queue dispatches nothing")

	executions.Add(1)
	m.ResumeQueue()
	done := make(chan struct{})
	go func() {
		executions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dispatched after resume")
	}
}

func TestManagerCleanQueueUsesConfiguredRetention(t *testing.T) {
	store := newMemStore()
	config := testManagerConfig()
	config.Retention = 50 * time.Millisecond

	exec := funcExecutor(func(ctx context.Context, job *Job, progress func(int)) (*Result, error) {
		return &Result{Success: true}, nil
	})
	m := startManager(t, config, store, exec)

	id, err := m.AddJob(context.Background(), &Job{DeviceID: "dev-a", Priority: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := m.GetJobStatus(id)
		return err == nil && info.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	pruned, err := m.CleanQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, ok := store.jobStatus(id)
	assert.False(t, ok, "persisted terminal job pruned too")
}

func TestManagerObliterateQueue(t *testing.T) {
	store := newMemStore()
	m := startManager(t, testManagerConfig(), store, funcExecutor(
		func(ctx context.Context, job *Job, progress func(int)) (*Result, error) {
			return &Result{Success: true}, nil
		}))
	m.PauseQueue()

	_, err := m.AddJob(context.Background(), &Job{DeviceID: "dev-a", Priority: 5})
	require.NoError(t, err)
	_, err = m.AddJob(context.Background(), &Job{DeviceID: "dev-b", Priority: 5})
	require.NoError(t, err)

	require.NoError(t, m.ObliterateQueue(context.Background(), false))
	assert.Equal(t, Stats{}, m.GetStats())

	pending, err := store.LoadPendingJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManagerStuckJobMonitorInterruptsLongRunners(t *testing.T) {
	config := testManagerConfig()
	config.StuckJobAge = 50 * time.Millisecond
	config.StuckJobCheckInterval = 20 * time.Millisecond
	config.Retry = RetryStrategy{MaxRetries: 1, BackoffType: "fixed", InitialDelay: 10 * time.Millisecond}

	exec := funcExecutor(func(ctx context.Context, job *Job, progress func(int)) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := startManager(t, config, nil, exec)

	id, err := m.AddJob(context.Background(), &Job{DeviceID: "dev-a", Priority: 5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := m.GetJobStatus(id)
		return err == nil && info.Status == StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	info, err := m.GetJobStatus(id)
	require.NoError(t, err)
	assert.Contains(t, info.LastError, "timeout:")
}
