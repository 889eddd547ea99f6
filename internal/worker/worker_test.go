package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

type fakeQueue struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*models.Job
	completed chan int64
	failed    chan int64
	retried   chan int64
	released  chan int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:      make(map[int64]*models.Job),
		completed: make(chan int64, 16),
		failed:    make(chan int64, 16),
		retried:   make(chan int64, 16),
		released:  make(chan int64, 16),
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	job.ID = q.nextID
	job.Status = models.JobStatusPending
	q.jobs[job.ID] = job
	return nil
}

func (q *fakeQueue) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := int64(1); id <= q.nextID; id++ {
		job, ok := q.jobs[id]
		if !ok || job.Status != models.JobStatusPending {
			continue
		}
		if job.RetryAfter != nil && job.RetryAfter.After(time.Now()) {
			continue
		}
		job.Status = models.JobStatusProcessing
		job.Attempts++
		job.WorkerID = &workerID
		claimed := *job
		return &claimed, nil
	}
	return nil, nil
}

func (q *fakeQueue) setStatus(id int64, status models.JobStatus, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = status
	if msg != "" {
		q.jobs[id].LastError = &msg
	}
}

func (q *fakeQueue) MarkCompleted(ctx context.Context, id int64) error {
	q.setStatus(id, models.JobStatusCompleted, "")
	q.completed <- id
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	q.setStatus(id, models.JobStatusFailed, errorMsg)
	q.failed <- id
	return nil
}

func (q *fakeQueue) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	q.mu.Lock()
	q.jobs[id].Status = models.JobStatusPending
	q.jobs[id].LastError = &errorMsg
	q.jobs[id].RetryAfter = &retryAfter
	q.mu.Unlock()
	q.retried <- id
	return nil
}

func (q *fakeQueue) ReleaseJob(ctx context.Context, id int64) error {
	q.mu.Lock()
	q.jobs[id].Status = models.JobStatusPending
	q.jobs[id].Attempts--
	q.mu.Unlock()
	q.released <- id
	return nil
}

func (q *fakeQueue) GetStats(ctx context.Context) (*models.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &models.JobStats{}
	for _, job := range q.jobs {
		stats.Total++
		switch job.Status {
		case models.JobStatusPending:
			stats.Pending++
		case models.JobStatusProcessing:
			stats.Processing++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func testConfig() Config {
	return Config{
		MaxConcurrent:  1,
		PollInterval:   5 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
}

func receive(t *testing.T, ch chan int64) int64 {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job transition")
		return 0
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	q := newFakeQueue()
	handled := make(chan string, 1)
	w := New(testConfig(), q, Handlers{
		"echo": func(ctx context.Context, job *models.Job) error {
			handled <- job.Payload["msg"].(string)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "echo", Payload: models.JSONB{"msg": "hi"}, MaxAttempts: 1}))

	assert.Equal(t, int64(1), receive(t, q.completed))
	assert.Equal(t, "hi", <-handled)

	stats := w.GetStats()
	assert.Equal(t, int64(1), stats.JobsSucceeded)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q := newFakeQueue()
	var mu sync.Mutex
	calls := 0
	w := New(testConfig(), q, Handlers{
		"flaky": func(ctx context.Context, job *models.Job) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("endpoint down")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "flaky", Payload: models.JSONB{}, MaxAttempts: 3}))

	receive(t, q.retried)
	receive(t, q.retried)
	id := receive(t, q.failed)

	q.mu.Lock()
	job := q.jobs[id]
	q.mu.Unlock()
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "endpoint down", *job.LastError)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestWorkerFailsUnknownJobType(t *testing.T) {
	q := newFakeQueue()
	w := New(testConfig(), q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "mystery", Payload: models.JSONB{}, MaxAttempts: 1}))
	receive(t, q.failed)
}

func TestStopReleasesActiveJob(t *testing.T) {
	q := newFakeQueue()
	started := make(chan struct{})
	w := New(testConfig(), q, Handlers{
		"slow": func(ctx context.Context, job *models.Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, w.Enqueue(ctx, &models.Job{JobType: "slow", Payload: models.JSONB{}, MaxAttempts: 3}))
	<-started

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int64(1), receive(t, q.released))

	stats, err := w.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Empty(t, q.retried)
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	w := New(testConfig(), newFakeQueue(), nil)
	assert.Error(t, w.Enqueue(context.Background(), &models.Job{JobType: "x"}))
}

func TestRetryDelayIsBounded(t *testing.T) {
	w := New(Config{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second, RetryBackoffMultiplier: 2}, newFakeQueue(), nil)

	first := w.retryDelay(1)
	assert.GreaterOrEqual(t, first, 800*time.Millisecond)
	assert.LessOrEqual(t, first, 1200*time.Millisecond)

	third := w.retryDelay(3)
	assert.GreaterOrEqual(t, third, 3200*time.Millisecond)
	assert.LessOrEqual(t, third, 4800*time.Millisecond)

	capped := w.retryDelay(20)
	assert.LessOrEqual(t, capped, 12*time.Second)
}
