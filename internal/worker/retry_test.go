package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freight/backend/features/job"
)

func newTestRetryEngine(repo job.Repository, d job.TaskDispatcher, cfg RetryConfig) (*RetryEngine, *[]time.Duration) {
	e := NewRetryEngine(repo, d, cfg, slog.Default())
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) {
		slept = append(slept, d)
	}
	return e, &slept
}

func TestRetryEngine_Backoff(t *testing.T) {
	e := NewRetryEngine(nil, nil, RetryConfig{
		BackoffBase: 2 * time.Second,
		BackoffCap:  10 * time.Second,
	}, slog.Default())

	assert.Equal(t, 2*time.Second, e.Backoff(1))
	assert.Equal(t, 4*time.Second, e.Backoff(2))
	assert.Equal(t, 8*time.Second, e.Backoff(3))
	assert.Equal(t, 10*time.Second, e.Backoff(4), "growth stops at the cap")
	assert.Equal(t, 10*time.Second, e.Backoff(10))
	assert.Equal(t, 2*time.Second, e.Backoff(0), "attempt floor is 1")
}

func TestRetryEngine_RequeuesBelowCeiling(t *testing.T) {
	repo := newFakeRepo()
	d := &captureDispatcher{}
	e, slept := newTestRetryEngine(repo, d, RetryConfig{
		BackoffBase: time.Second, BackoffCap: time.Minute, BreakerRatio: 0.5,
	})

	j := testJob(3)
	b := testBatch(0, "r1")
	b.Status = job.BatchFailed
	repo.seed(j, []job.Batch{*b})

	e.OnBatchFailed(context.Background(), j, b, "1/1 records failed")
	e.Wait()

	got, err := repo.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, job.BatchQueued, got.Status)
	assert.Equal(t, 1, got.Attempts, "automatic retry increments the attempt count")

	require.Len(t, *slept, 1)
	assert.Equal(t, time.Second, (*slept)[0], "first retry waits the base delay")

	high := d.highTasks()
	require.Len(t, high, 1)
	assert.Equal(t, b.ID, high[0].BatchID)
	assert.Equal(t, 1, high[0].Attempt)
}

func TestRetryEngine_BackoffOffWorkerPath(t *testing.T) {
	repo := newFakeRepo()
	d := &captureDispatcher{}
	e := NewRetryEngine(repo, d, RetryConfig{
		BackoffBase: time.Second, BreakerRatio: 0.5,
	}, slog.Default())

	release := make(chan struct{})
	e.sleep = func(ctx context.Context, _ time.Duration) {
		select {
		case <-ctx.Done():
		case <-release:
		}
	}

	j := testJob(3)
	b := testBatch(0, "r1")
	b.Status = job.BatchFailed
	repo.seed(j, []job.Batch{*b})

	// The caller must get its worker slot back while the delay is pending.
	done := make(chan struct{})
	go func() {
		e.OnBatchFailed(context.Background(), j, b, "boom")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnBatchFailed blocked on the backoff delay")
	}

	got, err := repo.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, job.BatchQueued, got.Status, "requeue is persisted before the delay")
	assert.Empty(t, d.highTasks(), "re-enqueue waits out the delay")

	close(release)
	e.Wait()
	require.Len(t, d.highTasks(), 1)
}

func TestRetryEngine_ExhaustsAtCeiling(t *testing.T) {
	repo := newFakeRepo()
	d := &captureDispatcher{}
	e, slept := newTestRetryEngine(repo, d, RetryConfig{
		BackoffBase: time.Second, BreakerRatio: 0.5,
	})

	j := testJob(3)
	j.TotalBatches = 4
	b := testBatch(3, "r1")
	b.Status = job.BatchFailed
	repo.seed(j, []job.Batch{*b})

	e.OnBatchFailed(context.Background(), j, b, "boom")

	got, _ := repo.GetBatch(context.Background(), b.ID)
	assert.Equal(t, job.BatchExhausted, got.Status)
	assert.Equal(t, "boom", got.LastError)
	assert.Empty(t, *slept)
	assert.Empty(t, d.highTasks())

	// 1/4 failed is below the 0.5 ratio: the job keeps running.
	fresh, _ := repo.GetJobByID(context.Background(), j.ID)
	assert.Equal(t, job.StatusRunning, fresh.Status)
	assert.Equal(t, 1, fresh.FailedBatches)
}

func TestRetryEngine_BreakerTripsJob(t *testing.T) {
	repo := newFakeRepo()
	d := &captureDispatcher{}
	e, _ := newTestRetryEngine(repo, d, RetryConfig{
		BackoffBase: time.Second, BreakerRatio: 0.5,
	})

	j := testJob(3)
	j.TotalBatches = 2
	j.FailedBatches = 0
	b := testBatch(3, "r1")
	b.Status = job.BatchFailed
	repo.seed(j, []job.Batch{*b})

	e.OnBatchFailed(context.Background(), j, b, "boom")

	// 1/2 failed meets the ratio: the job fails fast.
	fresh, _ := repo.GetJobByID(context.Background(), j.ID)
	assert.Equal(t, job.StatusFailed, fresh.Status)
}

func TestRetryEngine_SuppressedAfterCancelRequest(t *testing.T) {
	repo := newFakeRepo()
	d := &captureDispatcher{}
	e, slept := newTestRetryEngine(repo, d, RetryConfig{
		BackoffBase: time.Second, BreakerRatio: 0.5,
	})

	j := testJob(3)
	b := testBatch(0, "r1")
	b.Status = job.BatchFailed
	repo.seed(j, []job.Batch{*b})
	require.NoError(t, repo.SetCancelRequested(context.Background(), j.ID))

	e.OnBatchFailed(context.Background(), j, b, "boom")

	got, _ := repo.GetBatch(context.Background(), b.ID)
	assert.Equal(t, job.BatchFailed, got.Status, "no requeue after cancel")
	assert.Empty(t, *slept)
	assert.Empty(t, d.highTasks())
}

func TestRetryEngine_SuppressedForTerminalJob(t *testing.T) {
	repo := newFakeRepo()
	d := &captureDispatcher{}
	e, _ := newTestRetryEngine(repo, d, RetryConfig{
		BackoffBase: time.Second, BreakerRatio: 0.5,
	})

	j := testJob(3)
	b := testBatch(0, "r1")
	b.Status = job.BatchFailed
	repo.seed(j, []job.Batch{*b})
	_, err := repo.UpdateJobStatus(context.Background(), j.ID, []job.JobStatus{job.StatusRunning}, job.StatusFailed)
	require.NoError(t, err)

	e.OnBatchFailed(context.Background(), j, b, "boom")

	got, _ := repo.GetBatch(context.Background(), b.ID)
	assert.Equal(t, job.BatchFailed, got.Status)
	assert.Empty(t, d.highTasks())
}
