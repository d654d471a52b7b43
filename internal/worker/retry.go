package worker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"freight/backend/features/job"
)

type RetryConfig struct {
	// BackoffBase is the delay before the first re-enqueue; subsequent
	// delays double per attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// BreakerRatio is the failed_batches/total_batches fraction at which a
	// job fails fast instead of exhausting every remaining batch.
	BreakerRatio float64
}

// RetryEngine owns the re-enqueue decision and the attempt-count increment.
// Nothing else touches either.
type RetryEngine struct {
	repo       job.Repository
	dispatcher job.TaskDispatcher
	cfg        RetryConfig
	logger     *slog.Logger
	wg         sync.WaitGroup

	// sleep is injectable so tests do not wait out real backoff delays.
	sleep func(ctx context.Context, d time.Duration)
}

func NewRetryEngine(repo job.Repository, d job.TaskDispatcher, cfg RetryConfig, logger *slog.Logger) *RetryEngine {
	return &RetryEngine{
		repo:       repo,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Wait blocks until every scheduled re-enqueue has fired. Called on shutdown
// after the workers have stopped, so no new ones get scheduled underneath it.
func (e *RetryEngine) Wait() {
	e.wg.Wait()
}

// Backoff returns the delay before re-enqueueing attempt number attempt
// (1-indexed): base * 2^(attempt-1), capped.
func (e *RetryEngine) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if e.cfg.BackoffCap > 0 && d > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return d
}

// OnBatchFailed decides the fate of a failed batch attempt: re-enqueue on
// the high lane after backoff, or exhaust it and evaluate the circuit
// breaker. Batch-level errors stop here; they never propagate upward.
func (e *RetryEngine) OnBatchFailed(ctx context.Context, j *job.Job, b *job.Batch, errSummary string) {
	// A tripped breaker or a cancel request suppresses further retries for
	// the job's remaining batches. Re-read so we see transitions made since
	// this batch was claimed.
	fresh, err := e.repo.GetJobByID(ctx, j.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "retry decision: job lookup failed", "job_id", j.ID, "error", err)
		return
	}
	if fresh.Status.Terminal() || fresh.CancelRequested {
		e.logger.InfoContext(ctx, "retry suppressed",
			"job_id", j.ID, "batch_id", b.ID, "job_status", fresh.Status, "cancel_requested", fresh.CancelRequested)
		return
	}

	if b.Attempts < j.MaxRetries {
		attempts, err := e.repo.RequeueBatch(ctx, b.ID, true)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to requeue batch", "batch_id", b.ID, "error", err)
			return
		}

		delay := e.Backoff(attempts)
		e.logger.InfoContext(ctx, "batch scheduled for retry",
			"batch_id", b.ID, "attempt", attempts, "delay", delay)

		// Waiting out the delay here would hold the caller's worker slot and
		// the tenant's active count for the whole backoff, so the re-enqueue
		// runs detached. The batch is already queued in the ledger.
		task := job.Task{JobID: j.ID, TenantID: j.TenantID, BatchID: b.ID, Attempt: attempts, Records: b.Records}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sleep(ctx, delay)
			if err := e.dispatcher.EnqueueRetry(ctx, task); err != nil {
				// Transport down: leave the batch queued in the ledger. A manual
				// retry or transport recovery path re-dispatches it; the failure
				// is recorded, never dropped.
				e.logger.ErrorContext(ctx, "retry enqueue failed", "batch_id", b.ID, "error", err)
			}
		}()
		return
	}

	// Ceiling reached.
	if err := e.repo.SetBatchOutcome(ctx, b.ID, job.BatchExhausted, errSummary); err != nil {
		e.logger.ErrorContext(ctx, "failed to mark batch exhausted", "batch_id", b.ID, "error", err)
		return
	}
	failed, err := e.repo.IncrementFailedBatches(ctx, j.ID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to bump failed_batches", "job_id", j.ID, "error", err)
		return
	}
	e.logger.WarnContext(ctx, "batch exhausted",
		"batch_id", b.ID, "attempts", b.Attempts, "job_failed_batches", failed)

	if j.TotalBatches > 0 && float64(failed)/float64(j.TotalBatches) >= e.cfg.BreakerRatio {
		ok, err := e.repo.UpdateJobStatus(ctx, j.ID,
			[]job.JobStatus{job.StatusPending, job.StatusRunning}, job.StatusFailed)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to trip circuit breaker", "job_id", j.ID, "error", err)
			return
		}
		if ok {
			e.logger.WarnContext(ctx, "circuit breaker tripped",
				"job_id", j.ID, "failed_batches", failed, "total_batches", j.TotalBatches)
		}
	}
}
