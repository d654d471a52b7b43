package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"freight/backend/features/job"
	"freight/backend/internal/dispatch"
	"freight/backend/internal/metrics"
)

// Pool consumes work items from the two-lane queue and drives them through
// the processor and retry engine. Coordination is per-batch: claims go
// through the ledger's guarded update, so there is no global lock across
// tenants.
type Pool struct {
	lanes      *dispatch.Lanes
	repo       job.Repository
	processor  *Processor
	retry      *RetryEngine
	reconciler Reconciler
	recorder   *metrics.Recorder
	size       int
	logger     *slog.Logger

	wg        sync.WaitGroup
	processed atomic.Int64
	started   time.Time
}

func NewPool(lanes *dispatch.Lanes, repo job.Repository, p *Processor, r *RetryEngine,
	rec Reconciler, recorder *metrics.Recorder, size int, logger *slog.Logger) *Pool {
	return &Pool{
		lanes:      lanes,
		repo:       repo,
		processor:  p,
		retry:      r,
		reconciler: rec,
		recorder:   recorder,
		size:       size,
		logger:     logger,
	}
}

// Start launches the worker goroutines. They exit when ctx is done or the
// lanes are closed.
func (p *Pool) Start(ctx context.Context) {
	p.started = time.Now()
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
	p.retry.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	for {
		task, ok := p.lanes.Pop(ctx)
		if !ok {
			p.logger.InfoContext(ctx, "worker stopping", "worker", id)
			return
		}
		p.handle(ctx, task)
		p.lanes.Done(task)
	}
}

func (p *Pool) handle(ctx context.Context, task job.Task) {
	j, err := p.repo.GetJobByID(ctx, task.JobID)
	if err != nil {
		p.logger.ErrorContext(ctx, "dropping task: job lookup failed", "job_id", task.JobID, "error", err)
		return
	}

	// Cancellation and breaker trips are honored before each pull: a
	// cancelled or already-terminal job dispatches nothing new.
	if j.CancelRequested || j.Status.Terminal() {
		p.logger.InfoContext(ctx, "skipping batch for inactive job",
			"job_id", j.ID, "batch_id", task.BatchID, "status", j.Status, "cancel_requested", j.CancelRequested)
		if err := p.reconciler.Reconcile(ctx, j.ID); err != nil {
			p.logger.ErrorContext(ctx, "reconcile failed", "job_id", j.ID, "error", err)
		}
		return
	}

	claimed, err := p.repo.ClaimBatch(ctx, task.BatchID)
	if err != nil {
		p.logger.ErrorContext(ctx, "claim failed", "batch_id", task.BatchID, "error", err)
		return
	}
	if !claimed {
		// Already terminal or claimed by another worker; the queue's
		// in-flight guard makes this rare, the ledger guard makes it safe.
		return
	}

	// The persisted batch carries the authoritative attempt count and
	// record set; the transport payload is not trusted for either.
	b, err := p.repo.GetBatch(ctx, task.BatchID)
	if err != nil {
		p.logger.ErrorContext(ctx, "batch lookup failed after claim", "batch_id", task.BatchID, "error", err)
		return
	}

	startedAt := time.Now()
	out := p.processor.Process(ctx, j, b)
	p.processed.Add(1)

	if p.recorder != nil {
		status := "succeeded"
		if out.Errors != nil {
			status = "failed"
		}
		p.recorder.ObserveBatch(status, time.Since(startedAt))
		p.recorder.AddRecords(out.Processed-out.Failed, out.Failed)
	}

	// Record failures and a failed log append both land here: either way the
	// attempt did not fully succeed and the retry engine decides what's next.
	if out.Errors != nil {
		summary := out.Errors.Error()
		if len(summary) > 1000 {
			summary = summary[:1000]
		}
		if p.recorder != nil && b.Attempts < j.MaxRetries {
			p.recorder.AddRetry()
		}
		p.retry.OnBatchFailed(ctx, j, b, summary)
	}

	if err := p.reconciler.Reconcile(ctx, j.ID); err != nil {
		p.logger.ErrorContext(ctx, "reconcile failed", "job_id", j.ID, "error", err)
	}
}

// Status reports the pool snapshot for the worker status endpoint.
func (p *Pool) Status() WorkerStatus {
	normal, high := p.lanes.Depths()
	processed := p.processed.Load()

	rate := 0.0
	if mins := time.Since(p.started).Minutes(); mins > 0 {
		rate = float64(processed) / mins
	}

	return WorkerStatus{
		ActiveWorkers:    p.size,
		InFlightBatches:  p.lanes.InFlight(),
		QueueNormalDepth: normal,
		QueueHighDepth:   high,
		BatchesProcessed: processed,
		ProcessingRate:   rate,
	}
}
