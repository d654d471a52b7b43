package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"freight/backend/features/job"
)

// Outcome is the aggregate result of one batch attempt.
type Outcome struct {
	BatchID   string
	Attempt   int
	Processed int
	Failed    int
	Errors    error
}

// Processor executes one batch attempt: every record is migrated
// independently, each produces exactly one log entry, and the entries are
// appended to the ledger before Process returns. A record failure never
// aborts the batch.
type Processor struct {
	repo     job.Repository
	migrator RecordMigrator
	timeout  time.Duration
	logger   *slog.Logger
}

func NewProcessor(repo job.Repository, migrator RecordMigrator, timeout time.Duration, logger *slog.Logger) *Processor {
	return &Processor{repo: repo, migrator: migrator, timeout: timeout, logger: logger}
}

// Process runs batch attempt b.Attempts for job j. The batch's persisted
// attempt count is authoritative; the transport payload is only a hint.
// Re-invoking for the same batch is safe: entries are scoped to
// (batch, attempt) and the batch status write reflects only this attempt.
func (p *Processor) Process(ctx context.Context, j *job.Job, b *job.Batch) Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// If this attempt fails and the ceiling is not yet reached, record
	// entries say "retrying"; on the final attempt they say "failed".
	failStatus := job.LogFailed
	if b.Attempts < j.MaxRetries {
		failStatus = job.LogRetrying
	}

	out := Outcome{BatchID: b.ID, Attempt: b.Attempts}
	var merr *multierror.Error
	entries := make([]job.LogEntry, 0, len(b.Records))

	for _, rec := range b.Records {
		entry := job.LogEntry{
			JobID:      j.ID,
			BatchID:    b.ID,
			TenantID:   j.TenantID,
			RecordID:   rec.ID,
			Attempt:    b.Attempts,
			RetryCount: b.Attempts,
			Status:     job.LogSuccess,
		}

		var err error
		if ctx.Err() != nil {
			err = fmt.Errorf("batch timeout: record not attempted: %w", ctx.Err())
		} else {
			err = p.migrator.Migrate(ctx, rec, j.SourceConfig, j.TargetConfig)
		}

		if err != nil {
			entry.Status = failStatus
			entry.ErrorMessage = err.Error()
			out.Failed++
			merr = multierror.Append(merr, fmt.Errorf("record %s: %w", rec.ID, err))
		}
		out.Processed++
		entries = append(entries, entry)
	}

	// Ledger first: the return value is never the sole record of outcome.
	// Append with a fresh context so a batch timeout cannot lose the audit
	// trail of what was already attempted.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer writeCancel()
	appendErr := p.repo.AppendLogs(writeCtx, entries)
	if appendErr != nil {
		p.logger.ErrorContext(ctx, "failed to append log entries", "batch_id", b.ID, "error", appendErr)
		merr = multierror.Append(merr, fmt.Errorf("appending logs: %w", appendErr))
	}

	out.Errors = merr.ErrorOrNil()

	status := job.BatchSucceeded
	lastError := ""
	if out.Failed > 0 {
		status = job.BatchFailed
		lastError = fmt.Sprintf("%d/%d records failed", out.Failed, len(b.Records))
	} else if appendErr != nil {
		// An attempt whose entries were lost does not count as a success:
		// the retry re-runs the batch and rewrites the audit trail.
		status = job.BatchFailed
		lastError = "log entries not persisted"
	}
	if err := p.repo.SetBatchOutcome(writeCtx, b.ID, status, lastError); err != nil {
		p.logger.ErrorContext(ctx, "failed to record batch outcome", "batch_id", b.ID, "error", err)
	}

	p.logger.InfoContext(ctx, "batch processed",
		"batch_id", b.ID, "attempt", b.Attempts, "processed", out.Processed, "failed", out.Failed)
	return out
}
