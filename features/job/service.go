package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Task is the work item exchanged with the dispatch transport. Beyond these
// fields the payload is opaque to the transport.
type Task struct {
	JobID    string   `json:"job_id"`
	TenantID string   `json:"tenant_id"`
	BatchID  string   `json:"batch_id"`
	Attempt  int      `json:"attempt"`
	Records  []Record `json:"records"`
}

// TaskDispatcher enqueues work items. The two methods are the closed set of
// work-item variants: first attempts go to the normal lane, retries to the
// high-priority lane.
type TaskDispatcher interface {
	EnqueueBatch(ctx context.Context, task Task) error
	EnqueueRetry(ctx context.Context, task Task) error
}

// SourceReader materializes the record set described by a job's source
// configuration.
type SourceReader interface {
	Read(ctx context.Context, sourceConfig json.RawMessage) ([]Record, error)
}

type CreateParams struct {
	SourceConfig json.RawMessage `json:"source_config"`
	TargetConfig json.RawMessage `json:"target_config"`
	BatchSize    int             `json:"batch_size"`
	MaxRetries   int             `json:"max_retries"`
	StartedBy    string          `json:"started_by"`
}

// Defaults fills unset optional parameters. Zero values mean "not provided":
// a caller wanting max_retries = 0 must still say so explicitly via the
// explicit field, so MaxRetries uses a pointer-free convention of -1 from the
// HTTP layer when absent.
type Defaults struct {
	BatchSize  int
	MaxRetries int
}

type Service struct {
	repo       Repository
	dispatcher TaskDispatcher
	reader     SourceReader
	defaults   Defaults
	logger     *slog.Logger
}

func NewService(repo Repository, d TaskDispatcher, reader SourceReader, defaults Defaults, logger *slog.Logger) *Service {
	return &Service{repo: repo, dispatcher: d, reader: reader, defaults: defaults, logger: logger}
}

func emptyConfig(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("null"))
}

// Create validates the request, reads the source record set, partitions it
// into batches, and persists job and batches as pending. Nothing is
// dispatched until Start.
func (s *Service) Create(ctx context.Context, tenantID string, p CreateParams) (*Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id required", ErrInvalidConfiguration)
	}
	if emptyConfig(p.SourceConfig) {
		return nil, fmt.Errorf("%w: source_config must not be empty", ErrInvalidConfiguration)
	}
	if emptyConfig(p.TargetConfig) {
		return nil, fmt.Errorf("%w: target_config must not be empty", ErrInvalidConfiguration)
	}
	if p.BatchSize == 0 {
		p.BatchSize = s.defaults.BatchSize
	}
	if p.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfiguration)
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = s.defaults.MaxRetries
	}
	if p.StartedBy == "" {
		return nil, fmt.Errorf("%w: started_by required", ErrInvalidConfiguration)
	}

	records, err := s.reader.Read(ctx, p.SourceConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: reading source records: %v", ErrInvalidConfiguration, err)
	}

	j := &Job{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Status:       StatusPending,
		RecordCount:  len(records),
		StartedBy:    p.StartedBy,
		SourceConfig: p.SourceConfig,
		TargetConfig: p.TargetConfig,
		BatchSize:    p.BatchSize,
		MaxRetries:   p.MaxRetries,
	}

	batches, err := MakeBatches(j.ID, tenantID, records, p.BatchSize)
	if err != nil {
		return nil, err
	}
	j.TotalBatches = len(batches)

	if err := s.repo.CreateJob(ctx, j, batches); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "job created",
		"job_id", j.ID, "tenant_id", tenantID, "records", j.RecordCount, "batches", j.TotalBatches)
	return j, nil
}

// Start transitions pending → running and dispatches every batch to the
// normal lane.
func (s *Service) Start(ctx context.Context, tenantID, jobID string) (*Job, error) {
	j, err := s.repo.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusPending {
		return nil, fmt.Errorf("%w: job %s is %s, want pending", ErrInvalidState, jobID, j.Status)
	}

	ok, err := s.repo.UpdateJobStatus(ctx, jobID, []JobStatus{StatusPending}, StatusRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %s already started", ErrInvalidState, jobID)
	}
	j.Status = StatusRunning

	batches, err := s.repo.ListBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var dispatchErr *multierror.Error
	for _, b := range batches {
		task := Task{JobID: jobID, TenantID: tenantID, BatchID: b.ID, Attempt: b.Attempts, Records: b.Records}
		if err := s.dispatcher.EnqueueBatch(ctx, task); err != nil {
			dispatchErr = multierror.Append(dispatchErr, fmt.Errorf("batch %s: %w", b.ID, err))
		}
	}
	if err := dispatchErr.ErrorOrNil(); err != nil {
		// Batches that failed to enqueue stay queued in the ledger; the caller
		// retries Start-level dispatch via the retry endpoint once the
		// transport is back.
		s.logger.ErrorContext(ctx, "partial dispatch failure", "job_id", jobID, "error", err)
		return j, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.logger.InfoContext(ctx, "job started", "job_id", jobID, "batches", len(batches))
	return j, nil
}

func (s *Service) Get(ctx context.Context, tenantID, jobID string) (*Job, error) {
	return s.repo.GetJob(ctx, tenantID, jobID)
}

func (s *Service) List(ctx context.Context, tenantID string, status JobStatus, limit, offset int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListJobs(ctx, tenantID, status, limit, offset)
}

// Retry re-enqueues failed or exhausted batches of a non-terminal job on the
// high-priority lane. Attempt counts stay cumulative: a manual retry grants
// exactly one more execution, and the automatic retry ceiling still applies
// afterwards, so repeated manual calls cannot loop a batch unboundedly.
func (s *Service) Retry(ctx context.Context, tenantID, jobID string, batchIDs []string) (*RetrySummary, error) {
	j, err := s.repo.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, j.Status)
	}

	batches, err := s.repo.ListBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}

	requested := map[string]bool{}
	for _, id := range batchIDs {
		requested[id] = true
	}

	// Membership is checked up front so a request naming an unknown batch
	// fails whole: no batch is requeued or dispatched before the error.
	known := map[string]bool{}
	for _, b := range batches {
		known[b.ID] = true
	}
	for id := range requested {
		if !known[id] {
			return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
		}
	}

	summary := &RetrySummary{JobID: jobID}
	for _, b := range batches {
		if len(requested) > 0 && !requested[b.ID] {
			continue
		}
		if b.Status != BatchFailed && b.Status != BatchExhausted {
			summary.Skipped = append(summary.Skipped, b.ID)
			continue
		}
		if _, err := s.repo.RequeueBatch(ctx, b.ID, false); err != nil {
			return nil, err
		}
		task := Task{JobID: jobID, TenantID: tenantID, BatchID: b.ID, Attempt: b.Attempts, Records: b.Records}
		if err := s.dispatcher.EnqueueRetry(ctx, task); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		summary.Requeued = append(summary.Requeued, b.ID)
	}

	s.logger.InfoContext(ctx, "manual retry",
		"job_id", jobID, "requeued", len(summary.Requeued), "skipped", len(summary.Skipped))
	return summary, nil
}

// Cancel requests cooperative cancellation. In-flight batches finish; queued
// batches are never pulled again. The job only becomes cancelled once no
// batch is still running, which Reconcile observes.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID string) (*Job, error) {
	j, err := s.repo.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, j.Status)
	}

	if err := s.repo.SetCancelRequested(ctx, jobID); err != nil {
		return nil, err
	}
	j.CancelRequested = true

	if err := s.Reconcile(ctx, jobID); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "job cancellation requested", "job_id", jobID)
	return s.repo.GetJob(ctx, tenantID, jobID)
}

func (s *Service) Logs(ctx context.Context, tenantID, jobID string, limit, offset int) ([]LogEntry, error) {
	if _, err := s.repo.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListLogs(ctx, tenantID, jobID, limit, offset)
}

func (s *Service) ExportLogs(ctx context.Context, tenantID, jobID string, fn func(LogEntry) error) error {
	if _, err := s.repo.GetJob(ctx, tenantID, jobID); err != nil {
		return err
	}
	return s.repo.IterateLogs(ctx, tenantID, jobID, fn)
}

// Reconcile recomputes a job's status from the ledger's batch tallies. It is
// idempotent: every status write is guarded, so running it any number of
// times, concurrently, converges on the same terminal state.
func (s *Service) Reconcile(ctx context.Context, jobID string) error {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	counts, err := s.repo.CountBatchStatuses(ctx, jobID)
	if err != nil {
		return err
	}

	if j.CancelRequested {
		if counts.Running == 0 {
			ok, err := s.repo.UpdateJobStatus(ctx, jobID, []JobStatus{StatusPending, StatusRunning}, StatusCancelled)
			if err != nil {
				return err
			}
			if ok {
				s.logger.InfoContext(ctx, "job cancelled", "job_id", jobID)
			}
		}
		return nil
	}

	if !counts.AllTerminal() {
		return nil
	}

	target := StatusCompleted
	if counts.Exhausted > 0 {
		target = StatusFailed
	}
	ok, err := s.repo.UpdateJobStatus(ctx, jobID, []JobStatus{StatusRunning}, target)
	if err != nil {
		return err
	}
	if ok {
		s.logger.InfoContext(ctx, "job reached terminal status", "job_id", jobID, "status", target)
	}
	return nil
}
