package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"freight/backend/features/job"
)

// fakeRepo is an in-memory job.Repository with the same guard semantics as
// the Postgres implementation, so pool and retry behavior can be exercised
// without a database.
type fakeRepo struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	batches   map[string]*job.Batch
	logs      []job.LogEntry
	appendErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]*job.Job{}, batches: map[string]*job.Batch{}}
}

func (f *fakeRepo) seed(j *job.Job, batches []job.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	for _, b := range batches {
		bc := b
		f.batches[b.ID] = &bc
	}
}

func (f *fakeRepo) CreateJob(_ context.Context, j *job.Job, batches []job.Batch) error {
	f.seed(j, batches)
	return nil
}

func (f *fakeRepo) GetJob(_ context.Context, tenantID, jobID string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, fmt.Errorf("%w: job %s", job.ErrNotFound, jobID)
	}
	cp := *j
	return &cp, nil
}

func (f *fakeRepo) GetJobByID(_ context.Context, jobID string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", job.ErrNotFound, jobID)
	}
	cp := *j
	return &cp, nil
}

func (f *fakeRepo) ListJobs(_ context.Context, tenantID string, status job.JobStatus, limit, offset int) ([]job.Job, error) {
	return nil, nil
}

func (f *fakeRepo) UpdateJobStatus(_ context.Context, jobID string, from []job.JobStatus, to job.JobStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if j.Status == s {
			j.Status = to
			j.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) SetCancelRequested(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID]; ok {
		j.CancelRequested = true
	}
	return nil
}

func (f *fakeRepo) IncrementFailedBatches(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("%w: job %s", job.ErrNotFound, jobID)
	}
	j.FailedBatches++
	return j.FailedBatches, nil
}

func (f *fakeRepo) GetBatch(_ context.Context, batchID string) (*job.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", job.ErrNotFound, batchID)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeRepo) ListBatches(_ context.Context, jobID string) ([]job.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var batches []job.Batch
	for _, b := range f.batches {
		if b.JobID == jobID {
			batches = append(batches, *b)
		}
	}
	sort.Slice(batches, func(a, b int) bool { return batches[a].Seq < batches[b].Seq })
	return batches, nil
}

func (f *fakeRepo) ClaimBatch(_ context.Context, batchID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok || b.Status != job.BatchQueued {
		return false, nil
	}
	b.Status = job.BatchRunning
	return true, nil
}

func (f *fakeRepo) SetBatchOutcome(_ context.Context, batchID string, status job.BatchStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.batches[batchID]; ok {
		b.Status = status
		b.LastError = lastError
	}
	return nil
}

func (f *fakeRepo) RequeueBatch(_ context.Context, batchID string, incrementAttempt bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return 0, fmt.Errorf("%w: batch %s", job.ErrNotFound, batchID)
	}
	if incrementAttempt {
		b.Attempts++
	}
	b.Status = job.BatchQueued
	return b.Attempts, nil
}

func (f *fakeRepo) CountBatchStatuses(_ context.Context, jobID string) (job.BatchStatusCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c job.BatchStatusCount
	for _, b := range f.batches {
		if b.JobID != jobID {
			continue
		}
		switch b.Status {
		case job.BatchQueued:
			c.Queued++
		case job.BatchRunning:
			c.Running++
		case job.BatchSucceeded:
			c.Succeeded++
		case job.BatchFailed:
			c.Failed++
		case job.BatchExhausted:
			c.Exhausted++
		}
	}
	return c, nil
}

func (f *fakeRepo) AppendLogs(_ context.Context, entries []job.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	for _, e := range entries {
		e.ID = int64(len(f.logs) + 1)
		f.logs = append(f.logs, e)
	}
	return nil
}

func (f *fakeRepo) ListLogs(_ context.Context, tenantID, jobID string, limit, offset int) ([]job.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []job.LogEntry
	for _, e := range f.logs {
		if e.JobID == jobID && e.TenantID == tenantID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (f *fakeRepo) IterateLogs(_ context.Context, tenantID, jobID string, fn func(job.LogEntry) error) error {
	entries, _ := f.ListLogs(context.Background(), tenantID, jobID, 0, 0)
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRepo) logsFor(batchID string) []job.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []job.LogEntry
	for _, e := range f.logs {
		if e.BatchID == batchID {
			entries = append(entries, e)
		}
	}
	return entries
}

// scriptedMigrator fails each record the configured number of times before
// succeeding. A count of -1 fails forever.
type scriptedMigrator struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	delay    time.Duration
}

func newScriptedMigrator(failures map[string]int) *scriptedMigrator {
	return &scriptedMigrator{failures: failures, calls: map[string]int{}}
}

func (m *scriptedMigrator) Migrate(ctx context.Context, rec job.Record, _, _ json.RawMessage) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[rec.ID]++
	remaining := m.failures[rec.ID]
	if remaining == -1 {
		return fmt.Errorf("record %s permanently rejected", rec.ID)
	}
	if remaining > 0 {
		m.failures[rec.ID] = remaining - 1
		return fmt.Errorf("record %s transient failure", rec.ID)
	}
	return nil
}

// captureDispatcher records tasks without any transport behind it.
type captureDispatcher struct {
	mu     sync.Mutex
	normal []job.Task
	high   []job.Task
	err    error
}

func (d *captureDispatcher) EnqueueBatch(_ context.Context, t job.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.normal = append(d.normal, t)
	return nil
}

func (d *captureDispatcher) EnqueueRetry(_ context.Context, t job.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.high = append(d.high, t)
	return nil
}

func (d *captureDispatcher) highTasks() []job.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]job.Task(nil), d.high...)
}
