package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// Repository is the ledger: the single source of truth for job, batch, and
// log state. All components communicate state changes exclusively through it.
type Repository interface {
	CreateJob(ctx context.Context, j *Job, batches []Batch) error
	GetJob(ctx context.Context, tenantID, jobID string) (*Job, error)
	GetJobByID(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, tenantID string, status JobStatus, limit, offset int) ([]Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, from []JobStatus, to JobStatus) (bool, error)
	SetCancelRequested(ctx context.Context, jobID string) error
	IncrementFailedBatches(ctx context.Context, jobID string) (int, error)

	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context, jobID string) ([]Batch, error)
	ClaimBatch(ctx context.Context, batchID string) (bool, error)
	SetBatchOutcome(ctx context.Context, batchID string, status BatchStatus, lastError string) error
	RequeueBatch(ctx context.Context, batchID string, incrementAttempt bool) (int, error)
	CountBatchStatuses(ctx context.Context, jobID string) (BatchStatusCount, error)

	AppendLogs(ctx context.Context, entries []LogEntry) error
	ListLogs(ctx context.Context, tenantID, jobID string, limit, offset int) ([]LogEntry, error)
	IterateLogs(ctx context.Context, tenantID, jobID string, fn func(LogEntry) error) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const jobColumns = `id, tenant_id, status, record_count, total_batches, failed_batches, started_by,
	source_config, target_config, batch_size, max_retries, cancel_requested, created_at, updated_at`

// CreateJob persists a job together with its batches in one transaction, so
// a pending job can never exist with a partial batch set.
func (r *PostgresRepo) CreateJob(ctx context.Context, j *Job, batches []Batch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	jobQuery := `INSERT INTO jobs (id, tenant_id, status, record_count, total_batches, failed_batches, started_by,
		source_config, target_config, batch_size, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`
	if err := tx.QueryRowContext(ctx, jobQuery,
		j.ID, j.TenantID, j.Status, j.RecordCount, j.TotalBatches, j.FailedBatches, j.StartedBy,
		[]byte(j.SourceConfig), []byte(j.TargetConfig), j.BatchSize, j.MaxRetries,
	).Scan(&j.CreatedAt, &j.UpdatedAt); err != nil {
		return err
	}

	batchQuery := `INSERT INTO batches (id, job_id, tenant_id, seq, records, attempts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, b := range batches {
		records, err := json.Marshal(b.Records)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, batchQuery, b.ID, b.JobID, b.TenantID, b.Seq, records, b.Attempts, b.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	j := &Job{}
	var source, target []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.Status, &j.RecordCount, &j.TotalBatches, &j.FailedBatches,
		&j.StartedBy, &source, &target, &j.BatchSize, &j.MaxRetries, &j.CancelRequested,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.SourceConfig = json.RawMessage(source)
	j.TargetConfig = json.RawMessage(target)
	return j, nil
}

func (r *PostgresRepo) GetJob(ctx context.Context, tenantID, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 AND tenant_id = $2`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, jobID, tenantID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return j, err
}

func (r *PostgresRepo) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(r.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return j, err
}

func (r *PostgresRepo) ListJobs(ctx context.Context, tenantID string, status JobStatus, limit, offset int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1
		AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.db.QueryContext(ctx, query, tenantID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus transitions a job's status only if its current status is in
// from. Returns false when the guard did not match, which keeps terminal
// states terminal under concurrent reconciles.
func (r *PostgresRepo) UpdateJobStatus(ctx context.Context, jobID string, from []JobStatus, to JobStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	query := `UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2 AND status = ANY($3)`
	res, err := r.db.ExecContext(ctx, query, to, jobID, pq.Array(fromStrs))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepo) SetCancelRequested(ctx context.Context, jobID string) error {
	query := `UPDATE jobs SET cancel_requested = TRUE, updated_at = now() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, jobID)
	return err
}

func (r *PostgresRepo) IncrementFailedBatches(ctx context.Context, jobID string) (int, error) {
	var count int
	query := `UPDATE jobs SET failed_batches = failed_batches + 1, updated_at = now()
		WHERE id = $1 RETURNING failed_batches`
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(&count)
	return count, err
}

const batchColumns = `id, job_id, tenant_id, seq, records, attempts, status, last_error, updated_at`

func scanBatch(row interface{ Scan(...interface{}) error }) (*Batch, error) {
	b := &Batch{}
	var records []byte
	var lastError sql.NullString
	err := row.Scan(&b.ID, &b.JobID, &b.TenantID, &b.Seq, &records, &b.Attempts, &b.Status, &lastError, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.LastError = lastError.String
	if err := json.Unmarshal(records, &b.Records); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *PostgresRepo) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	b, err := scanBatch(r.db.QueryRowContext(ctx, query, batchID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	return b, err
}

func (r *PostgresRepo) ListBatches(ctx context.Context, jobID string) ([]Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE job_id = $1 ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// ClaimBatch moves a batch from queued to running. The guard makes the claim
// linearizable: of N concurrent claims for the same batch, exactly one wins.
func (r *PostgresRepo) ClaimBatch(ctx context.Context, batchID string) (bool, error) {
	query := `UPDATE batches SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`
	res, err := r.db.ExecContext(ctx, query, BatchRunning, batchID, BatchQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *PostgresRepo) SetBatchOutcome(ctx context.Context, batchID string, status BatchStatus, lastError string) error {
	query := `UPDATE batches SET status = $1, last_error = $2, updated_at = now() WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, status, lastError, batchID)
	return err
}

// RequeueBatch marks a batch queued for another attempt and returns the new
// attempt count. Automatic retries increment; manual retries keep the count
// cumulative and only flip the status back to queued.
func (r *PostgresRepo) RequeueBatch(ctx context.Context, batchID string, incrementAttempt bool) (int, error) {
	var attempts int
	var query string
	if incrementAttempt {
		query = `UPDATE batches SET status = $1, attempts = attempts + 1, updated_at = now()
			WHERE id = $2 RETURNING attempts`
	} else {
		query = `UPDATE batches SET status = $1, updated_at = now()
			WHERE id = $2 RETURNING attempts`
	}
	err := r.db.QueryRowContext(ctx, query, BatchQueued, batchID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	return attempts, err
}

func (r *PostgresRepo) CountBatchStatuses(ctx context.Context, jobID string) (BatchStatusCount, error) {
	var c BatchStatusCount
	query := `SELECT
		COUNT(*) FILTER (WHERE status = 'queued'),
		COUNT(*) FILTER (WHERE status = 'running'),
		COUNT(*) FILTER (WHERE status = 'succeeded'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(*) FILTER (WHERE status = 'exhausted')
		FROM batches WHERE job_id = $1`
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(&c.Queued, &c.Running, &c.Succeeded, &c.Failed, &c.Exhausted)
	return c, err
}

func (r *PostgresRepo) AppendLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Append-only: no UPDATE path exists for migration_logs anywhere.
	query := `INSERT INTO migration_logs (job_id, batch_id, tenant_id, record_id, attempt, status, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, query,
			e.JobID, e.BatchID, e.TenantID, e.RecordID, e.Attempt, e.Status, e.ErrorMessage, e.RetryCount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const logColumns = `id, job_id, batch_id, tenant_id, record_id, attempt, status, error_message, retry_count, created_at`

func scanLog(row interface{ Scan(...interface{}) error }) (LogEntry, error) {
	var e LogEntry
	var msg sql.NullString
	err := row.Scan(&e.ID, &e.JobID, &e.BatchID, &e.TenantID, &e.RecordID, &e.Attempt, &e.Status, &msg, &e.RetryCount, &e.CreatedAt)
	e.ErrorMessage = msg.String
	return e, err
}

func (r *PostgresRepo) ListLogs(ctx context.Context, tenantID, jobID string, limit, offset int) ([]LogEntry, error) {
	query := `SELECT ` + logColumns + ` FROM migration_logs
		WHERE job_id = $1 AND tenant_id = $2 ORDER BY id LIMIT $3 OFFSET $4`
	rows, err := r.db.QueryContext(ctx, query, jobID, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IterateLogs streams every log entry for a job through fn in insertion
// order, without buffering the full result set. Used by the export handler.
func (r *PostgresRepo) IterateLogs(ctx context.Context, tenantID, jobID string, fn func(LogEntry) error) error {
	query := `SELECT ` + logColumns + ` FROM migration_logs
		WHERE job_id = $1 AND tenant_id = $2 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, jobID, tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
