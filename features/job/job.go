package job

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type BatchStatus string

const (
	BatchQueued    BatchStatus = "queued"
	BatchRunning   BatchStatus = "running"
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
	BatchExhausted BatchStatus = "exhausted"
)

func (s BatchStatus) Terminal() bool {
	return s == BatchSucceeded || s == BatchExhausted
}

type LogStatus string

const (
	LogSuccess  LogStatus = "success"
	LogFailed   LogStatus = "failed"
	LogRetrying LogStatus = "retrying"
)

// Job is one migration run for a tenant.
type Job struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Status          JobStatus       `json:"status"`
	RecordCount     int             `json:"record_count"`
	TotalBatches    int             `json:"total_batches"`
	FailedBatches   int             `json:"failed_batches"`
	StartedBy       string          `json:"started_by"`
	SourceConfig    json.RawMessage `json:"source_config"`
	TargetConfig    json.RawMessage `json:"target_config"`
	BatchSize       int             `json:"batch_size"`
	MaxRetries      int             `json:"max_retries"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Record is one unit of migration. ID identifies the record across attempts;
// Data is opaque to the engine and interpreted only by the record adapters.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Batch is a contiguous slice of a job's records and the unit of dispatch
// and retry. Batch IDs are stable across retries.
type Batch struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	TenantID  string      `json:"tenant_id"`
	Seq       int         `json:"seq"`
	Records   []Record    `json:"records"`
	Attempts  int         `json:"attempts"`
	Status    BatchStatus `json:"status"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// LogEntry is the immutable per-record per-attempt outcome. Once written it
// is never mutated; a record's history is its entries ordered by ID.
type LogEntry struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	BatchID      string    `json:"batch_id"`
	TenantID     string    `json:"tenant_id"`
	RecordID     string    `json:"record_id"`
	Attempt      int       `json:"attempt"`
	Status       LogStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// BatchStatusCount is the per-status batch tally used for job reconciliation.
type BatchStatusCount struct {
	Queued    int
	Running   int
	Succeeded int
	Failed    int
	Exhausted int
}

func (c BatchStatusCount) Total() int {
	return c.Queued + c.Running + c.Succeeded + c.Failed + c.Exhausted
}

// AllTerminal reports whether every batch reached succeeded or exhausted,
// i.e. nothing is queued, running, or awaiting a retry decision.
func (c BatchStatusCount) AllTerminal() bool {
	return c.Queued == 0 && c.Running == 0 && c.Failed == 0
}

// RetrySummary reports what a manual retry request actually did.
type RetrySummary struct {
	JobID    string   `json:"job_id"`
	Requeued []string `json:"requeued"`
	Skipped  []string `json:"skipped,omitempty"`
}
