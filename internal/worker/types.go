package worker

import (
	"context"
	"encoding/json"

	"freight/backend/features/job"
)

// RecordMigrator performs the actual per-record transfer. Implementations
// interpret the job's opaque source/target configurations; the engine never
// looks inside them.
type RecordMigrator interface {
	Migrate(ctx context.Context, record job.Record, sourceConfig, targetConfig json.RawMessage) error
}

// Reconciler recomputes job-level status from the ledger. *job.Service
// satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID string) error
}

// WorkerStatus is the snapshot served by the worker status endpoint.
type WorkerStatus struct {
	ActiveWorkers    int     `json:"active_workers"`
	InFlightBatches  int     `json:"in_flight_batches"`
	QueueNormalDepth int     `json:"queue_normal_depth"`
	QueueHighDepth   int     `json:"queue_high_depth"`
	BatchesProcessed int64   `json:"batches_processed"`
	ProcessingRate   float64 `json:"processing_rate_per_min"`
}
