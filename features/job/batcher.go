package job

import (
	"fmt"

	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch IDs. Re-invoking MakeBatches with
// the same job ID and records yields identical IDs, so idempotent job
// recreation never mints duplicate batches.
var batchNamespace = uuid.MustParse("8f3c1f6e-0b6d-4a7e-9c80-2d3f5a9b1c44")

// BatchID derives the stable ID for the seq-th batch of a job.
func BatchID(jobID string, seq int) string {
	return uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%s/%d", jobID, seq))).String()
}

// MakeBatches partitions records into ordered batches of at most size
// records each. The partition is exact: no record is lost or duplicated and
// input order is preserved. The final batch may be short.
func MakeBatches(jobID, tenantID string, records []Record, size int) ([]Batch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfiguration, size)
	}

	count := (len(records) + size - 1) / size
	batches := make([]Batch, 0, count)
	for seq := 0; seq < count; seq++ {
		lo := seq * size
		hi := lo + size
		if hi > len(records) {
			hi = len(records)
		}
		batches = append(batches, Batch{
			ID:       BatchID(jobID, seq),
			JobID:    jobID,
			TenantID: tenantID,
			Seq:      seq,
			Records:  records[lo:hi],
			Status:   BatchQueued,
		})
	}
	return batches, nil
}
