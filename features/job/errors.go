package job

import "errors"

// Error taxonomy. Handlers map these onto HTTP statuses with errors.Is;
// everything else is a 500.
var (
	// ErrInvalidConfiguration covers bad input to job or batch creation.
	// Never retried, surfaced to the caller immediately.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNotFound covers tenant/job/batch mismatches. A job owned by another
	// tenant is indistinguishable from a job that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means the operation is not valid for the current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrQueueUnavailable means the dispatch transport is unreachable.
	// Reported to the caller, never silently dropped.
	ErrQueueUnavailable = errors.New("queue unavailable")
)
