package scheduler

import "context"

// Job represents a unit of work that can be executed by the worker pool.
type Job interface {
	// Execute runs the job with the given context.
	// Context should be respected for cancellation and timeouts.
	Execute(ctx context.Context) error

	// ItemID returns the item the job works on, for logging and tracing.
	ItemID() string

	// Description returns a human-readable description of the job.
	Description() string
}

// Discarder is implemented by jobs that hold state which must be released
// when the pool refuses them.
type Discarder interface {
	Discard()
}
