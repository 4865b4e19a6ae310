package domain

import "context"

// Sweeper closes ledger entries whose completion was never observed,
// for instance because the broker that dispatched them restarted.
type Sweeper interface {
	// Start sweeps on its schedule until ctx is done.
	Start(ctx context.Context) error
	// Sweep runs one pass and returns how many requests it finalized.
	Sweep(ctx context.Context) (int, error)
}

// Finalizer records the outcome of a request exactly once.
type Finalizer interface {
	Finalize(ctx context.Context, requestID string, successful bool, reason string) bool
}
