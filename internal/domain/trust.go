package domain

import (
	"context"
	"time"
)

// TrustFilter answers whether a worker may receive work.
type TrustFilter interface {
	// IsTrustworthy reports whether workerID is absent from the blacklist.
	// Implementations must fail closed: if the backing store cannot be
	// reached the worker is not trustworthy.
	IsTrustworthy(ctx context.Context, workerID string) bool
}

// BlacklistEntry records why a worker was excluded from the pool.
type BlacklistEntry struct {
	WorkerID  string    `json:"workerId"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// Blacklist is the store behind the TrustFilter.
type Blacklist interface {
	TrustFilter
	Add(ctx context.Context, entry BlacklistEntry) error
	Remove(ctx context.Context, workerID string) error
	// Lookup returns the entry for workerID, or nil when the worker is not blacklisted.
	Lookup(ctx context.Context, workerID string) (*BlacklistEntry, error)
}
