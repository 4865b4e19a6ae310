package domain

import (
	"context"
	"time"
)

// RequestLedger is the durable record of every generation request.
// Implementations must be safe for concurrent use.
type RequestLedger interface {
	// Create stores a new request and returns the id assigned to it. Either
	// the whole record becomes visible under the id or nothing is stored.
	Create(ctx context.Context, req *GenerationRequest) (string, error)
	// Update merges patch into the stored request. Fields absent from the
	// patch are never touched. Returns ErrRequestNotFound, ErrAlreadyFinalized
	// or ErrWorkerAlreadyAssigned when the patch cannot be applied.
	Update(ctx context.Context, id string, patch RequestPatch) error
	// Get returns a copy of the stored request.
	Get(ctx context.Context, id string) (*GenerationRequest, error)
	// ListUnfinalized returns requests without an outcome that started before the given time.
	ListUnfinalized(ctx context.Context, startedBefore time.Time) ([]*GenerationRequest, error)
}
