// internal/infra/memory/request_ledger.go
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"image-broker/internal/domain"

	"github.com/google/uuid"
)

type requestLedger struct {
	mu       sync.Mutex
	requests map[string]*domain.GenerationRequest
}

// NewRequestLedger creates a process-local ledger. Entries are lost on exit.
func NewRequestLedger() domain.RequestLedger {
	return &requestLedger{requests: make(map[string]*domain.GenerationRequest)}
}

func (l *requestLedger) Create(_ context.Context, req *domain.GenerationRequest) (string, error) {
	rec := clone(req)
	rec.ID = uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests[rec.ID] = rec
	return rec.ID, nil
}

func (l *requestLedger) Update(_ context.Context, id string, patch domain.RequestPatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.requests[id]
	if !ok {
		return domain.ErrRequestNotFound
	}
	next := clone(rec)
	if err := next.Apply(patch); err != nil {
		return err
	}
	l.requests[id] = next
	return nil
}

func (l *requestLedger) Get(_ context.Context, id string) (*domain.GenerationRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	return clone(rec), nil
}

func (l *requestLedger) ListUnfinalized(_ context.Context, startedBefore time.Time) ([]*domain.GenerationRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*domain.GenerationRequest
	for _, rec := range l.requests {
		if !rec.Finalized() && rec.Start.Before(startedBefore) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func clone(r *domain.GenerationRequest) *domain.GenerationRequest {
	c := *r
	if r.Successful != nil {
		v := *r.Successful
		c.Successful = &v
	}
	if r.End != nil {
		v := *r.End
		c.End = &v
	}
	return &c
}
