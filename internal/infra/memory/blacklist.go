package memory

import (
	"context"
	"sync"

	"image-broker/internal/domain"
)

type blacklist struct {
	mu      sync.RWMutex
	entries map[string]domain.BlacklistEntry
}

// NewBlacklist creates a process-local worker blacklist.
func NewBlacklist() domain.Blacklist {
	return &blacklist{entries: make(map[string]domain.BlacklistEntry)}
}

func (b *blacklist) IsTrustworthy(_ context.Context, workerID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, listed := b.entries[workerID]
	return !listed
}

func (b *blacklist) Add(_ context.Context, entry domain.BlacklistEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.WorkerID] = entry
	return nil
}

func (b *blacklist) Remove(_ context.Context, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, workerID)
	return nil
}

func (b *blacklist) Lookup(_ context.Context, workerID string) (*domain.BlacklistEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[workerID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}
