package fallback

import (
	"context"
	"sync"
)

// MemoryBackend keeps records for the lifetime of the process.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryBackend creates the in-memory tier.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(_ context.Context, timerID string) (Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.records[timerID]
	if !ok {
		return Record{}, ErrNotFound
	}
	r.Entities = append([]string(nil), r.Entities...)
	return r, nil
}

func (b *MemoryBackend) Save(_ context.Context, timerID string, r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r.Entities = append([]string(nil), r.Entities...)
	b.records[timerID] = r
	return nil
}
