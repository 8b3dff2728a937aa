package storage

import "sync"

// MemoryStore is an in-memory NodeStore for tests and embedders that
// run without a writable filesystem.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored record set.
func (ms *MemoryStore) Load() ([]Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]Record, len(ms.records))
	copy(out, ms.records)
	return out, nil
}

// Save replaces the stored record set.
func (ms *MemoryStore) Save(records []Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.records = make([]Record, len(records))
	copy(ms.records, records)
	return nil
}
