package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Record is the last state a bootstrap run reached for one collection.
type Record struct {
	Namespace   string    `json:"namespace"`
	State       string    `json:"state"`
	Fingerprint string    `json:"fingerprint"` // plan the state was reached with
	Documents   int       `json:"documents"`   // documents seeded by that plan
	RunID       string    `json:"run_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists records by key, typically the collection namespace.
type Store interface {
	Load(ctx context.Context, key string) (rec Record, ok bool, err error)
	Save(ctx context.Context, key string, rec Record) error
	Clear(ctx context.Context, key string) error
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load returns the record saved under key; ok is false if none.
func (m *MemoryStore) Load(_ context.Context, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

// Save replaces the record under key.
func (m *MemoryStore) Save(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = rec
	return nil
}

// Clear removes the record under key.
func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
