package approval

import (
	"context"
	"sync"
)

// MemoryStore is a PolicyStore that forgets everything on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Policy
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Policy)}
}

func (m *MemoryStore) GetDecision(_ context.Context, key string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.records[key]; ok {
		return p, nil
	}
	return PolicyNone, nil
}

func (m *MemoryStore) UpsertDecision(_ context.Context, key string, policy Policy) error {
	m.mu.Lock()
	m.records[key] = policy
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteDecision(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
