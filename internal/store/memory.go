package store

import (
	"context"
	"sync"
)

// MemoryStore is a process-local KV. Values do not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	writes int
}

var _ KV = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the stored value for key.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// SetIfAbsent stores value only if key does not exist yet.
func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.writes++
	return true, nil
}

// CompareAndSwap replaces the value for key only if it currently equals expected.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key, expected, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[key]
	if !ok || cur != expected {
		return false, nil
	}
	m.values[key] = value
	m.writes++
	return true, nil
}

// Put overwrites key unconditionally. It simulates a foreign writer such as
// another tab or a hand-edited storage entry.
func (m *MemoryStore) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.writes++
}

// Writes returns the number of successful writes so far.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
