// Package store provides the key-value persistence boundary used for
// long-lived state such as the machine identity and relay ID claims.
package store

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is a minimal key-value persistence interface.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, replacing any existing value.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases resources held by the store.
	Close() error
}

// MemoryStore is an in-memory Store. It is safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a copy of value under key.
func (m *MemoryStore) Put(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
