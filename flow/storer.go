package flow

import (
	"fmt"
	"sync"

	"github.com/oauthlab/oidcflow/oidc"
)

// Storer defines the key/value persistence layer the flow package writes
// through.  Implementations must be concurrently safe.
type Storer interface {
	// Get reads the value for key.  The bool reports whether the key was
	// present.
	Get(key string) ([]byte, bool, error)

	// Set writes the value for key, replacing any existing value.
	Set(key string, value []byte) error

	// Remove deletes the key.  Removing an absent key is not an error.
	Remove(key string) error
}

// MemStore is an in-memory Storer.  It is concurrently safe and suitable
// for tests and single-process use.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: map[string][]byte{},
	}
}

// Get implements Storer, returning a copy of the stored value.
func (m *MemStore) Get(key string) ([]byte, bool, error) {
	const op = "MemStore.Get"
	if key == "" {
		return nil, false, fmt.Errorf("%s: missing key: %w", op, oidc.ErrInvalidParameter)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Set implements Storer, storing a copy of the value.
func (m *MemStore) Set(key string, value []byte) error {
	const op = "MemStore.Set"
	if key == "" {
		return fmt.Errorf("%s: missing key: %w", op, oidc.ErrInvalidParameter)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = cp
	return nil
}

// Remove implements Storer.
func (m *MemStore) Remove(key string) error {
	const op = "MemStore.Remove"
	if key == "" {
		return fmt.Errorf("%s: missing key: %w", op, oidc.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
