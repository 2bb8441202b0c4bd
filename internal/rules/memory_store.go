package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps catalog versions in memory. Versions are stored as JSON
// so callers can never share maps with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]byte
	order    []string
}

// NewMemoryStore creates an in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]byte)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Save(_ context.Context, v *Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rules: encode version: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[v.Version]; ok {
		return fmt.Errorf("%w: %s", ErrVersionExists, v.Version)
	}
	m.versions[v.Version] = data
	m.order = append(m.order, v.Version)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Version, 0, len(m.order))
	for _, id := range m.order {
		var v Version
		if err := json.Unmarshal(m.versions[id], &v); err != nil {
			return nil, fmt.Errorf("rules: decode version %s: %w", id, err)
		}
		out = append(out, &v)
	}
	return out, nil
}
