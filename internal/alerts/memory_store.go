package alerts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory alert store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
}

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	m.alerts[a.ID] = a.clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Alert{}
	for _, a := range m.alerts {
		if f.matches(a) {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.After(out[j].GeneratedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) PruneResolved(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.alerts {
		if a.Status == StatusResolved && !a.Suppressing && a.ResolvedAt != nil && a.ResolvedAt.Before(before) {
			delete(m.alerts, id)
			n++
		}
	}
	return n, nil
}
