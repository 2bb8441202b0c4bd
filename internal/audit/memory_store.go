package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/siterisk/internal/site"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	ordered []*Record // by (At, ID)
	current map[site.Ref]*Record
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		current: make(map[site.Ref]*Record),
	}
}

var _ Store = (*MemoryStore)(nil)

func less(a, b *Record) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) Commit(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	c := rec.clone()
	m.records[c.ID] = c
	i := sort.Search(len(m.ordered), func(i int) bool { return less(c, m.ordered[i]) })
	m.ordered = append(m.ordered, nil)
	copy(m.ordered[i+1:], m.ordered[i:])
	m.ordered[i] = c

	if cur, ok := m.current[c.Location]; !ok || !c.At.Before(cur.At) {
		m.current[c.Location] = c
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Current(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.current))
	for _, r := range m.current {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location.String() < out[j].Location.String() })
	return out, nil
}

func (m *MemoryStore) CurrentFor(_ context.Context, loc site.Ref) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.current[loc]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) Effective(_ context.Context, loc site.Ref, at time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Records at the instant are contiguous in (At, ID) order; the last one
	// for loc is the effective record.
	i := sort.Search(len(m.ordered), func(i int) bool { return !m.ordered[i].At.Before(at) })
	var found *Record
	for _, r := range m.ordered[i:] {
		if !r.At.Equal(at) {
			break
		}
		if r.Location == loc {
			found = r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.clone(), nil
}

func (m *MemoryStore) Trail(_ context.Context, q Query) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.ordered {
		if q.matches(r) {
			out = append(out, r.clone())
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Since(_ context.Context, t time.Time) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.ordered), func(i int) bool { return m.ordered[i].At.After(t) })
	out := make([]*Record, 0, len(m.ordered)-i)
	for _, r := range m.ordered[i:] {
		out = append(out, r.clone())
	}
	return out, nil
}
