// Package cache holds the current risk state of every level for fast reads.
//
// The audit store stays the source of truth; the cache only shortcuts
// GET /levels/current and is refilled from it on a miss.
package cache

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

var ErrMiss = errors.New("cache: miss")

// Cache stores the latest state per level. Put never replaces a state with
// one computed at an earlier instant.
type Cache interface {
	Put(ctx context.Context, s *risk.State) error
	Get(ctx context.Context, loc site.Ref) (*risk.State, error)
	// All returns every cached state sorted by location.
	All(ctx context.Context) ([]*risk.State, error)
}

// Memory is an in-process cache.
type Memory struct {
	mu     sync.RWMutex
	states map[site.Ref]*risk.State
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{states: make(map[site.Ref]*risk.State)}
}

func (m *Memory) Put(_ context.Context, s *risk.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[s.Location]; ok && cur.ComputedAt.After(s.ComputedAt) {
		return nil
	}
	m.states[s.Location] = s.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, loc site.Ref) (*risk.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[loc]
	if !ok {
		return nil, ErrMiss
	}
	return s.Clone(), nil
}

func (m *Memory) All(_ context.Context) ([]*risk.State, error) {
	m.mu.RLock()
	out := make([]*risk.State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()
	sortStates(out)
	return out, nil
}

func sortStates(states []*risk.State) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].Location.String() < states[j].Location.String()
	})
}
