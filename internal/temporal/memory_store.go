package temporal

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
	mu           sync.RWMutex
	events       map[string]*Event
	measurements map[string]*Measurement
	byLevel      map[site.Ref]*levelLog
	snapshots    []*Snapshot // ordered by At
}

// levelLog keeps one level's inputs sorted by (timestamp, id).
type levelLog struct {
	events       []*Event
	measurements []*Measurement
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:       make(map[string]*Event),
		measurements: make(map[string]*Measurement),
		byLevel:      make(map[site.Ref]*levelLog),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) level(loc site.Ref) *levelLog {
	l, ok := m.byLevel[loc]
	if !ok {
		l = &levelLog{}
		m.byLevel[loc] = l
	}
	return l
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[e.ID]; ok {
		if existing.sameContent(e) {
			return false, nil
		}
		return false, fmt.Errorf("%w: event %s", ErrConflictingRecord, e.ID)
	}
	c := e.clone()
	m.events[c.ID] = c

	l := m.level(c.Location)
	i := sort.Search(len(l.events), func(i int) bool {
		return before(c.Timestamp, c.ID, l.events[i].Timestamp, l.events[i].ID)
	})
	l.events = append(l.events, nil)
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = c
	return true, nil
}

func (m *MemoryStore) AppendMeasurement(_ context.Context, ms *Measurement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.measurements[ms.ID]; ok {
		if existing.sameContent(ms) {
			return false, nil
		}
		return false, fmt.Errorf("%w: measurement %s", ErrConflictingRecord, ms.ID)
	}
	c := ms.clone()
	m.measurements[c.ID] = c

	l := m.level(c.Location)
	i := sort.Search(len(l.measurements), func(i int) bool {
		return before(c.Timestamp, c.ID, l.measurements[i].Timestamp, l.measurements[i].ID)
	})
	l.measurements = append(l.measurements, nil)
	copy(l.measurements[i+1:], l.measurements[i:])
	l.measurements[i] = c
	return true, nil
}

func (m *MemoryStore) QuerySince(_ context.Context, loc site.Ref, at time.Time, window time.Duration) (*Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from := at.Add(-window)
	w := &Window{Location: loc, From: from, To: at, Events: []*Event{}, Measurements: []*Measurement{}}
	l, ok := m.byLevel[loc]
	if !ok {
		return w, nil
	}
	for _, e := range l.events {
		if e.Timestamp.After(from) && !e.Timestamp.After(at) {
			w.Events = append(w.Events, e.clone())
		}
	}
	for _, ms := range l.measurements {
		if ms.Timestamp.After(from) && !ms.Timestamp.After(at) {
			w.Measurements = append(w.Measurements, ms.clone())
		}
	}
	return w, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, q EventQuery) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if q.matches(e) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return before(out[i].Timestamp, out[i].ID, out[j].Timestamp, out[j].ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Latest(_ context.Context, loc site.Ref) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	l, ok := m.byLevel[loc]
	if !ok {
		return latest, nil
	}
	if n := len(l.events); n > 0 {
		latest = l.events[n-1].Timestamp
	}
	if n := len(l.measurements); n > 0 && l.measurements[n-1].Timestamp.After(latest) {
		latest = l.measurements[n-1].Timestamp
	}
	return latest, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := s.clone()
	i := sort.Search(len(m.snapshots), func(i int) bool {
		return m.snapshots[i].At.After(c.At)
	})
	m.snapshots = append(m.snapshots, nil)
	copy(m.snapshots[i+1:], m.snapshots[i:])
	m.snapshots[i] = c
	return nil
}

func (m *MemoryStore) NearestSnapshot(_ context.Context, at time.Time) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.snapshots), func(i int) bool {
		return m.snapshots[i].At.After(at)
	})
	if i == 0 {
		return nil, ErrSnapshotNotFound
	}
	return m.snapshots[i-1].clone(), nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, from, to time.Time) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Snapshot
	for _, s := range m.snapshots {
		if !s.At.Before(from) && !s.At.After(to) {
			out = append(out, s.clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, kind Kind, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	switch kind {
	case KindEvents:
		for id, e := range m.events {
			if e.Timestamp.Before(cutoff) {
				delete(m.events, id)
				n++
			}
		}
		for _, l := range m.byLevel {
			i := sort.Search(len(l.events), func(i int) bool { return !l.events[i].Timestamp.Before(cutoff) })
			l.events = append([]*Event(nil), l.events[i:]...)
		}
	case KindMeasurements:
		for id, ms := range m.measurements {
			if ms.Timestamp.Before(cutoff) {
				delete(m.measurements, id)
				n++
			}
		}
		for _, l := range m.byLevel {
			i := sort.Search(len(l.measurements), func(i int) bool { return !l.measurements[i].Timestamp.Before(cutoff) })
			l.measurements = append([]*Measurement(nil), l.measurements[i:]...)
		}
	case KindSnapshots:
		i := sort.Search(len(m.snapshots), func(i int) bool { return !m.snapshots[i].At.Before(cutoff) })
		n = int64(i)
		m.snapshots = append([]*Snapshot(nil), m.snapshots[i:]...)
	default:
		return 0, fmt.Errorf("temporal: unknown kind %q", kind)
	}
	return n, nil
}
