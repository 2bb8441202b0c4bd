// Package webhooks notifies external systems (pagers, SCADA gateways, shift
// boards) about alert lifecycle changes.
//
// Payloads are signed with HMAC-SHA256 over the body using the
// subscription's secret, sent in X-Siterisk-Signature.
package webhooks

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/siterisk/internal/alerts"
)

var ErrNotFound = errors.New("webhooks: subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventAlertRaised       EventType = "alert.raised"
	EventAlertAcknowledged EventType = "alert.acknowledged"
	EventAlertResolved     EventType = "alert.resolved"
)

// EventTypes lists every event a subscription may ask for.
var EventTypes = []EventType{EventAlertRaised, EventAlertAcknowledged, EventAlertResolved}

// eventFor maps an alert status to the event announcing it. Generated alerts
// are not announced; they become active in the same evaluation.
func eventFor(s alerts.Status) (EventType, bool) {
	switch s {
	case alerts.StatusActive:
		return EventAlertRaised, true
	case alerts.StatusAcknowledged:
		return EventAlertAcknowledged, true
	case alerts.StatusResolved:
		return EventAlertResolved, true
	default:
		return "", false
	}
}

// Event represents a webhook event
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Alert     *alerts.Alert `json:"alert"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Structures          []string    `json:"structures,omitempty"` // empty = whole site
	MinScore            int         `json:"minScore,omitempty"`   // alerts below this score are not sent
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription covers the event.
func (s *Subscription) Wants(e *Event) bool {
	if !s.Active || !slices.Contains(s.Events, e.Type) {
		return false
	}
	if len(s.Structures) > 0 && !slices.Contains(s.Structures, e.Alert.Location.Structure) {
		return false
	}
	return e.Alert.RiskScoreAtCreation >= s.MinScore
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, clone(sub))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && slices.Contains(sub.Events, eventType) {
			result = append(result, clone(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func clone(s *Subscription) *Subscription {
	c := *s
	c.Events = slices.Clone(s.Events)
	c.Structures = slices.Clone(s.Structures)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}
