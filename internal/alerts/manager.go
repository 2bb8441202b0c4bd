package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/siterisk/internal/idgen"
	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/syncutil"
)

// Notifier is told about every alert the manager creates or changes.
type Notifier interface {
	AlertChanged(ctx context.Context, a *Alert)
}

// Manager owns alert lifecycle transitions.
type Manager struct {
	store     Store
	locks     syncutil.Lanes // per level
	notifiers []Notifier
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier registers a change listener.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifiers = append(m.notifiers, n) }
}

// WithClock overrides the lifecycle timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an alert manager.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply reconciles a level's alerts with its newly current state and returns
// the alerts it created or changed.
//
// Open alerts whose cause no longer fires are resolved. An elevated or forced
// state raises one alert per triggered rule not already covered by an open
// alert or by an operator resolution that still suppresses it. A forced state
// hides the other categories, so their alerts are left untouched.
func (m *Manager) Apply(ctx context.Context, state *risk.State, recordID string) ([]*Alert, error) {
	unlock := m.locks.Lock(state.Location.String())
	defer unlock()

	now := m.now().UTC()
	holds := make(map[string]bool, len(state.TriggeredRules))
	for _, tr := range state.TriggeredRules {
		holds[tr.RuleCode] = true
	}
	cleared := func(cause string) bool {
		return !holds[cause] && !state.Forced()
	}

	open, err := m.store.List(ctx, Filter{Location: &state.Location, Unresolved: true})
	if err != nil {
		return nil, fmt.Errorf("alerts: list open: %w", err)
	}
	var changed []*Alert
	covered := make(map[string]bool)
	for _, a := range open {
		switch {
		case cleared(a.Cause):
			a.Status = StatusResolved
			a.Resolution = ResolutionCleared
			a.ResolvedAt = &now
		case a.Status == StatusGenerated:
			covered[a.Cause] = true
			a.Status = StatusActive
			a.ActivatedAt = &now
		default:
			covered[a.Cause] = true
			continue
		}
		a.UpdatedAt = now
		if err := m.store.Update(ctx, a); err != nil {
			return changed, fmt.Errorf("alerts: update %s: %w", a.ID, err)
		}
		metrics.AlertTransitionsTotal.WithLabelValues(string(a.Status), "engine").Inc()
		changed = append(changed, a)
	}

	suppressing, err := m.store.List(ctx, Filter{Location: &state.Location, Suppressing: true})
	if err != nil {
		return changed, fmt.Errorf("alerts: list suppressing: %w", err)
	}
	for _, a := range suppressing {
		if !cleared(a.Cause) {
			covered[a.Cause] = true
			continue
		}
		a.Suppressing = false
		a.LiftedAt = &now
		a.UpdatedAt = now
		if err := m.store.Update(ctx, a); err != nil {
			return changed, fmt.Errorf("alerts: lift suppression %s: %w", a.ID, err)
		}
		changed = append(changed, a)
	}

	if state.Band.Elevated() || state.Forced() {
		for _, tr := range state.TriggeredRules {
			if covered[tr.RuleCode] {
				continue
			}
			a, err := m.raise(ctx, state, tr, recordID, now)
			if err != nil {
				return changed, err
			}
			changed = append(changed, a)
		}
	}

	for _, a := range changed {
		m.notify(ctx, a)
	}
	return changed, nil
}

func (m *Manager) raise(ctx context.Context, state *risk.State, tr risk.TriggeredRule, recordID string, now time.Time) (*Alert, error) {
	a := &Alert{
		ID:                  idgen.WithPrefix("alr_"),
		Location:            state.Location,
		Cause:               tr.RuleCode,
		Category:            tr.Category,
		RiskScoreAtCreation: state.Score,
		Explanation:         state.Explanation,
		Uncertain:           tr.Uncertain,
		RecordID:            recordID,
		RaisedAt:            state.ComputedAt,
		Status:              StatusGenerated,
		GeneratedAt:         now,
		UpdatedAt:           now,
	}
	if err := m.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("alerts: create: %w", err)
	}
	metrics.AlertTransitionsTotal.WithLabelValues(string(StatusGenerated), "engine").Inc()

	a.Status = StatusActive
	a.ActivatedAt = &now
	if err := m.store.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("alerts: activate %s: %w", a.ID, err)
	}
	metrics.AlertTransitionsTotal.WithLabelValues(string(StatusActive), "engine").Inc()

	logging.L(ctx).Info("alert raised",
		"alert_id", a.ID, "cause", a.Cause, "score", a.RiskScoreAtCreation, "uncertain", a.Uncertain)
	return a, nil
}

// Acknowledge moves an active alert to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, id, comment string) (*Alert, error) {
	return m.transition(ctx, id, StatusAcknowledged, comment, func(a *Alert, now time.Time) {
		a.AcknowledgedAt = &now
	}, StatusActive)
}

// Resolve closes an active or acknowledged alert by operator action. The
// cause still holds at this point, so the alert keeps suppressing its rule in
// rollups until a later evaluation shows the cause cleared.
func (m *Manager) Resolve(ctx context.Context, id, comment string) (*Alert, error) {
	return m.transition(ctx, id, StatusResolved, comment, func(a *Alert, now time.Time) {
		a.ResolvedAt = &now
		a.Resolution = ResolutionOperator
		a.Suppressing = true
	}, StatusActive, StatusAcknowledged)
}

func (m *Manager) transition(ctx context.Context, id string, to Status, comment string, apply func(*Alert, time.Time), from ...Status) (*Alert, error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(a.Location.String())
	defer unlock()

	// Re-read under the level lock; Apply may have resolved it meanwhile.
	a, err = m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, s := range from {
		if a.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &InvalidTransitionError{ID: id, From: a.Status, To: to}
	}

	now := m.now().UTC()
	a.Status = to
	a.UpdatedAt = now
	if comment != "" {
		a.Comment = comment
	}
	apply(a, now)
	if err := m.store.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("alerts: update %s: %w", id, err)
	}
	metrics.AlertTransitionsTotal.WithLabelValues(string(to), "operator").Inc()
	logging.L(ctx).Info("alert transitioned", "alert_id", id, "status", to)
	m.notify(ctx, a)
	return a, nil
}

// Suppressions returns the rule codes operators have resolved per level while
// their causes still hold.
func (m *Manager) Suppressions(ctx context.Context) (risk.Suppressions, error) {
	list, err := m.store.List(ctx, Filter{Suppressing: true})
	if err != nil {
		return nil, err
	}
	sup := make(risk.Suppressions)
	for _, a := range list {
		sup.Suppress(a.Location, a.Cause)
	}
	return sup, nil
}

// SuppressionsAt returns the suppressions that were in force at the instant
// at: operator resolutions made at or before it and not yet lifted by then.
// Historical rollups use it so a later resolution never rewrites the past.
func (m *Manager) SuppressionsAt(ctx context.Context, at time.Time) (risk.Suppressions, error) {
	list, err := m.store.List(ctx, Filter{OperatorResolved: true})
	if err != nil {
		return nil, err
	}
	sup := make(risk.Suppressions)
	for _, a := range list {
		if a.SuppressedAt(at) {
			sup.Suppress(a.Location, a.Cause)
		}
	}
	return sup, nil
}

// Prune deletes alerts resolved before the cutoff that no longer suppress anything.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int64, error) {
	return m.store.PruneResolved(ctx, before)
}

// Get returns an alert by id.
func (m *Manager) Get(ctx context.Context, id string) (*Alert, error) {
	return m.store.Get(ctx, id)
}

// List returns alerts matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return m.store.List(ctx, f)
}

func (m *Manager) notify(ctx context.Context, a *Alert) {
	for _, n := range m.notifiers {
		n.AlertChanged(ctx, a.clone())
	}
}
