// Package alerts derives operator alerts from elevated risk states and moves
// them through a fixed lifecycle: generated → active → acknowledged → resolved.
//
// At most one unresolved alert exists per (level, cause), where the cause is the
// rule that fired. Re-evaluating the same inputs therefore never duplicates an
// alert, and an acknowledged alert keeps covering its cause until it clears.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/siterisk/internal/site"
)

var (
	ErrNotFound          = errors.New("alerts: alert not found")
	ErrInvalidTransition = errors.New("alerts: invalid transition")
)

// Status is an alert's lifecycle position.
type Status string

const (
	StatusGenerated    Status = "generated"
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// ParseStatus validates a status filter.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusGenerated, StatusActive, StatusAcknowledged, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("alerts: unknown status %q", s)
}

// Resolution records who resolved an alert.
type Resolution string

const (
	ResolutionCleared  Resolution = "cleared"  // a later evaluation no longer shows the cause
	ResolutionOperator Resolution = "operator" // resolved by hand while the cause may still hold
)

// InvalidTransitionError is returned for a lifecycle change the state machine
// does not allow.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("alerts: cannot move %s from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Alert is a lifecycle-tracked notice derived from an elevated risk state.
type Alert struct {
	ID                  string     `json:"id"`
	Location            site.Ref   `json:"location"`
	Cause               string     `json:"cause"` // code of the rule that raised it
	Category            string     `json:"category"`
	RiskScoreAtCreation int        `json:"riskScoreAtCreation"`
	Explanation         string     `json:"explanation"`
	Uncertain           bool       `json:"uncertain,omitempty"`
	RecordID            string     `json:"recordId"`
	RaisedAt            time.Time  `json:"raisedAt"` // computedAt of the raising state
	Status              Status     `json:"status"`
	Resolution          Resolution `json:"resolution,omitempty"`
	Suppressing         bool       `json:"suppressing,omitempty"`
	Comment             string     `json:"comment,omitempty"`
	GeneratedAt         time.Time  `json:"generatedAt"`
	ActivatedAt         *time.Time `json:"activatedAt,omitempty"`
	AcknowledgedAt      *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt          *time.Time `json:"resolvedAt,omitempty"`
	LiftedAt            *time.Time `json:"liftedAt,omitempty"` // when an operator resolution stopped suppressing
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Unresolved reports whether the alert still covers its cause.
func (a *Alert) Unresolved() bool {
	return a.Status != StatusResolved
}

// SuppressedAt reports whether the alert's operator resolution suppressed its
// cause at the instant t.
func (a *Alert) SuppressedAt(t time.Time) bool {
	if a.Resolution != ResolutionOperator || a.ResolvedAt == nil || a.ResolvedAt.After(t) {
		return false
	}
	if a.LiftedAt != nil {
		return a.LiftedAt.After(t)
	}
	return a.Suppressing
}

func (a *Alert) clone() *Alert {
	c := *a
	for _, p := range []**time.Time{&c.ActivatedAt, &c.AcknowledgedAt, &c.ResolvedAt, &c.LiftedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}

// Filter selects alerts for List. Zero fields match everything.
type Filter struct {
	Location    *site.Ref
	Status      Status
	Unresolved  bool
	Suppressing bool
	// OperatorResolved selects alerts resolved by hand, lifted or not.
	OperatorResolved bool
	Limit            int
}

func (f Filter) matches(a *Alert) bool {
	if f.Location != nil && a.Location != *f.Location {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Unresolved && !a.Unresolved() {
		return false
	}
	if f.Suppressing && !a.Suppressing {
		return false
	}
	if f.OperatorResolved && a.Resolution != ResolutionOperator {
		return false
	}
	return true
}

// Store persists alerts. Alerts are retained indefinitely by default.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	Update(ctx context.Context, a *Alert) error
	// List returns matching alerts newest first.
	List(ctx context.Context, f Filter) ([]*Alert, error)
	// PruneResolved deletes alerts resolved before the cutoff.
	PruneResolved(ctx context.Context, before time.Time) (int64, error)
}
