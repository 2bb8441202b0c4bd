// Package temporal stores the append-only history of events, measurements and
// risk snapshots that every evaluation and replay reads from.
package temporal

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

var (
	ErrValidation        = errors.New("temporal: validation failed")
	ErrSnapshotNotFound  = errors.New("temporal: no snapshot at or before time")
	ErrConflictingRecord = errors.New("temporal: id already stored with different content")
)

// Well-known event types. The set is open: any lower_snake_case type is accepted
// and matched by rules on name.
const (
	EventBlastScheduled    = "blast_scheduled"
	EventBlastFired        = "blast_fired"
	EventReentryCleared    = "reentry_cleared"
	EventGasAlert          = "gas_alert"
	EventGasCleared        = "gas_cleared"
	EventPermitIssued      = "permit_issued"
	EventSeismicEvent      = "seismic_event"
	EventProximityAlarm    = "proximity_alarm"
	EventOverspeed         = "overspeed_violation"
	EventUnauthorizedEntry = "unauthorized_access"
)

// MaxSeverity is the highest event severity.
const MaxSeverity = 5

// Event is a discrete occurrence at a level.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Location   site.Ref          `json:"location"`
	Type       string            `json:"type"`
	Severity   int               `json:"severity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// Measurement is a single sensor reading at a level.
type Measurement struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Location   site.Ref  `json:"location"`
	SensorType string    `json:"sensorType"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// sameContent compares everything but ReceivedAt, which differs between
// redeliveries of the same input.
func (e *Event) sameContent(o *Event) bool {
	return e.ID == o.ID && e.Timestamp.Equal(o.Timestamp) && e.Location == o.Location &&
		e.Type == o.Type && e.Severity == o.Severity && maps.Equal(e.Metadata, o.Metadata)
}

func (m *Measurement) sameContent(o *Measurement) bool {
	return m.ID == o.ID && m.Timestamp.Equal(o.Timestamp) && m.Location == o.Location &&
		m.SensorType == o.SensorType && m.Value == o.Value && m.Unit == o.Unit
}

func (e *Event) clone() *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = maps.Clone(e.Metadata)
	}
	return &c
}

func (m *Measurement) clone() *Measurement {
	c := *m
	return &c
}

// Snapshot is the persisted risk state of every level at one instant. Snapshots
// bootstrap evaluation so replay never has to walk history from the beginning.
type Snapshot struct {
	ID        string       `json:"id"`
	At        time.Time    `json:"at"`
	States    []risk.State `json:"states"`
	CreatedAt time.Time    `json:"createdAt"`
}

// State returns the snapshot's state for loc.
func (s *Snapshot) State(loc site.Ref) (*risk.State, bool) {
	for i := range s.States {
		if s.States[i].Location == loc {
			return &s.States[i], true
		}
	}
	return nil, false
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.States = make([]risk.State, len(s.States))
	for i := range s.States {
		c.States[i] = *s.States[i].Clone()
	}
	return &c
}

// Window is the ordered input of one level over (From, To].
type Window struct {
	Location     site.Ref       `json:"location"`
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`
	Events       []*Event       `json:"events"`
	Measurements []*Measurement `json:"measurements"`
}

// EventIDs returns the ids of the window's events in order.
func (w *Window) EventIDs() []string {
	ids := make([]string, len(w.Events))
	for i, e := range w.Events {
		ids[i] = e.ID
	}
	return ids
}

// MeasurementIDs returns the ids of the window's measurements in order.
func (w *Window) MeasurementIDs() []string {
	ids := make([]string, len(w.Measurements))
	for i, m := range w.Measurements {
		ids[i] = m.ID
	}
	return ids
}

// Kind selects a record class for retention.
type Kind string

const (
	KindEvents       Kind = "events"
	KindMeasurements Kind = "measurements"
	KindSnapshots    Kind = "snapshots"
)

// ValidationError rejects an input before it reaches the store. It wraps
// ErrValidation so callers can test with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Normalize returns t in UTC at millisecond precision, the resolution every
// store keeps, so in-memory and persisted inputs compare equal.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// before orders inputs by (timestamp, id).
func before(at time.Time, id string, ot time.Time, oid string) bool {
	if !at.Equal(ot) {
		return at.Before(ot)
	}
	return id < oid
}
