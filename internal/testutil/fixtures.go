// Package testutil provides shared fixtures and database setup for tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/evaluator"
	"github.com/mbd888/siterisk/internal/explain"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/temporal"
)

// SiteYAML is a small layout: level-3 has no sensors, level-4 and bench-1 do.
const SiteYAML = `
site:
  id: north-mine
  name: North Mine
  structures:
    - id: decline-a
      name: Decline A
      kind: decline
      levels:
        - id: level-3
          name: Level 3
        - id: level-4
          name: Level 4
          sensors: [CO]
    - id: pit-1
      name: Pit 1
      kind: pit
      levels:
        - id: bench-1
          name: Bench 1
          sensors: [CO, O2]
`

// CatalogYAML is the core of config/rules.yaml without site overrides.
const CatalogYAML = `
version: 1.0.0
rules:
  - code: LOCKOUT_BLAST_NO_REENTRY
    category: lockout
    kind: pending_clearance
    impact: force=100
    window: 12h
    params: {trigger: blast_fired, clear: reentry_cleared}
    explain: "blast fired at {{stamp .Time}} and re-entry has not been cleared"
  - code: TIME_BLAST_IMMINENT
    category: time_critical
    kind: upcoming
    impact: +40
    window: 24h
    params: {event: blast_scheduled, cancel: blast_fired}
    thresholds: {lead_minutes: 30}
    explain: "blast planned at {{clock .Planned}}, {{.MinutesUntil}} minutes away"
  - code: ENV_CO_SUSTAINED
    category: environmental
    kind: sustained
    impact: +30
    window: 30m
    params: {sensor: CO, direction: above}
    thresholds: {threshold: 50, duration_minutes: 10, freshness_minutes: 5}
  - code: BEH_PROXIMITY_ALARMS
    category: behavioral
    kind: event_count
    impact: +15
    window: 1h
    params: {types: proximity_alarm}
    thresholds: {count: 3}
`

// T0 is the reference instant of the shared fixtures.
var T0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

var (
	Level3 = site.Ref{Structure: "decline-a", Level: "level-3"}
	Level4 = site.Ref{Structure: "decline-a", Level: "level-4"}
	Bench1 = site.Ref{Structure: "pit-1", Level: "bench-1"}
)

// Fixture is an in-memory evaluation stack with catalog 1.0.0 effective from
// T0 minus 48 hours.
type Fixture struct {
	Registry  *site.Registry
	Catalog   *rules.Catalog
	Evaluator *evaluator.Evaluator
	Inputs    *temporal.MemoryStore
	Records   *audit.MemoryStore
}

// NewFixture builds the in-memory stack.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	reg, err := site.Parse([]byte(SiteYAML))
	require.NoError(t, err)
	ev, err := evaluator.New(reg, explain.NewRenderer())
	require.NoError(t, err)

	doc, err := rules.Parse([]byte(CatalogYAML))
	require.NoError(t, err)
	cat := rules.NewCatalog(rules.NewMemoryStore(), rules.WithChecker(ev.CheckRule))
	_, err = cat.Activate(context.Background(), *doc, T0.Add(-48*time.Hour))
	require.NoError(t, err)

	return &Fixture{
		Registry:  reg,
		Catalog:   cat,
		Evaluator: ev,
		Inputs:    temporal.NewMemoryStore(),
		Records:   audit.NewMemoryStore(),
	}
}

// Event builds an event with severity 3.
func Event(id string, at time.Time, loc site.Ref, typ string, meta map[string]string) *temporal.Event {
	return &temporal.Event{ID: id, Timestamp: at, Location: loc, Type: typ, Severity: 3, Metadata: meta, ReceivedAt: at}
}

// Reading builds a ppm measurement.
func Reading(id string, at time.Time, loc site.Ref, sensor string, v float64) *temporal.Measurement {
	return &temporal.Measurement{ID: id, Timestamp: at, Location: loc, SensorType: sensor, Value: v, Unit: "ppm", ReceivedAt: at}
}

// Series returns one reading per minute over [from, to].
func Series(loc site.Ref, sensor string, from, to time.Time, v float64) []*temporal.Measurement {
	var out []*temporal.Measurement
	for ts := from; !ts.After(to); ts = ts.Add(time.Minute) {
		out = append(out, Reading(fmt.Sprintf("%s-%s-%s", loc.Level, sensor, ts.Format("150405")), ts, loc, sensor, v))
	}
	return out
}

// BlastScheduled builds a blast_scheduled event planned for planned.
func BlastScheduled(id string, at, planned time.Time, loc site.Ref) *temporal.Event {
	return Event(id, at, loc, temporal.EventBlastScheduled, map[string]string{
		temporal.PlannedAtKey: planned.UTC().Format(time.RFC3339),
	})
}
