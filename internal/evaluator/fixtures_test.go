package evaluator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/siterisk/internal/explain"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/temporal"
)

const layoutYAML = `
site:
  id: %s
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

const catalogYAML = `
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
  - code: ENV_O2_LOW
    category: environmental
    kind: sustained
    impact: +35
    window: 15m
    params: {sensor: O2, direction: below}
    thresholds: {threshold: 19.5, duration_minutes: 5, freshness_minutes: 5}
  - code: BEH_PROXIMITY_ALARMS
    category: behavioral
    kind: event_count
    impact: +15
    window: 1h
    params: {types: proximity_alarm}
    thresholds: {count: 3}
  - code: BEH_OVERSPEED
    category: behavioral
    kind: event_count
    impact: +10
    window: 1h
    params: {types: overspeed_violation}
    thresholds: {count: 1, min_severity: 2}
  - code: BEH_CONGESTION
    category: behavioral
    kind: expression
    impact: +20
    window: 30m
    params:
      expr: "events['proximity_alarm'] + events['overspeed_violation'] >= int(t['combined']) && latest['CO'] > t['co_floor']"
      types: proximity_alarm,overspeed_violation
      sensors: CO
      description: heavy traffic with elevated CO
    thresholds: {combined: 4, co_floor: 25}
siteOverrides:
  east-mine:
    ENV_CO_SUSTAINED: {threshold: 45}
`

var (
	t0     = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	level3 = site.Ref{Structure: "decline-a", Level: "level-3"}
	level4 = site.Ref{Structure: "decline-a", Level: "level-4"}
	bench1 = site.Ref{Structure: "pit-1", Level: "bench-1"}
)

type fixture struct {
	registry  *site.Registry
	evaluator *Evaluator
	version   *rules.Version
}

func newFixture(t testing.TB, siteID, catalog string) *fixture {
	t.Helper()
	reg, err := site.Parse([]byte(fmt.Sprintf(layoutYAML, siteID)))
	require.NoError(t, err)
	ev, err := New(reg, explain.NewRenderer())
	require.NoError(t, err)

	doc, err := rules.Parse([]byte(catalog))
	require.NoError(t, err)
	cat := rules.NewCatalog(rules.NewMemoryStore(), rules.WithChecker(ev.CheckRule))
	v, err := cat.Activate(context.Background(), *doc, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	return &fixture{registry: reg, evaluator: ev, version: v}
}

func evt(id string, at time.Time, loc site.Ref, typ string, meta map[string]string) *temporal.Event {
	return &temporal.Event{ID: id, Timestamp: at, Location: loc, Type: typ, Severity: 3, Metadata: meta}
}

func reading(id string, at time.Time, loc site.Ref, sensor string, v float64) *temporal.Measurement {
	return &temporal.Measurement{ID: id, Timestamp: at, Location: loc, SensorType: sensor, Value: v, Unit: "ppm"}
}

// series returns one reading per minute over [from, to].
func series(loc site.Ref, sensor string, from, to time.Time, v float64) []*temporal.Measurement {
	var out []*temporal.Measurement
	for ts := from; !ts.After(to); ts = ts.Add(time.Minute) {
		out = append(out, reading(fmt.Sprintf("%s-%s", sensor, ts.Format("1504")), ts, loc, sensor, v))
	}
	return out
}
