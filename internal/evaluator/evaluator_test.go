package evaluator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/siterisk/internal/explain"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/temporal"
)

func TestEvaluate_NoInputs(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)

	st, err := f.evaluator.Evaluate(Input{Location: level3, At: t0, Catalog: f.version})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score)
	assert.Equal(t, risk.BandLow, st.Band)
	assert.Empty(t, st.TriggeredRules)
	assert.NotNil(t, st.TriggeredRules)
	assert.Equal(t, "1.0.0", st.RuleCatalogVersion)
	assert.Equal(t, "Level 3 (Decline A): no active risk conditions. Score 0 (low).", st.Explanation)
}

func TestEvaluate_ScenarioA_BlastImminent(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	at := t0

	st, err := f.evaluator.Evaluate(Input{
		Location: level3,
		At:       at,
		Catalog:  f.version,
		Events: []*temporal.Event{
			evt("e1", at, level3, temporal.EventBlastScheduled, map[string]string{
				temporal.PlannedAtKey: at.Add(25 * time.Minute).Format(time.RFC3339),
			}),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 40, st.Score)
	assert.Equal(t, risk.BandMedium, st.Band)
	require.Len(t, st.TriggeredRules, 1)
	tr := st.TriggeredRules[0]
	assert.Equal(t, "TIME_BLAST_IMMINENT", tr.RuleCode)
	assert.Equal(t, 1, tr.RuleVersion)
	assert.Equal(t, 40, tr.Contribution)
	require.Len(t, tr.Cites, 1)
	assert.Equal(t, "e1", tr.Cites[0].ID)

	assert.Equal(t, "Level 3 (Decline A): blast planned at 08:25 UTC, 25 minutes away. Score 40 (medium).", st.Explanation)
	assert.NotContains(t, st.Explanation, "TIME_BLAST_IMMINENT")
}

func TestEvaluate_UpcomingOutsideLead(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	planned := map[string]string{temporal.PlannedAtKey: t0.Add(45 * time.Minute).Format(time.RFC3339)}
	in := Input{
		Location: level3,
		At:       t0,
		Catalog:  f.version,
		Events:   []*temporal.Event{evt("e1", t0.Add(-time.Hour), level3, temporal.EventBlastScheduled, planned)},
	}

	st, err := f.evaluator.Evaluate(in)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score, "45 minutes out is beyond the 30 minute lead")

	in.At = t0.Add(20 * time.Minute)
	st, err = f.evaluator.Evaluate(in)
	require.NoError(t, err)
	assert.Equal(t, 40, st.Score)

	in.At = t0.Add(46 * time.Minute)
	st, err = f.evaluator.Evaluate(in)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score, "planned time has passed")
}

func TestEvaluate_ScenarioB_LockoutPrecedence(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	at := t0.Add(5 * time.Minute)

	events := []*temporal.Event{
		evt("e0", t0.Add(-10*time.Minute), level3, temporal.EventBlastScheduled, map[string]string{
			temporal.PlannedAtKey: at.Add(10 * time.Minute).Format(time.RFC3339),
		}),
		evt("p1", t0.Add(-3*time.Minute), level3, temporal.EventProximityAlarm, nil),
		evt("p2", t0.Add(-2*time.Minute), level3, temporal.EventProximityAlarm, nil),
		evt("p3", t0.Add(-1*time.Minute), level3, temporal.EventProximityAlarm, nil),
		evt("e1", t0, level3, temporal.EventBlastFired, nil),
	}
	st, err := f.evaluator.Evaluate(Input{Location: level3, At: at, Catalog: f.version, Events: events})
	require.NoError(t, err)

	assert.Equal(t, 100, st.Score)
	assert.Equal(t, risk.BandHigh, st.Band)
	require.Len(t, st.TriggeredRules, 1)
	assert.Equal(t, "LOCKOUT_BLAST_NO_REENTRY", st.TriggeredRules[0].RuleCode)
	assert.True(t, st.TriggeredRules[0].Forced)
	assert.True(t, st.Forced())
	assert.Equal(t, "Level 3 (Decline A): blast fired at Mar 1 08:00 UTC and re-entry has not been cleared. Locked out until this clears.", st.Explanation)

	// clearance after the blast lifts the lockout; the remaining rules apply
	events = append(events, evt("e2", t0.Add(4*time.Minute), level3, temporal.EventReentryCleared, nil))
	st, err = f.evaluator.Evaluate(Input{Location: level3, At: at, Catalog: f.version, Events: events})
	require.NoError(t, err)
	assert.Equal(t, 15, st.Score, "schedule cancelled by the blast, three proximity alarms")
	require.Len(t, st.TriggeredRules, 1)
	assert.Equal(t, "BEH_PROXIMITY_ALARMS", st.TriggeredRules[0].RuleCode)
	assert.Len(t, st.TriggeredRules[0].Cites, 3)
}

func TestEvaluate_LockoutLatchesThroughBootstrap(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	fired := t0.Add(-30 * time.Hour) // older than every rule window

	bootstrap := &risk.State{
		Location: level3,
		Score:    100,
		Band:     risk.BandHigh,
		TriggeredRules: []risk.TriggeredRule{{
			RuleCode: "LOCKOUT_BLAST_NO_REENTRY", RuleVersion: 1, Category: "lockout",
			Contribution: 100, Forced: true,
			Cites: []risk.Citation{{ID: "e1", Kind: "event", Type: temporal.EventBlastFired, Timestamp: fired}},
		}},
	}
	assert.Equal(t, fired, Since(f.version, t0, bootstrap))
	assert.Equal(t, t0.Add(-24*time.Hour), Since(f.version, t0, nil))

	st, err := f.evaluator.Evaluate(Input{Location: level3, At: t0, Catalog: f.version, Bootstrap: bootstrap})
	require.NoError(t, err)
	assert.Equal(t, 100, st.Score)
	assert.Equal(t, "e1", st.TriggeredRules[0].Cites[0].ID)

	st, err = f.evaluator.Evaluate(Input{
		Location:  level3,
		At:        t0,
		Catalog:   f.version,
		Bootstrap: bootstrap,
		Events:    []*temporal.Event{evt("c1", fired.Add(time.Hour), level3, temporal.EventReentryCleared, nil)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score)
}

const twoLockoutsYAML = `
version: 1.0.0
rules:
  - code: LOCKOUT_BLAST_NO_REENTRY
    category: lockout
    kind: pending_clearance
    impact: force=100
    window: 12h
    params: {trigger: blast_fired, clear: reentry_cleared}
  - code: LOCKOUT_GAS_EVACUATION
    category: lockout
    kind: pending_clearance
    impact: force=100
    window: 12h
    params: {trigger: gas_alert, clear: gas_cleared}
`

func TestEvaluate_MaskedLockoutStaysLatched(t *testing.T) {
	f := newFixture(t, "north-mine", twoLockoutsYAML)
	blast := evt("b1", t0.Add(-21*time.Hour), level3, temporal.EventBlastFired, nil)
	gas := evt("g1", t0.Add(-20*time.Hour-30*time.Minute), level3, temporal.EventGasAlert, nil)

	// Both lockouts pending; only the first is scored.
	earlier := t0.Add(-20 * time.Hour)
	boot, err := f.evaluator.Evaluate(Input{
		Location: level3, At: earlier, Catalog: f.version,
		Events: []*temporal.Event{blast, gas},
	})
	require.NoError(t, err)
	require.Len(t, boot.TriggeredRules, 1)
	assert.Equal(t, "LOCKOUT_BLAST_NO_REENTRY", boot.TriggeredRules[0].RuleCode)
	require.Len(t, boot.Latched, 2)
	assert.Equal(t, "LOCKOUT_GAS_EVACUATION", boot.Latched[1].RuleCode)
	assert.Equal(t, "g1", boot.Latched[1].Trigger.ID)

	// Both triggers have left the 12h window. The blast is cleared; the gas
	// evacuation never was.
	assert.Equal(t, blast.Timestamp, Since(f.version, t0, boot))
	window := []*temporal.Event{gas, evt("c1", t0.Add(-10*time.Minute), level3, temporal.EventReentryCleared, nil)}
	st, err := f.evaluator.Evaluate(Input{Location: level3, At: t0, Catalog: f.version, Events: window, Bootstrap: boot})
	require.NoError(t, err)
	assert.Equal(t, 100, st.Score)
	require.Len(t, st.TriggeredRules, 1)
	assert.Equal(t, "LOCKOUT_GAS_EVACUATION", st.TriggeredRules[0].RuleCode)
	require.Len(t, st.Latched, 1)
	assert.Equal(t, "g1", st.Latched[0].Trigger.ID)

	window = append(window, evt("c2", t0.Add(-5*time.Minute), level3, temporal.EventGasCleared, nil))
	st, err = f.evaluator.Evaluate(Input{Location: level3, At: t0, Catalog: f.version, Events: window, Bootstrap: boot})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score)
	assert.Empty(t, st.Latched)
}

func TestEvaluate_ScenarioC_SustainedCO(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	at := t0

	st, err := f.evaluator.Evaluate(Input{
		Location:     level4,
		At:           at,
		Catalog:      f.version,
		Measurements: series(level4, "CO", at.Add(-12*time.Minute), at, 60),
	})
	require.NoError(t, err)
	assert.Equal(t, 30, st.Score)
	assert.Equal(t, risk.BandLow, st.Band, "30 is the inclusive top of low")
	require.Len(t, st.TriggeredRules, 1)
	tr := st.TriggeredRules[0]
	assert.Equal(t, "ENV_CO_SUSTAINED", tr.RuleCode)
	assert.False(t, tr.Uncertain)
	require.Len(t, tr.Cites, 2, "run start and latest reading")
	assert.Equal(t, at.Add(-12*time.Minute), tr.Cites[0].Timestamp)
	assert.Contains(t, st.Explanation, "CO levels exceeding threshold for 12 minutes (peak 60 ppm)")
}

func TestEvaluate_SustainedClearsOnObservedDip(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	ms := series(level4, "CO", t0.Add(-12*time.Minute), t0, 60)
	ms[8].Value = 40 // t0-4m

	st, err := f.evaluator.Evaluate(Input{Location: level4, At: t0, Catalog: f.version, Measurements: ms})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score)
}

func TestEvaluate_DataGapIsConservative(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)

	tests := map[string]struct {
		readings []*temporal.Measurement
		since    time.Time
	}{
		"no readings": {
			readings: nil,
			since:    t0.Add(-30 * time.Minute),
		},
		"stale": {
			readings: series(level4, "CO", t0.Add(-20*time.Minute), t0.Add(-8*time.Minute), 20),
			since:    t0.Add(-8 * time.Minute),
		},
		"hole": {
			readings: append(
				series(level4, "CO", t0.Add(-12*time.Minute), t0.Add(-9*time.Minute), 60),
				series(level4, "CO", t0.Add(-2*time.Minute), t0, 60)...,
			),
			since: t0.Add(-9 * time.Minute),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			st, err := f.evaluator.Evaluate(Input{Location: level4, At: t0, Catalog: f.version, Measurements: tc.readings})
			require.NoError(t, err)
			assert.Equal(t, 30, st.Score)
			require.Len(t, st.TriggeredRules, 1)
			tr := st.TriggeredRules[0]
			assert.True(t, tr.Uncertain)
			require.NotNil(t, tr.Gap)
			assert.Equal(t, "CO", tr.Gap.Sensor)
			assert.Equal(t, tc.since, tr.Gap.Since)
			assert.True(t, st.Uncertain())
			assert.Contains(t, st.Explanation, "risk elevated due to incomplete sensor data since "+tc.since.Format("15:04")+" UTC (CO)")
		})
	}
}

func TestEvaluate_SensorNotInstalledIsNotApplicable(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)

	st, err := f.evaluator.Evaluate(Input{Location: level4, At: t0, Catalog: f.version,
		Measurements: series(level4, "CO", t0.Add(-12*time.Minute), t0, 10)})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score, "level 4 has no O2 sensor, so the O2 rule does not apply")
}

func TestEvaluate_BelowDirection(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	ms := series(bench1, "CO", t0.Add(-12*time.Minute), t0, 5)
	o2 := series(bench1, "O2", t0.Add(-7*time.Minute), t0, 18.9)
	o2[3].Value = 18.2

	st, err := f.evaluator.Evaluate(Input{Location: bench1, At: t0, Catalog: f.version, Measurements: append(ms, o2...)})
	require.NoError(t, err)
	assert.Equal(t, 35, st.Score)
	assert.Contains(t, st.Explanation, "O2 levels below threshold for 7 minutes (low 18.2 ppm)")
	assert.Len(t, st.TriggeredRules[0].Cites, 3, "run start, lowest and latest reading")
}

func TestEvaluate_CappingAndOrder(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	at := t0
	events := []*temporal.Event{
		evt("s1", at.Add(-time.Hour), bench1, temporal.EventBlastScheduled, map[string]string{
			temporal.PlannedAtKey: at.Add(10 * time.Minute).Format(time.RFC3339),
		}),
		evt("o1", at.Add(-5*time.Minute), bench1, temporal.EventOverspeed, nil),
	}
	for i, d := range []time.Duration{4, 3, 2, 1} {
		events = append(events, evt(string(rune('a'+i)), at.Add(-d*time.Minute), bench1, temporal.EventProximityAlarm, nil))
	}
	ms := append(
		series(bench1, "CO", at.Add(-15*time.Minute), at, 70),
		series(bench1, "O2", at.Add(-10*time.Minute), at, 18)...,
	)

	st, err := f.evaluator.Evaluate(Input{Location: bench1, At: at, Catalog: f.version, Events: events, Measurements: ms})
	require.NoError(t, err)
	// 40 + 30 + 35 + 15 + 10 + 20 = 150, capped
	assert.Equal(t, 100, st.Score)
	assert.Equal(t, risk.BandHigh, st.Band)
	assert.False(t, st.Forced())

	var codes []string
	for _, tr := range st.TriggeredRules {
		codes = append(codes, tr.RuleCode)
	}
	assert.Equal(t, []string{
		"TIME_BLAST_IMMINENT", "ENV_CO_SUSTAINED", "ENV_O2_LOW",
		"BEH_PROXIMITY_ALARMS", "BEH_OVERSPEED", "BEH_CONGESTION",
	}, codes)
	assert.Contains(t, st.Explanation, "heavy traffic with elevated CO")
	assert.NoError(t, st.Check())
}

func TestEvaluate_SiteOverride(t *testing.T) {
	ms := series(level4, "CO", t0.Add(-12*time.Minute), t0, 48)

	f := newFixture(t, "north-mine", catalogYAML)
	st, err := f.evaluator.Evaluate(Input{Location: level4, At: t0, Catalog: f.version, Measurements: ms})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Score)

	east := newFixture(t, "east-mine", catalogYAML)
	st, err = east.evaluator.Evaluate(Input{Location: level4, At: t0, Catalog: east.version, Measurements: ms})
	require.NoError(t, err)
	assert.Equal(t, 30, st.Score, "east-mine lowers the CO threshold to 45")
}

func TestEvaluate_Errors(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)

	_, err := f.evaluator.Evaluate(Input{Location: level3, At: t0})
	assert.ErrorIs(t, err, ErrNoCatalog)

	_, err = f.evaluator.Evaluate(Input{Location: site.Ref{Structure: "decline-a", Level: "level-9"}, At: t0, Catalog: f.version})
	assert.Error(t, err)
}

func TestCheckRule(t *testing.T) {
	f := newFixture(t, "north-mine", catalogYAML)
	base := rules.Rule{
		Code: "BEH_X", Category: rules.CategoryBehavioral, Kind: rules.KindExpression,
		Impact: rules.Impact{Add: 5}, Window: rules.Duration(time.Hour),
	}

	r := base
	r.Params = map[string]string{"expr": "events['x'] > 1"}
	assert.NoError(t, f.evaluator.CheckRule(r))

	r.Params = map[string]string{"expr": "events['x'] +"}
	assert.ErrorIs(t, f.evaluator.CheckRule(r), ErrExpression)

	r.Params = map[string]string{"expr": "events['x']"}
	assert.ErrorIs(t, f.evaluator.CheckRule(r), ErrExpression, "must be bool")

	r.Params = map[string]string{"expr": "true"}
	r.Explain = "{{.Broken"
	assert.ErrorIs(t, f.evaluator.CheckRule(r), explain.ErrTemplate)

	// activation goes through the same check
	doc, err := rules.Parse([]byte(`
rules:
  - code: BEH_BAD
    category: behavioral
    kind: expression
    impact: +5
    window: 1h
    params: {expr: "latest['CO'] >"}
`))
	require.NoError(t, err)
	_, err = rules.NewCatalog(rules.NewMemoryStore(), rules.WithChecker(f.evaluator.CheckRule)).
		Activate(t.Context(), *doc, t0)
	assert.True(t, errors.Is(err, rules.ErrInvalidRule))
}

func TestDataGapError(t *testing.T) {
	seen := t0.Add(-8 * time.Minute)
	err := error(&DataGapError{Rule: "ENV_CO_SUSTAINED", Sensor: "CO", Since: seen, LastSeen: &seen})
	var gap *DataGapError
	require.True(t, errors.As(err, &gap))
	assert.Contains(t, err.Error(), "last saw CO")

	err = &DataGapError{Rule: "ENV_CO_SUSTAINED", Sensor: "CO", Since: seen}
	assert.Contains(t, err.Error(), "no CO readings")
}
