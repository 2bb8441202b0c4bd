package evaluator

import (
	"sort"
	"time"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/temporal"
)

// maxCites bounds the citations kept per rule; the newest are kept.
const maxCites = 10

type outcome struct {
	fired bool
	cites []risk.Citation
	vars  map[string]any
}

// condition evaluates one rule kind. Returning a *DataGapError marks the rule
// uncertain; any other error is also treated as uncertain by the caller.
type condition func(ec *evalContext, r rules.Rule, th map[string]float64) (outcome, error)

var conditions = map[string]condition{
	rules.KindPendingClearance: pendingClearance,
	rules.KindUpcoming:         upcoming,
	rules.KindEventCount:       eventCount,
	rules.KindSustained:        sustained,
}

// evalContext is the read-only view one evaluation runs against.
type evalContext struct {
	at           time.Time
	events       []*temporal.Event
	measurements []*temporal.Measurement
	carried      map[string][]risk.Citation
	hasSensor    func(string) bool
}

func (ec *evalContext) inWindow(ts time.Time, r rules.Rule) bool {
	return ts.After(ec.at.Add(-r.Window.Std())) && !ts.After(ec.at)
}

func (ec *evalContext) readings(sensor string, r rules.Rule) []*temporal.Measurement {
	var out []*temporal.Measurement
	for _, m := range ec.measurements {
		if m.SensorType == sensor && ec.inWindow(m.Timestamp, r) {
			out = append(out, m)
		}
	}
	return out
}

func eventCite(e *temporal.Event) risk.Citation {
	return risk.Citation{ID: e.ID, Kind: "event", Type: e.Type, Timestamp: e.Timestamp}
}

func measurementCite(m *temporal.Measurement) risk.Citation {
	v := m.Value
	return risk.Citation{ID: m.ID, Kind: "measurement", Type: m.SensorType, Timestamp: m.Timestamp, Value: &v, Unit: m.Unit}
}

func citeLater(a, b risk.Citation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

func set(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}

// pendingClearance fires while the latest trigger event has no clearing event
// strictly after it. Triggers carried from the bootstrap state count even when
// they have slid out of the rule window, which latches lockouts until cleared.
func pendingClearance(ec *evalContext, r rules.Rule, th map[string]float64) (outcome, error) {
	triggers := set(r.ParamList("trigger"))
	clears := set(r.ParamList("clear"))
	minSeverity := int(th["min_severity"])

	var (
		latest risk.Citation
		found  bool
	)
	consider := func(c risk.Citation) {
		if !found || citeLater(c, latest) {
			latest, found = c, true
		}
	}
	for _, e := range ec.events {
		if triggers[e.Type] && e.Severity >= minSeverity && ec.inWindow(e.Timestamp, r) {
			consider(eventCite(e))
		}
	}
	for _, c := range ec.carried[r.Code] {
		if c.Kind == "event" && triggers[c.Type] && !c.Timestamp.After(ec.at) {
			consider(c)
		}
	}
	if !found {
		return outcome{}, nil
	}
	for _, e := range ec.events {
		if clears[e.Type] && e.Timestamp.After(latest.Timestamp) && !e.Timestamp.After(ec.at) {
			return outcome{}, nil
		}
	}
	return outcome{
		fired: true,
		cites: []risk.Citation{latest},
		vars: map[string]any{
			"Event":        latest.Type,
			"Clear":        r.ParamList("clear"),
			"Time":         latest.Timestamp,
			"MinutesSince": minutes(ec.at.Sub(latest.Timestamp)),
		},
	}, nil
}

// upcoming fires when a scheduled event's planned time falls within the lead
// window [at, at+lead]. A cancelling event after the schedule withdraws it.
func upcoming(ec *evalContext, r rules.Rule, th map[string]float64) (outcome, error) {
	types := set(r.ParamList("event"))
	cancels := set(r.ParamList("cancel"))
	key := r.Params["time_key"]
	if key == "" {
		key = temporal.PlannedAtKey
	}
	lead := time.Duration(th["lead_minutes"] * float64(time.Minute))

	var (
		best    *temporal.Event
		planned time.Time
	)
	for _, e := range ec.events {
		if !types[e.Type] || !ec.inWindow(e.Timestamp, r) {
			continue
		}
		p, err := time.Parse(time.RFC3339, e.Metadata[key])
		if err != nil {
			continue
		}
		p = temporal.Normalize(p)
		if p.Before(ec.at) || p.After(ec.at.Add(lead)) || cancelled(ec, cancels, e) {
			continue
		}
		if best == nil || p.Before(planned) || (p.Equal(planned) && e.ID < best.ID) {
			best, planned = e, p
		}
	}
	if best == nil {
		return outcome{}, nil
	}
	return outcome{
		fired: true,
		cites: []risk.Citation{eventCite(best)},
		vars: map[string]any{
			"Event":        best.Type,
			"Planned":      planned,
			"MinutesUntil": minutes(planned.Sub(ec.at)),
			"Scheduled":    best.Timestamp,
		},
	}, nil
}

func cancelled(ec *evalContext, cancels map[string]bool, scheduled *temporal.Event) bool {
	if len(cancels) == 0 {
		return false
	}
	for _, e := range ec.events {
		if cancels[e.Type] && e.Timestamp.After(scheduled.Timestamp) && !e.Timestamp.After(ec.at) {
			return true
		}
	}
	return false
}

// eventCount fires when at least count matching events fall in the window.
func eventCount(ec *evalContext, r rules.Rule, th map[string]float64) (outcome, error) {
	types := r.ParamList("types")
	want := set(types)
	minSeverity := int(th["min_severity"])

	var matched []*temporal.Event
	for _, e := range ec.events {
		if want[e.Type] && e.Severity >= minSeverity && ec.inWindow(e.Timestamp, r) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 || float64(len(matched)) < th["count"] {
		return outcome{}, nil
	}

	keep := matched
	if len(keep) > maxCites {
		keep = keep[len(keep)-maxCites:]
	}
	cites := make([]risk.Citation, len(keep))
	for i, e := range keep {
		cites[i] = eventCite(e)
	}
	return outcome{
		fired: true,
		cites: cites,
		vars: map[string]any{
			"Count":         len(matched),
			"Types":         types,
			"WindowMinutes": minutes(r.Window.Std()),
			"Latest":        matched[len(matched)-1].Timestamp,
		},
	}, nil
}

// sustained fires when every reading over the last duration_minutes breaches
// the threshold and the readings cover that span without a hole longer than
// freshness_minutes. Stale or holed coverage is a data gap, never a clear:
// only an observed non-breaching reading clears the rule.
func sustained(ec *evalContext, r rules.Rule, th map[string]float64) (outcome, error) {
	sensor := r.Params["sensor"]
	if !ec.hasSensor(sensor) {
		return outcome{}, nil
	}
	below := r.Params["direction"] == "below"
	threshold := th["threshold"]
	duration := time.Duration(th["duration_minutes"] * float64(time.Minute))
	freshness := time.Duration(th["freshness_minutes"] * float64(time.Minute))
	breach := func(v float64) bool {
		if below {
			return v < threshold
		}
		return v > threshold
	}

	readings := ec.readings(sensor, r)
	start := ec.at.Add(-duration)

	if len(readings) == 0 {
		return outcome{}, &DataGapError{Rule: r.Code, Sensor: sensor, Since: ec.at.Add(-r.Window.Std())}
	}
	last := readings[len(readings)-1]
	if ec.at.Sub(last.Timestamp) > freshness {
		seen := last.Timestamp
		return outcome{}, &DataGapError{Rule: r.Code, Sensor: sensor, Since: seen, LastSeen: &seen}
	}

	var span []*temporal.Measurement
	for _, m := range readings {
		if !m.Timestamp.Before(start) {
			span = append(span, m)
		}
	}
	for _, m := range span {
		if !breach(m.Value) {
			return outcome{}, nil
		}
	}

	// coverage: the first reading of the span must be close enough to its
	// start, and no two consecutive readings may be further apart than freshness
	if len(span) == 0 || span[0].Timestamp.Sub(start) > freshness {
		gap := &DataGapError{Rule: r.Code, Sensor: sensor, Since: start}
		if prev := lastBefore(readings, start); prev != nil {
			seen := prev.Timestamp
			gap.Since, gap.LastSeen = seen, &seen
		}
		return outcome{}, gap
	}
	for i := 1; i < len(span); i++ {
		if span[i].Timestamp.Sub(span[i-1].Timestamp) > freshness {
			seen := span[i-1].Timestamp
			return outcome{}, &DataGapError{Rule: r.Code, Sensor: sensor, Since: seen, LastSeen: &seen}
		}
	}

	// the breach run may have begun before the duration span
	runStart := 0
	for i := len(readings) - 1; i >= 0; i-- {
		if !breach(readings[i].Value) {
			break
		}
		if i < len(readings)-1 && readings[i+1].Timestamp.Sub(readings[i].Timestamp) > freshness {
			break
		}
		runStart = i
	}
	run := readings[runStart:]
	extreme := run[0]
	for _, m := range run[1:] {
		if (below && m.Value < extreme.Value) || (!below && m.Value > extreme.Value) {
			extreme = m
		}
	}

	cites := []risk.Citation{measurementCite(run[0])}
	if extreme != run[0] && extreme != last {
		cites = append(cites, measurementCite(extreme))
	}
	if last != run[0] {
		cites = append(cites, measurementCite(last))
	}
	sort.SliceStable(cites, func(i, j int) bool { return citeLater(cites[j], cites[i]) })

	return outcome{
		fired: true,
		cites: cites,
		vars: map[string]any{
			"Sensor":    sensor,
			"Direction": r.Params["direction"],
			"Threshold": threshold,
			"Minutes":   minutes(ec.at.Sub(run[0].Timestamp)),
			"Since":     run[0].Timestamp,
			"Extreme":   extreme.Value,
			"Unit":      last.Unit,
		},
	}, nil
}

func lastBefore(ms []*temporal.Measurement, t time.Time) *temporal.Measurement {
	var out *temporal.Measurement
	for _, m := range ms {
		if m.Timestamp.Before(t) {
			out = m
		}
	}
	return out
}
