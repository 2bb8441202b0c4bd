// Package evaluator applies a rule catalog version to one level's inputs.
//
// Categories run in a fixed order: lockout, time_critical, environmental,
// behavioral, and rules within a category in declaration order. The first
// matching lockout rule forces the score to 100 and ends evaluation. Evaluation
// is a pure function of its Input, which is what lets replay reproduce live
// results byte for byte.
package evaluator

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/siterisk/internal/explain"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/temporal"
)

// Input is everything one evaluation reads.
type Input struct {
	Location site.Ref
	At       time.Time
	Catalog  *rules.Version

	// Events and Measurements cover (Since(...), At], ordered by (timestamp, id).
	Events       []*temporal.Event
	Measurements []*temporal.Measurement

	// Bootstrap is the location's state from the nearest snapshot at or before
	// At. Pending-clearance triggers it cites stay latched.
	Bootstrap *risk.State
}

// Evaluator runs rule conditions and renders explanations.
type Evaluator struct {
	registry    *site.Registry
	renderer    *explain.Renderer
	expressions *expressions
	conditions  map[string]condition
}

// New creates an evaluator for the site.
func New(reg *site.Registry, renderer *explain.Renderer) (*Evaluator, error) {
	x, err := newExpressions()
	if err != nil {
		return nil, err
	}
	conds := make(map[string]condition, len(conditions)+1)
	for k, c := range conditions {
		conds[k] = c
	}
	conds[rules.KindExpression] = x.condition()
	return &Evaluator{registry: reg, renderer: renderer, expressions: x, conditions: conds}, nil
}

// Since returns the exclusive lower bound of the inputs an evaluation at at
// needs: the longest rule window, stretched back to any latched trigger.
func Since(v *rules.Version, at time.Time, bootstrap *risk.State) time.Time {
	from := at.Add(-v.MaxWindow())
	for _, cites := range carried(v, bootstrap) {
		for _, c := range cites {
			if c.Timestamp.Before(from) {
				from = c.Timestamp
			}
		}
	}
	return from
}

// carried returns the latched trigger citations of the bootstrap state, keyed
// by rule code, for pending-clearance rules that still exist in v. Both the
// scored entries and the latches recorded behind a forcing rule count.
func carried(v *rules.Version, bootstrap *risk.State) map[string][]risk.Citation {
	if bootstrap == nil {
		return nil
	}
	out := make(map[string][]risk.Citation)
	keep := func(code string, cites ...risk.Citation) {
		r, ok := v.Rule(code)
		if !ok || !r.Enabled || r.Kind != rules.KindPendingClearance {
			return
		}
		out[code] = append(out[code], cites...)
	}
	for _, tr := range bootstrap.TriggeredRules {
		keep(tr.RuleCode, tr.Cites...)
	}
	for _, l := range bootstrap.Latched {
		keep(l.RuleCode, l.Trigger)
	}
	return out
}

// latches runs every enabled pending-clearance rule, whatever its category,
// and records the ones still waiting for clearance. It runs independently of
// the short-circuit so a lockout masked by an earlier one is not forgotten.
func (e *Evaluator) latches(ec *evalContext, v *rules.Version) []risk.Latch {
	var out []risk.Latch
	for _, cat := range rules.CategoryOrder {
		for _, r := range v.Enabled(cat) {
			if r.Kind != rules.KindPendingClearance {
				continue
			}
			res, err := pendingClearance(ec, r, v.Thresholds(r, e.registry.SiteID()))
			if err != nil || !res.fired {
				continue
			}
			for _, c := range res.cites {
				out = append(out, risk.Latch{RuleCode: r.Code, Trigger: c})
			}
		}
	}
	return out
}

// CheckRule rejects rules the evaluator could not run: expressions that do not
// compile to bool and explanation templates that do not parse. It is installed
// as the catalog's activation checker.
func (e *Evaluator) CheckRule(r rules.Rule) error {
	if r.Kind == rules.KindExpression {
		if _, err := e.expressions.program(r.Params["expr"]); err != nil {
			return err
		}
	}
	return e.renderer.Check(r)
}

// Evaluate computes the risk state of in.Location at in.At.
func (e *Evaluator) Evaluate(in Input) (*risk.State, error) {
	if in.Catalog == nil {
		return nil, ErrNoCatalog
	}
	if err := e.registry.Validate(in.Location); err != nil {
		return nil, err
	}
	at := temporal.Normalize(in.At)
	ec := &evalContext{
		at:           at,
		events:       in.Events,
		measurements: in.Measurements,
		carried:      carried(in.Catalog, in.Bootstrap),
		hasSensor: func(sensor string) bool {
			return e.registry.HasSensor(in.Location, sensor)
		},
	}

	var (
		triggered []risk.TriggeredRule
		causes    []explain.Cause
		total     int
		forced    bool
	)
evaluation:
	for _, cat := range rules.CategoryOrder {
		for _, r := range in.Catalog.Enabled(cat) {
			cond, ok := e.conditions[r.Kind]
			if !ok {
				return nil, fmt.Errorf("%w: %s", rules.ErrUnknownRuleKind, r.Kind)
			}
			th := in.Catalog.Thresholds(r, e.registry.SiteID())
			out, err := cond(ec, r, th)

			tr := risk.TriggeredRule{
				RuleCode:     r.Code,
				RuleVersion:  r.Version,
				Category:     string(r.Category),
				Contribution: r.Impact.Contribution(),
				Forced:       r.Impact.Force,
			}
			switch {
			case err != nil:
				// Missing data never lowers a score: the rule contributes as if it fired.
				tr.Uncertain = true
				var gap *DataGapError
				if errors.As(err, &gap) {
					tr.Gap = &risk.Gap{Sensor: gap.Sensor, Since: gap.Since, LastSeen: gap.LastSeen}
				}
			case out.fired:
				tr.Cites = out.cites
			default:
				continue
			}

			cause := explain.Cause{Rule: r, Triggered: tr, Vars: out.vars}
			if tr.Forced {
				triggered = []risk.TriggeredRule{tr}
				causes = []explain.Cause{cause}
				forced = true
				break evaluation
			}
			triggered = append(triggered, tr)
			causes = append(causes, cause)
			total += tr.Contribution
		}
	}

	score := risk.Cap(total)
	if forced {
		score = risk.MaxScore
	}
	if triggered == nil {
		triggered = []risk.TriggeredRule{}
	}
	band := risk.BandFor(score)
	state := &risk.State{
		Location:       in.Location,
		Score:          score,
		Band:           band,
		TriggeredRules: triggered,
		Latched:        e.latches(ec, in.Catalog),
		Explanation: e.renderer.Render(explain.Input{
			Place:  e.registry.DisplayName(in.Location),
			Score:  score,
			Band:   band,
			Causes: causes,
		}),
		ComputedAt:         at,
		RuleCatalogVersion: in.Catalog.Version,
	}
	return state, state.Check()
}
