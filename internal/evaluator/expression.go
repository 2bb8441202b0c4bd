package evaluator

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
)

// expressionCostLimit bounds the work a single expression may do.
const expressionCostLimit = 10_000

// expressions compiles and caches CEL programs for the expression kind.
//
// Variables:
//
//	events  map(string, int)     event counts per type in the rule window
//	latest  map(string, double)  newest reading per sensor in the rule window
//	peak    map(string, double)  highest reading per sensor in the rule window
//	t       map(string, double)  the rule's thresholds with site overrides applied
type expressions struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newExpressions() (*expressions, error) {
	env, err := cel.NewEnv(
		cel.Variable("events", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("latest", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("peak", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("t", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("evaluator: create CEL env: %w", err)
	}
	return &expressions{env: env, cache: make(map[string]cel.Program)}, nil
}

func (x *expressions) program(src string) (cel.Program, error) {
	x.mu.RLock()
	prg, hit := x.cache[src]
	x.mu.RUnlock()
	if hit {
		return prg, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if prg, hit = x.cache[src]; hit {
		return prg, nil
	}
	ast, issues := x.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrExpression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: %q must evaluate to bool, got %s", ErrExpression, src, ast.OutputType())
	}
	prg, err := x.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExpression, err)
	}
	x.cache[src] = prg
	return prg, nil
}

// condition returns the expression kind bound to this cache.
func (x *expressions) condition() condition {
	return func(ec *evalContext, r rules.Rule, th map[string]float64) (outcome, error) {
		prg, err := x.program(r.Params["expr"])
		if err != nil {
			return outcome{}, err
		}

		counts := make(map[string]int64)
		for _, typ := range r.ParamList("types") {
			counts[typ] = 0
		}
		for _, e := range ec.events {
			if ec.inWindow(e.Timestamp, r) {
				counts[e.Type]++
			}
		}

		latest := make(map[string]float64)
		peak := make(map[string]float64)
		var (
			cites   []risk.Citation
			missing []string
		)
		for _, sensor := range r.ParamList("sensors") {
			if !ec.hasSensor(sensor) {
				return outcome{}, nil
			}
			readings := ec.readings(sensor, r)
			if len(readings) == 0 {
				missing = append(missing, sensor)
				continue
			}
			hi := math.Inf(-1)
			for _, m := range readings {
				hi = math.Max(hi, m.Value)
			}
			last := readings[len(readings)-1]
			latest[sensor] = last.Value
			peak[sensor] = hi
			cites = append(cites, measurementCite(last))
		}

		out, _, err := prg.Eval(map[string]any{
			"events": counts,
			"latest": latest,
			"peak":   peak,
			"t":      th,
		})
		if err != nil {
			// An expression that could still decide without the missing
			// readings does not error, so the failure is attributable to them.
			if len(missing) > 0 {
				return outcome{}, &DataGapError{Rule: r.Code, Sensor: missing[0], Since: ec.at.Add(-r.Window.Std())}
			}
			return outcome{}, fmt.Errorf("evaluator: %s: %w", r.Code, err)
		}
		fired, ok := out.Value().(bool)
		if !ok {
			return outcome{}, fmt.Errorf("%w: %s returned %T", ErrExpression, r.Code, out.Value())
		}
		if !fired {
			return outcome{}, nil
		}
		return outcome{
			fired: true,
			cites: cites,
			vars: map[string]any{
				"Description": r.Params["description"],
				"Events":      counts,
				"Latest":      latest,
				"Peak":        peak,
			},
		}, nil
	}
}
