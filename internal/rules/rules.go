// Package rules holds the versioned rule catalog.
//
// A catalog version is an immutable bundle of rule definitions plus per-site
// threshold overrides. Editing rules means activating a new version with a
// later effective time; computed risk states keep pointing at the version that
// was in effect when they were computed.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidRule      = errors.New("rules: invalid rule")
	ErrInvalidCatalog   = errors.New("rules: invalid catalog document")
	ErrNoCatalog        = errors.New("rules: no catalog version in effect")
	ErrVersionExists    = errors.New("rules: catalog version already exists")
	ErrVersionNotNewer  = errors.New("rules: catalog version must increase")
	ErrRetroactive      = errors.New("rules: activation would change already computed states")
	ErrVersionNotFound  = errors.New("rules: catalog version not found")
	ErrDigestMismatch   = errors.New("rules: stored catalog version differs from document")
	ErrUnknownRuleKind  = errors.New("rules: unknown condition kind")
	ErrMissingParameter = errors.New("rules: missing condition parameter")
	ErrMissingThreshold = errors.New("rules: missing threshold")
)

// Category groups rules; categories are evaluated in a fixed order.
type Category string

const (
	CategoryLockout       Category = "lockout"
	CategoryTimeCritical  Category = "time_critical"
	CategoryEnvironmental Category = "environmental"
	CategoryBehavioral    Category = "behavioral"
)

// CategoryOrder is the evaluation order. Lockout is first and short-circuits.
var CategoryOrder = []Category{
	CategoryLockout,
	CategoryTimeCritical,
	CategoryEnvironmental,
	CategoryBehavioral,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range CategoryOrder {
		if c == k {
			return true
		}
	}
	return false
}

// Condition kinds understood by the evaluator.
const (
	KindPendingClearance = "pending_clearance"
	KindUpcoming         = "upcoming"
	KindEventCount       = "event_count"
	KindSustained        = "sustained"
	KindExpression       = "expression"
)

// KindSpec lists what a condition kind needs from its rule definition.
type KindSpec struct {
	Params     []string
	Thresholds []string
	Sensor     bool // depends on a measurement stream and can report a data gap
}

// Kinds is the table of supported condition kinds.
var Kinds = map[string]KindSpec{
	KindPendingClearance: {Params: []string{"trigger", "clear"}},
	KindUpcoming:         {Params: []string{"event"}, Thresholds: []string{"lead_minutes"}},
	KindEventCount:       {Params: []string{"types"}, Thresholds: []string{"count"}},
	KindSustained: {
		Params:     []string{"sensor", "direction"},
		Thresholds: []string{"threshold", "duration_minutes", "freshness_minutes"},
		Sensor:     true,
	},
	KindExpression: {Params: []string{"expr"}},
}

// Impact is either an additive contribution or a force to the maximum score.
type Impact struct {
	Add   int
	Force bool
}

// ForceScore is the only score a forcing rule can set.
const ForceScore = 100

// ParseImpact accepts "+N", "N" and "force=100".
func ParseImpact(s string) (Impact, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "force="); ok {
		if rest != strconv.Itoa(ForceScore) {
			return Impact{}, fmt.Errorf("%w: impact %q can only force %d", ErrInvalidRule, s, ForceScore)
		}
		return Impact{Force: true}, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "+"))
	if err != nil || n <= 0 || n > ForceScore {
		return Impact{}, fmt.Errorf("%w: impact %q", ErrInvalidRule, s)
	}
	return Impact{Add: n}, nil
}

// Contribution is the score a firing rule adds.
func (i Impact) Contribution() int {
	if i.Force {
		return ForceScore
	}
	return i.Add
}

func (i Impact) String() string {
	if i.Force {
		return "force=" + strconv.Itoa(ForceScore)
	}
	return "+" + strconv.Itoa(i.Add)
}

func (i Impact) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

func (i *Impact) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("%w: impact %s", ErrInvalidRule, b)
		}
		s = strconv.Itoa(n)
	}
	parsed, err := ParseImpact(s)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (i *Impact) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseImpact(node.Value)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Duration is a time.Duration that encodes as a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: window %s", ErrInvalidRule, b)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: window %q", ErrInvalidRule, s)
	}
	*d = Duration(v)
	return nil
}

// Rule is one deterministic condition with its impact.
type Rule struct {
	Code       string             `json:"code" yaml:"code"`
	Category   Category           `json:"category" yaml:"category"`
	Kind       string             `json:"kind" yaml:"kind"`
	Impact     Impact             `json:"impact" yaml:"impact"`
	Enabled    bool               `json:"enabled" yaml:"enabled"`
	Window     Duration           `json:"window" yaml:"window"`
	Params     map[string]string  `json:"params,omitempty" yaml:"params"`
	Thresholds map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds"`
	Explain    string             `json:"explain,omitempty" yaml:"explain"`
	Version    int                `json:"version" yaml:"-"`
}

// UnmarshalYAML defaults enabled to true.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// UnmarshalJSON defaults enabled to true.
func (r *Rule) UnmarshalJSON(b []byte) error {
	type plain Rule
	p := plain{Enabled: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// ParamList splits a comma separated parameter.
func (r Rule) ParamList(name string) []string {
	var out []string
	for _, p := range strings.Split(r.Params[name], ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Validate checks the rule against its kind's requirements.
func (r Rule) Validate() error {
	if !codePattern.MatchString(r.Code) {
		return fmt.Errorf("%w: code %q", ErrInvalidRule, r.Code)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: %s has unknown category %q", ErrInvalidRule, r.Code, r.Category)
	}
	if r.Category == CategoryLockout && !r.Impact.Force {
		return fmt.Errorf("%w: lockout rule %s must force %d", ErrInvalidRule, r.Code, ForceScore)
	}
	if r.Category != CategoryLockout && r.Impact.Force {
		return fmt.Errorf("%w: only lockout rules may force, %s is %s", ErrInvalidRule, r.Code, r.Category)
	}
	if r.Impact.Contribution() <= 0 {
		return fmt.Errorf("%w: %s has no impact", ErrInvalidRule, r.Code)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: %s needs a positive window", ErrInvalidRule, r.Code)
	}
	shape, ok := Kinds[r.Kind]
	if !ok {
		return fmt.Errorf("%w: %s uses %q", ErrUnknownRuleKind, r.Code, r.Kind)
	}
	for _, p := range shape.Params {
		if strings.TrimSpace(r.Params[p]) == "" {
			return fmt.Errorf("%w: %s needs params.%s", ErrMissingParameter, r.Code, p)
		}
	}
	for _, th := range shape.Thresholds {
		if _, ok := r.Thresholds[th]; !ok {
			return fmt.Errorf("%w: %s needs thresholds.%s", ErrMissingThreshold, r.Code, th)
		}
	}
	if r.Kind == KindSustained {
		if d := r.Params["direction"]; d != "above" && d != "below" {
			return fmt.Errorf("%w: %s direction must be above or below", ErrInvalidRule, r.Code)
		}
		need := time.Duration((r.Thresholds["duration_minutes"] + r.Thresholds["freshness_minutes"]) * float64(time.Minute))
		if r.Window.Std() < need {
			return fmt.Errorf("%w: %s window %s shorter than duration plus freshness (%s)", ErrInvalidRule, r.Code, r.Window.Std(), need)
		}
	}
	return nil
}

// SensorType returns the measurement stream the rule depends on, if any.
func (r Rule) SensorType() string {
	if Kinds[r.Kind].Sensor {
		return r.Params["sensor"]
	}
	return ""
}

// ValidateSet validates every rule and rejects duplicate codes.
func ValidateSet(rs []Rule) error {
	if len(rs) == 0 {
		return fmt.Errorf("%w: no rules", ErrInvalidCatalog)
	}
	seen := make(map[string]bool, len(rs))
	for _, r := range rs {
		if seen[r.Code] {
			return fmt.Errorf("%w: duplicate code %s", ErrInvalidRule, r.Code)
		}
		seen[r.Code] = true
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Overrides maps site id → rule code → threshold name → value.
type Overrides map[string]map[string]map[string]float64

// Validate rejects overrides for unknown rules or thresholds.
func (o Overrides) Validate(rs []Rule) error {
	byCode := make(map[string]Rule, len(rs))
	for _, r := range rs {
		byCode[r.Code] = r
	}
	sites := make([]string, 0, len(o))
	for s := range o {
		sites = append(sites, s)
	}
	sort.Strings(sites)
	for _, s := range sites {
		for code, ths := range o[s] {
			r, ok := byCode[code]
			if !ok {
				return fmt.Errorf("%w: site %s overrides unknown rule %s", ErrInvalidCatalog, s, code)
			}
			for name := range ths {
				if _, ok := r.Thresholds[name]; !ok {
					return fmt.Errorf("%w: site %s overrides %s.%s which the rule does not define", ErrInvalidCatalog, s, code, name)
				}
			}
		}
	}
	return nil
}
