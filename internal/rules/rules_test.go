package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
version: 1.0.0
rules:
  - code: LOCKOUT_BLAST_NO_REENTRY
    category: lockout
    kind: pending_clearance
    impact: force=100
    window: 24h
    params: {trigger: blast_fired, clear: reentry_cleared}
  - code: TIME_BLAST_IMMINENT
    category: time_critical
    kind: upcoming
    impact: +40
    window: 24h
    params: {event: blast_scheduled}
    thresholds: {lead_minutes: 30}
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
    impact: 15
    enabled: false
    window: 1h
    params: {types: proximity_alarm}
    thresholds: {count: 3}
siteOverrides:
  north-mine:
    ENV_CO_SUSTAINED: {threshold: 45}
`

func mustParse(t *testing.T, doc string) *Document {
	t.Helper()
	d, err := Parse([]byte(doc))
	require.NoError(t, err)
	return d
}

func TestParseImpact(t *testing.T) {
	tests := []struct {
		in      string
		want    Impact
		wantErr bool
	}{
		{"+40", Impact{Add: 40}, false},
		{"30", Impact{Add: 30}, false},
		{"force=100", Impact{Force: true}, false},
		{"force=90", Impact{}, true},
		{"+0", Impact{}, true},
		{"+101", Impact{}, true},
		{"lots", Impact{}, true},
	}
	for _, tt := range tests {
		got, err := ParseImpact(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidRule, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "+40", Impact{Add: 40}.String())
	assert.Equal(t, "force=100", Impact{Force: true}.String())
	assert.Equal(t, 100, Impact{Force: true}.Contribution())
}

func TestParse_Document(t *testing.T) {
	doc := mustParse(t, catalogYAML)

	require.Len(t, doc.Rules, 4)
	assert.Equal(t, "1.0.0", doc.Version)
	assert.True(t, doc.Rules[0].Impact.Force)
	assert.Equal(t, 24*time.Hour, doc.Rules[0].Window.Std())
	assert.True(t, doc.Rules[0].Enabled, "enabled defaults to true")
	assert.False(t, doc.Rules[3].Enabled)
	assert.Equal(t, 15, doc.Rules[3].Impact.Add)
	assert.Equal(t, "CO", doc.Rules[2].SensorType())
	assert.Equal(t, "", doc.Rules[1].SensorType())
	assert.Equal(t, 45.0, doc.SiteOverrides["north-mine"]["ENV_CO_SUSTAINED"]["threshold"])
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown top-level key": "rules: []\nextra: 1",
		"no rules":              "version: 1.0.0",
		"bad category": `
rules:
  - {code: A, category: chaos, kind: upcoming, impact: +1, window: 1h}`,
		"lowercase code": `
rules:
  - {code: a, category: behavioral, kind: event_count, impact: +1, window: 1h}`,
		"string threshold": `
rules:
  - {code: A, category: behavioral, kind: event_count, impact: +1, window: 1h, params: {types: x}, thresholds: {count: many}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestRule_Validate(t *testing.T) {
	base := func() Rule {
		return Rule{
			Code: "ENV_CO", Category: CategoryEnvironmental, Kind: KindSustained,
			Impact: Impact{Add: 30}, Enabled: true, Window: Duration(30 * time.Minute),
			Params:     map[string]string{"sensor": "CO", "direction": "above"},
			Thresholds: map[string]float64{"threshold": 50, "duration_minutes": 10, "freshness_minutes": 5},
		}
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Rule)
		want   error
	}{
		{"lockout without force", func(r *Rule) { r.Category = CategoryLockout }, ErrInvalidRule},
		{"force outside lockout", func(r *Rule) { r.Impact = Impact{Force: true} }, ErrInvalidRule},
		{"unknown kind", func(r *Rule) { r.Kind = "vibes" }, ErrUnknownRuleKind},
		{"missing param", func(r *Rule) { delete(r.Params, "sensor") }, ErrMissingParameter},
		{"missing threshold", func(r *Rule) { delete(r.Thresholds, "threshold") }, ErrMissingThreshold},
		{"bad direction", func(r *Rule) { r.Params["direction"] = "sideways" }, ErrInvalidRule},
		{"window too short", func(r *Rule) { r.Window = Duration(12 * time.Minute) }, ErrInvalidRule},
		{"no window", func(r *Rule) { r.Window = 0 }, ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			assert.ErrorIs(t, r.Validate(), tt.want)
		})
	}
}

func TestOverrides_Validate(t *testing.T) {
	doc := mustParse(t, catalogYAML)
	bad := Overrides{"north-mine": {"ENV_CO_SUSTAINED": {"speed": 1}}}
	assert.ErrorIs(t, bad.Validate(doc.Rules), ErrInvalidCatalog)
	unknown := Overrides{"north-mine": {"NOPE": {"threshold": 1}}}
	assert.ErrorIs(t, unknown.Validate(doc.Rules), ErrInvalidCatalog)
}

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestCatalog_ActivateAndAt(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(NewMemoryStore())
	doc := mustParse(t, catalogYAML)

	_, err := c.At(t0)
	assert.ErrorIs(t, err, ErrNoCatalog)

	v1, err := c.Activate(ctx, *doc, t0)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v1.Version)
	assert.NotEmpty(t, v1.Digest)
	for _, r := range v1.Rules {
		assert.Equal(t, 1, r.Version)
	}

	changed := *doc
	changed.Version = ""
	changed.Rules = append([]Rule(nil), doc.Rules...)
	changed.Rules[1].Impact = Impact{Add: 45}
	v2, err := c.Activate(ctx, changed, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v2.Version, "empty version bumps the minor")

	r, _ := v2.Rule("TIME_BLAST_IMMINENT")
	assert.Equal(t, 2, r.Version, "changed rule gets a new version")
	r, _ = v2.Rule("ENV_CO_SUSTAINED")
	assert.Equal(t, 1, r.Version, "unchanged rule keeps its version")

	got, err := c.At(t0.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Same(t, v1, got)
	got, err = c.At(t0.Add(48 * time.Hour))
	require.NoError(t, err)
	assert.Same(t, v2, got)

	// Activating mutated input must not leak into the published version.
	changed.Rules[1].Params["event"] = "something_else"
	r, _ = v2.Rule("TIME_BLAST_IMMINENT")
	assert.Equal(t, "blast_scheduled", r.Params["event"])

	infos := c.Versions()
	require.Len(t, infos, 2)
	require.NotNil(t, infos[0].EffectiveTo)
	assert.Equal(t, t0.Add(48*time.Hour), *infos[0].EffectiveTo)
	assert.Nil(t, infos[1].EffectiveTo)
}

func TestCatalog_ActivationGuards(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(NewMemoryStore())
	doc := mustParse(t, catalogYAML)
	_, err := c.Activate(ctx, *doc, t0)
	require.NoError(t, err)

	same := *doc
	_, err = c.Activate(ctx, same, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrVersionExists)

	older := *doc
	older.Version = "0.9.0"
	_, err = c.Activate(ctx, older, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrVersionNotNewer)

	next := *doc
	next.Version = "2.0.0"
	_, err = c.Activate(ctx, next, t0.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrRetroactive)

	c.MarkReferenced(t0.Add(6 * time.Hour))
	_, err = c.Activate(ctx, next, t0.Add(5*time.Hour))
	assert.ErrorIs(t, err, ErrRetroactive, "states computed at 06:00 already used 1.0.0")
	assert.True(t, IsValidation(err))

	_, err = c.Activate(ctx, next, t0.Add(7*time.Hour))
	assert.NoError(t, err)
}

func TestCatalog_Checker(t *testing.T) {
	c := NewCatalog(NewMemoryStore(), WithChecker(func(r Rule) error {
		if r.Code == "TIME_BLAST_IMMINENT" {
			return errors.New("nope")
		}
		return nil
	}))
	_, err := c.Activate(context.Background(), *mustParse(t, catalogYAML), t0)
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Nil(t, c.Latest())
}

func TestCatalog_EnsureAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCatalog(store)
	doc := mustParse(t, catalogYAML)

	v, created, err := c.Ensure(ctx, *doc, t0)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := c.Ensure(ctx, *doc, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, v.Digest, again.Digest)

	edited := *doc
	edited.Rules = append([]Rule(nil), doc.Rules...)
	edited.Rules[0].Window = Duration(12 * time.Hour)
	_, _, err = c.Ensure(ctx, edited, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrDigestMismatch, "a published version cannot be edited in place")

	reloaded := NewCatalog(store)
	require.NoError(t, reloaded.Load(ctx))
	got, err := reloaded.At(t0)
	require.NoError(t, err)
	assert.Equal(t, v.Digest, got.Digest)
	assert.Equal(t, v.Rules, got.Rules)
}

func TestVersion_ThresholdsAndWindows(t *testing.T) {
	c := NewCatalog(NewMemoryStore())
	v, err := c.Activate(context.Background(), *mustParse(t, catalogYAML), t0)
	require.NoError(t, err)

	co, _ := v.Rule("ENV_CO_SUSTAINED")
	assert.Equal(t, 45.0, v.Thresholds(co, "north-mine")["threshold"])
	assert.Equal(t, 50.0, v.Thresholds(co, "south-mine")["threshold"])
	assert.Equal(t, 50.0, co.Thresholds["threshold"], "overrides never touch the rule")

	assert.Equal(t, 24*time.Hour, v.MaxWindow())
	assert.Len(t, v.Enabled(CategoryBehavioral), 0)
	assert.Len(t, v.Enabled(CategoryLockout), 1)
}
