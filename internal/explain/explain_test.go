package explain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
)

var t0 = time.Date(2026, 3, 1, 8, 12, 0, 0, time.UTC)

func TestRender_DefaultTemplates(t *testing.T) {
	r := NewRenderer()
	got := r.Render(Input{
		Place: "Level 4 (Decline A)",
		Score: 45,
		Band:  risk.BandMedium,
		Causes: []Cause{
			{
				Rule: rules.Rule{Kind: rules.KindSustained},
				Vars: map[string]any{"Sensor": "CO", "Direction": "above", "Minutes": 12, "Extreme": 61.5, "Unit": "ppm"},
			},
			{
				Rule: rules.Rule{Kind: rules.KindEventCount},
				Vars: map[string]any{"Count": 3, "Types": []string{"proximity_alarm", "overspeed_violation"}, "WindowMinutes": 60},
			},
		},
	})
	assert.Equal(t, "Level 4 (Decline A): CO levels exceeding threshold for 12 minutes (peak 61.5 ppm); "+
		"3 proximity alarm or overspeed violation events in the last 60 minutes. Score 45 (medium).", got)
}

func TestRender_Lockout(t *testing.T) {
	r := NewRenderer()
	got := r.Render(Input{
		Place: "Level 3 (Decline A)",
		Score: 100,
		Band:  risk.BandHigh,
		Causes: []Cause{{
			Rule:      rules.Rule{Kind: rules.KindPendingClearance},
			Triggered: risk.TriggeredRule{Forced: true},
			Vars:      map[string]any{"Event": "blast_fired", "Clear": []string{"reentry_cleared"}, "Time": t0},
		}},
	})
	assert.Equal(t, "Level 3 (Decline A): blast fired at Mar 1 08:12 UTC has not been followed by reentry cleared. Locked out until this clears.", got)
}

func TestRender_FallsBackWhenRuleTemplateFails(t *testing.T) {
	r := NewRenderer()
	cause := Cause{
		Rule: rules.Rule{Kind: rules.KindUpcoming, Category: rules.CategoryTimeCritical, Explain: "{{.NoSuchVar}} soon"},
		Vars: map[string]any{"Event": "blast_scheduled", "Planned": t0, "MinutesUntil": 18},
	}
	got := r.Render(Input{Place: "P", Score: 40, Band: risk.BandMedium, Causes: []Cause{cause}})
	assert.Equal(t, "P: blast scheduled for 08:12 UTC (18 minutes away). Score 40 (medium).", got)

	cause.Vars = nil
	got = r.Render(Input{Place: "P", Score: 40, Band: risk.BandMedium, Causes: []Cause{cause}})
	assert.Equal(t, "P: a time-critical condition is active. Score 40 (medium).", got)
}

func TestRender_Gap(t *testing.T) {
	r := NewRenderer()
	seen := t0
	got := r.Render(Input{
		Place: "P",
		Score: 30,
		Band:  risk.BandLow,
		Causes: []Cause{{
			Rule:      rules.Rule{Kind: rules.KindSustained},
			Triggered: risk.TriggeredRule{Uncertain: true, Gap: &risk.Gap{Sensor: "CO", Since: seen, LastSeen: &seen}},
		}},
	})
	assert.Equal(t, "P: risk elevated due to incomplete sensor data since 08:12 UTC (CO). Score 30 (low).", got)

	assert.Equal(t, "risk elevated due to incomplete input data", gapSentence(nil))
}

func TestRender_IsDeterministic(t *testing.T) {
	r := NewRenderer()
	in := Input{Place: "P", Score: 0, Band: risk.BandLow}
	assert.Equal(t, r.Render(in), NewRenderer().Render(in))
	assert.Equal(t, "P: no active risk conditions. Score 0 (low).", r.Render(in))
}

func TestCheck(t *testing.T) {
	r := NewRenderer()
	assert.NoError(t, r.Check(rules.Rule{}))
	assert.NoError(t, r.Check(rules.Rule{Explain: "blast at {{clock .Time}}"}))
	assert.ErrorIs(t, r.Check(rules.Rule{Explain: "{{if}}"}), ErrTemplate)
	assert.ErrorIs(t, r.Check(rules.Rule{Explain: "{{nosuchfunc .X}}"}), ErrTemplate)
}

func TestHuman(t *testing.T) {
	assert.Equal(t, "gas alert", human("gas_alert"))
	assert.Equal(t, "a or b", human([]string{"a", "b"}))
	assert.Equal(t, "a, b or c", human([]string{"a", "b", "c"}))
	assert.Equal(t, "7", human(7))
}
