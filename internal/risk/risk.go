// Package risk defines the per-level risk state and the single place where
// scores are mapped to bands and rolled up to structures and the site.
//
// Scores are integers in [0, 100]. A state's score is the capped sum of its
// triggered rule contributions, unless a forcing rule fired, in which case the
// score is 100 and that rule is the only entry.
package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/siterisk/internal/site"
)

// Band is the coarse classification of a score.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Band boundaries are inclusive on the upper end: 30 is low, 70 is medium.
const (
	LowMax    = 30
	MediumMax = 70
	MaxScore  = 100
)

var ErrInvariant = errors.New("risk: state invariant violated")

// BandFor maps a score to its band.
func BandFor(score int) Band {
	switch {
	case score <= LowMax:
		return BandLow
	case score <= MediumMax:
		return BandMedium
	default:
		return BandHigh
	}
}

// Elevated reports whether the band is medium or high.
func (b Band) Elevated() bool {
	return b == BandMedium || b == BandHigh
}

// Citation points at a stored input that made a rule fire.
type Citation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "event" or "measurement"
	Type      string    `json:"type"` // event type or sensor type
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value,omitempty"`
	Unit      string    `json:"unit,omitempty"`
}

// Gap describes a sensor-dependent rule that could not be evaluated with fresh data.
type Gap struct {
	Sensor   string     `json:"sensor"`
	Since    time.Time  `json:"since"`              // start of the period without usable data
	LastSeen *time.Time `json:"lastSeen,omitempty"` // nil when the sensor never reported in the window
}

// TriggeredRule is one rule's contribution to a state.
type TriggeredRule struct {
	RuleCode     string     `json:"ruleCode"`
	RuleVersion  int        `json:"ruleVersion"`
	Category     string     `json:"category"`
	Contribution int        `json:"contribution"`
	Forced       bool       `json:"forced,omitempty"`
	Uncertain    bool       `json:"uncertain,omitempty"`
	Gap          *Gap       `json:"gap,omitempty"`
	Cites        []Citation `json:"cites,omitempty"`
}

// Latch is an uncleared pending-clearance trigger. Every latch is recorded,
// including those hidden behind a forcing rule, so the next computation keeps
// them in force after their trigger leaves the rule window.
type Latch struct {
	RuleCode string   `json:"ruleCode"`
	Trigger  Citation `json:"trigger"`
}

// State is the computed risk of one level at one instant.
type State struct {
	Location           site.Ref        `json:"location"`
	Score              int             `json:"score"`
	Band               Band            `json:"band"`
	TriggeredRules     []TriggeredRule `json:"triggeredRules"`
	Latched            []Latch         `json:"latched,omitempty"`
	Explanation        string          `json:"explanation"`
	ComputedAt         time.Time       `json:"computedAt"`
	RuleCatalogVersion string          `json:"ruleCatalogVersion"`
}

// Forced reports whether a forcing rule decided the score.
func (s *State) Forced() bool {
	return len(s.TriggeredRules) == 1 && s.TriggeredRules[0].Forced
}

// Uncertain reports whether any contribution came from missing data.
func (s *State) Uncertain() bool {
	for _, tr := range s.TriggeredRules {
		if tr.Uncertain {
			return true
		}
	}
	return false
}

// Rule returns the triggered entry for code, if present.
func (s *State) Rule(code string) (TriggeredRule, bool) {
	for _, tr := range s.TriggeredRules {
		if tr.RuleCode == code {
			return tr, true
		}
	}
	return TriggeredRule{}, false
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Latched != nil {
		c.Latched = make([]Latch, len(s.Latched))
		for i, l := range s.Latched {
			if l.Trigger.Value != nil {
				v := *l.Trigger.Value
				l.Trigger.Value = &v
			}
			c.Latched[i] = l
		}
	}
	if s.TriggeredRules == nil {
		return &c
	}
	c.TriggeredRules = make([]TriggeredRule, len(s.TriggeredRules))
	for i, tr := range s.TriggeredRules {
		cp := tr
		if tr.Gap != nil {
			g := *tr.Gap
			if g.LastSeen != nil {
				ts := *g.LastSeen
				g.LastSeen = &ts
			}
			cp.Gap = &g
		}
		if tr.Cites != nil {
			cp.Cites = make([]Citation, len(tr.Cites))
		}
		for j, ci := range tr.Cites {
			if ci.Value != nil {
				v := *ci.Value
				ci.Value = &v
			}
			cp.Cites[j] = ci
		}
		c.TriggeredRules[i] = cp
	}
	return &c
}

// Check verifies the score, band and forcing invariants.
func (s *State) Check() error {
	if s.Score < 0 || s.Score > MaxScore {
		return fmt.Errorf("%w: score %d out of range", ErrInvariant, s.Score)
	}
	if s.Band != BandFor(s.Score) {
		return fmt.Errorf("%w: band %s for score %d", ErrInvariant, s.Band, s.Score)
	}
	sum := 0
	for i, tr := range s.TriggeredRules {
		if tr.Forced {
			if len(s.TriggeredRules) != 1 || i != 0 {
				return fmt.Errorf("%w: forced rule %s is not the sole entry", ErrInvariant, tr.RuleCode)
			}
			if s.Score != MaxScore {
				return fmt.Errorf("%w: forced rule with score %d", ErrInvariant, s.Score)
			}
			return nil
		}
		sum += tr.Contribution
	}
	if want := Cap(sum); s.Score != want {
		return fmt.Errorf("%w: score %d, contributions sum to %d", ErrInvariant, s.Score, sum)
	}
	return nil
}

// Cap clamps a running total into [0, MaxScore].
func Cap(total int) int {
	if total > MaxScore {
		return MaxScore
	}
	if total < 0 {
		return 0
	}
	return total
}
