package risk

import "github.com/mbd888/siterisk/internal/site"

// LevelScore is one level's place in a rollup.
type LevelScore struct {
	Location  site.Ref `json:"location"`
	Score     int      `json:"score"`     // raw computed score
	Effective int      `json:"effective"` // score after operator-resolved suppressions
	Band      Band     `json:"band"`
	Known     bool     `json:"known"` // false until the level has been evaluated once
}

// StructureScore is the max over a structure's levels.
type StructureScore struct {
	ID     string       `json:"id"`
	Score  int          `json:"score"`
	Band   Band         `json:"band"`
	Levels []LevelScore `json:"levels"`
}

// SiteScore is the max over the site's structures.
type SiteScore struct {
	SiteID     string           `json:"siteId"`
	Score      int              `json:"score"`
	Band       Band             `json:"band"`
	Worst      *site.Ref        `json:"worst,omitempty"`
	Structures []StructureScore `json:"structures"`
}

// Suppressions lists, per level, the rule codes whose alerts an operator
// resolved while the cause still held. They only affect rollups.
type Suppressions map[site.Ref]map[string]bool

// Suppress marks code as operator-resolved for ref.
func (s Suppressions) Suppress(ref site.Ref, code string) {
	if s[ref] == nil {
		s[ref] = make(map[string]bool)
	}
	s[ref][code] = true
}

// EffectiveScore recomputes a state's score without the suppressed rules.
func EffectiveScore(s *State, suppressed map[string]bool) int {
	if s == nil {
		return 0
	}
	if len(suppressed) == 0 {
		return s.Score
	}
	total := 0
	for _, tr := range s.TriggeredRules {
		if suppressed[tr.RuleCode] {
			continue
		}
		if tr.Forced {
			return MaxScore
		}
		total += tr.Contribution
	}
	return Cap(total)
}

// Aggregate rolls level states up to structures and the site. Both levels
// within a structure and structures within the site combine by max, so a
// single worst-case location dominates. Ties keep the first level in
// declaration order as the worst.
func Aggregate(reg *site.Registry, states map[site.Ref]*State, sup Suppressions) SiteScore {
	out := SiteScore{SiteID: reg.SiteID(), Band: BandLow}
	byStructure := make(map[string]*StructureScore)
	for _, id := range reg.StructureIDs() {
		out.Structures = append(out.Structures, StructureScore{ID: id, Band: BandLow})
	}
	for i := range out.Structures {
		byStructure[out.Structures[i].ID] = &out.Structures[i]
	}

	for _, ref := range reg.Levels() {
		st := states[ref]
		ls := LevelScore{Location: ref, Band: BandLow}
		if st != nil {
			ls.Known = true
			ls.Score = st.Score
			ls.Effective = EffectiveScore(st, sup[ref])
			ls.Band = BandFor(ls.Effective)
		}
		ss := byStructure[ref.Structure]
		ss.Levels = append(ss.Levels, ls)
		if ls.Effective > ss.Score {
			ss.Score = ls.Effective
		}
		if ls.Known && (out.Worst == nil || ls.Effective > out.Score) {
			r := ref
			out.Worst = &r
			out.Score = ls.Effective
		}
	}
	for i := range out.Structures {
		out.Structures[i].Band = BandFor(out.Structures[i].Score)
	}
	out.Band = BandFor(out.Score)
	return out
}
