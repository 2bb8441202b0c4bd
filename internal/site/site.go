// Package site models the facility hierarchy: Site → Structure → Level.
//
// A location reference always resolves to a Level. Activities are not modelled
// separately; they contribute Events and Measurements tagged with their level.
package site

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownLocation = errors.New("site: unknown location")
	ErrInvalidRef      = errors.New("site: location must be <structure>/<level>")
	ErrInvalidLayout   = errors.New("site: invalid layout")
)

// Ref identifies a level within a structure.
type Ref struct {
	Structure string
	Level     string
}

// String renders the ref as "structure/level".
func (r Ref) String() string {
	return r.Structure + "/" + r.Level
}

// MarshalText encodes the ref as "structure/level" so it works as a JSON map key.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses "structure/level".
func (r *Ref) UnmarshalText(b []byte) error {
	parsed, err := ParseRef(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool {
	return r.Structure == "" && r.Level == ""
}

// ParseRef parses "structure/level".
func ParseRef(s string) (Ref, error) {
	structure, level, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || structure == "" || level == "" || strings.Contains(level, "/") {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Structure: structure, Level: level}, nil
}

// Level is the unit risk is computed for.
type Level struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Sensors []string `yaml:"sensors" json:"sensors"` // sensor types the level is instrumented with
}

// Structure is a pit, decline, shaft or plant containing levels.
type Structure struct {
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name" json:"name"`
	Kind   string  `yaml:"kind" json:"kind"`
	Levels []Level `yaml:"levels" json:"levels"`
}

// Site is the root of the hierarchy.
type Site struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Structures []Structure `yaml:"structures" json:"structures"`
}

// Registry resolves location refs against a site layout. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	site   Site
	levels map[Ref]*levelEntry
	order  []Ref
}

type levelEntry struct {
	level     Level
	structure *Structure
	sensors   map[string]bool
}

// NewRegistry validates the layout and indexes its levels.
func NewRegistry(s Site) (*Registry, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: site id is required", ErrInvalidLayout)
	}
	if len(s.Structures) == 0 {
		return nil, fmt.Errorf("%w: site %s has no structures", ErrInvalidLayout, s.ID)
	}
	r := &Registry{site: s, levels: make(map[Ref]*levelEntry)}
	seenStructures := make(map[string]bool)
	for i := range r.site.Structures {
		st := &r.site.Structures[i]
		if st.ID == "" || strings.Contains(st.ID, "/") {
			return nil, fmt.Errorf("%w: structure id %q", ErrInvalidLayout, st.ID)
		}
		if seenStructures[st.ID] {
			return nil, fmt.Errorf("%w: duplicate structure %s", ErrInvalidLayout, st.ID)
		}
		seenStructures[st.ID] = true
		if len(st.Levels) == 0 {
			return nil, fmt.Errorf("%w: structure %s has no levels", ErrInvalidLayout, st.ID)
		}
		for _, lv := range st.Levels {
			if lv.ID == "" || strings.Contains(lv.ID, "/") {
				return nil, fmt.Errorf("%w: level id %q in %s", ErrInvalidLayout, lv.ID, st.ID)
			}
			ref := Ref{Structure: st.ID, Level: lv.ID}
			if _, dup := r.levels[ref]; dup {
				return nil, fmt.Errorf("%w: duplicate level %s", ErrInvalidLayout, ref)
			}
			sensors := make(map[string]bool, len(lv.Sensors))
			for _, s := range lv.Sensors {
				sensors[s] = true
			}
			r.levels[ref] = &levelEntry{level: lv, structure: st, sensors: sensors}
			r.order = append(r.order, ref)
		}
	}
	return r, nil
}

// LoadFile reads a YAML site layout.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("site: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML site layout.
func Parse(data []byte) (*Registry, error) {
	var doc struct {
		Site Site `yaml:"site"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	return NewRegistry(doc.Site)
}

// SiteID returns the site identifier.
func (r *Registry) SiteID() string { return r.site.ID }

// Site returns the layout.
func (r *Registry) Site() Site { return r.site }

// Validate returns ErrUnknownLocation when the ref does not name a level.
func (r *Registry) Validate(ref Ref) error {
	if _, ok := r.levels[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocation, ref)
	}
	return nil
}

// Level returns the level for ref.
func (r *Registry) Level(ref Ref) (Level, bool) {
	e, ok := r.levels[ref]
	if !ok {
		return Level{}, false
	}
	return e.level, true
}

// DisplayName renders "Level 3 (Decline A)" style names for explanations.
func (r *Registry) DisplayName(ref Ref) string {
	e, ok := r.levels[ref]
	if !ok {
		return ref.String()
	}
	lv := e.level.Name
	if lv == "" {
		lv = e.level.ID
	}
	st := e.structure.Name
	if st == "" {
		st = e.structure.ID
	}
	return fmt.Sprintf("%s (%s)", lv, st)
}

// HasSensor reports whether the level is instrumented with the sensor type.
func (r *Registry) HasSensor(ref Ref, sensorType string) bool {
	e, ok := r.levels[ref]
	return ok && e.sensors[sensorType]
}

// Sensors returns the sensor types installed on the level.
func (r *Registry) Sensors(ref Ref) []string {
	e, ok := r.levels[ref]
	if !ok {
		return nil
	}
	return append([]string(nil), e.level.Sensors...)
}

// Levels returns every level ref in declaration order.
func (r *Registry) Levels() []Ref {
	return append([]Ref(nil), r.order...)
}

// StructureIDs returns structure ids in declaration order.
func (r *Registry) StructureIDs() []string {
	ids := make([]string, 0, len(r.site.Structures))
	for _, st := range r.site.Structures {
		ids = append(ids, st.ID)
	}
	return ids
}
