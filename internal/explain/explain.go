// Package explain renders the plain-language justification of a risk state.
//
// Output is a pure function of its input: the same causes always render the
// same bytes. Rule codes never appear; each rule paraphrases itself through a
// text/template bound to the variables its condition produced.
package explain

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
)

var ErrTemplate = errors.New("explain: invalid template")

// Default templates per condition kind, used when a rule has no explain text.
var defaults = map[string]string{
	rules.KindPendingClearance: `{{human .Event}} at {{stamp .Time}} has not been followed by {{human .Clear}}`,
	rules.KindUpcoming:         `{{human .Event}} for {{clock .Planned}} ({{.MinutesUntil}} minutes away)`,
	rules.KindEventCount:       `{{.Count}} {{human .Types}} events in the last {{.WindowMinutes}} minutes`,
	rules.KindSustained:        `{{.Sensor}} levels {{if eq .Direction "below"}}below{{else}}exceeding{{end}} threshold for {{.Minutes}} minutes ({{if eq .Direction "below"}}low{{else}}peak{{end}} {{num .Extreme}} {{.Unit}})`,
	rules.KindExpression:       `{{with .Description}}{{.}}{{else}}site-specific condition met{{end}}`,
}

// Cause is one triggered rule together with the variables its template binds.
type Cause struct {
	Rule      rules.Rule
	Triggered risk.TriggeredRule
	Vars      map[string]any
}

// Input is everything a rendering depends on.
type Input struct {
	Place  string // display name of the level
	Score  int
	Band   risk.Band
	Causes []Cause
}

// Renderer caches parsed templates. It is safe for concurrent use.
type Renderer struct {
	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewRenderer creates a renderer with an empty template cache.
func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[string]*template.Template)}
}

var funcs = template.FuncMap{
	"clock": func(t time.Time) string { return t.UTC().Format("15:04 UTC") },
	"stamp": func(t time.Time) string { return t.UTC().Format("Jan 2 15:04 UTC") },
	"human": human,
	"num": func(v float64) string {
		return strconv.FormatFloat(v, 'f', -1, 64)
	},
}

func human(v any) string {
	var parts []string
	switch x := v.(type) {
	case string:
		parts = []string{x}
	case []string:
		parts = x
	default:
		return fmt.Sprint(v)
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.ReplaceAll(p, "_", " ")
	}
	if len(out) > 1 {
		return strings.Join(out[:len(out)-1], ", ") + " or " + out[len(out)-1]
	}
	return strings.Join(out, "")
}

// Check parses the rule's template so a broken one is rejected at activation.
func (r *Renderer) Check(rule rules.Rule) error {
	if rule.Explain == "" {
		return nil
	}
	_, err := r.template(rule.Explain)
	return err
}

func (r *Renderer) template(src string) (*template.Template, error) {
	r.mu.RLock()
	t, hit := r.cache[src]
	r.mu.RUnlock()
	if hit {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, hit = r.cache[src]; hit {
		return t, nil
	}
	t, err := template.New("").Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	r.cache[src] = t
	return t, nil
}

// sentence renders one cause. A rule template that fails to execute falls back
// to its kind's default, which only uses variables every condition provides.
func (r *Renderer) sentence(c Cause) string {
	if c.Triggered.Uncertain {
		return gapSentence(c.Triggered.Gap)
	}
	for _, src := range []string{c.Rule.Explain, defaults[c.Rule.Kind]} {
		if src == "" {
			continue
		}
		t, err := r.template(src)
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, c.Vars); err != nil {
			continue
		}
		return strings.TrimSpace(buf.String())
	}
	return "a " + strings.ReplaceAll(string(c.Rule.Category), "_", "-") + " condition is active"
}

func gapSentence(g *risk.Gap) string {
	if g == nil {
		return "risk elevated due to incomplete input data"
	}
	s := "risk elevated due to incomplete sensor data since " + g.Since.UTC().Format("15:04 UTC")
	if g.Sensor != "" {
		s += " (" + g.Sensor + ")"
	}
	return s
}

// Render produces the explanation text for one state.
func (r *Renderer) Render(in Input) string {
	var b strings.Builder
	b.WriteString(in.Place)
	b.WriteString(": ")

	if len(in.Causes) == 0 {
		fmt.Fprintf(&b, "no active risk conditions. Score %d (%s).", in.Score, in.Band)
		return b.String()
	}
	if len(in.Causes) == 1 && in.Causes[0].Triggered.Forced {
		b.WriteString(r.sentence(in.Causes[0]))
		b.WriteString(". Locked out until this clears.")
		return b.String()
	}

	sentences := make([]string, len(in.Causes))
	for i, c := range in.Causes {
		sentences[i] = r.sentence(c)
	}
	b.WriteString(strings.Join(sentences, "; "))
	fmt.Fprintf(&b, ". Score %d (%s).", in.Score, in.Band)
	return b.String()
}
