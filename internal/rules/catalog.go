package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/mbd888/siterisk/internal/canonical"
)

// Version is an immutable catalog version. Nothing mutates a Version after
// Activate publishes it, so readers may hold the pointer without locking.
type Version struct {
	Version       string    `json:"version"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
	Rules         []Rule    `json:"rules"`
	SiteOverrides Overrides `json:"siteOverrides,omitempty"`
	Digest        string    `json:"digest"`
	ActivatedAt   time.Time `json:"activatedAt"`
}

// VersionInfo describes a version and the range it was in effect.
type VersionInfo struct {
	Version       string     `json:"version"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
	Digest        string     `json:"digest"`
	Rules         int        `json:"rules"`
	ActivatedAt   time.Time  `json:"activatedAt"`
}

// Rule returns the rule with code.
func (v *Version) Rule(code string) (Rule, bool) {
	for _, r := range v.Rules {
		if r.Code == code {
			return r, true
		}
	}
	return Rule{}, false
}

// Enabled returns the enabled rules of a category in declaration order.
func (v *Version) Enabled(cat Category) []Rule {
	var out []Rule
	for _, r := range v.Rules {
		if r.Enabled && r.Category == cat {
			out = append(out, r)
		}
	}
	return out
}

// Thresholds returns the rule's thresholds with the site's overrides applied.
func (v *Version) Thresholds(r Rule, siteID string) map[string]float64 {
	out := make(map[string]float64, len(r.Thresholds))
	for k, val := range r.Thresholds {
		out[k] = val
	}
	for k, val := range v.SiteOverrides[siteID][r.Code] {
		out[k] = val
	}
	return out
}

// MaxWindow is the longest trailing window of any enabled rule.
func (v *Version) MaxWindow() time.Duration {
	var longest time.Duration
	for _, r := range v.Rules {
		if r.Enabled && r.Window.Std() > longest {
			longest = r.Window.Std()
		}
	}
	return longest
}

func versionDigest(v *Version) (string, error) {
	return canonical.Digest(struct {
		Version       string    `json:"version"`
		EffectiveFrom time.Time `json:"effectiveFrom"`
		Rules         []Rule    `json:"rules"`
		SiteOverrides Overrides `json:"siteOverrides,omitempty"`
	}{v.Version, v.EffectiveFrom, v.Rules, v.SiteOverrides})
}

func ruleDigest(r Rule) (string, error) {
	r.Version = 0
	return canonical.Digest(r)
}

// Store persists catalog versions.
type Store interface {
	Save(ctx context.Context, v *Version) error
	List(ctx context.Context) ([]*Version, error)
}

// Checker performs evaluator-level validation (e.g. compiling expressions).
type Checker func(Rule) error

// Catalog is the set of published versions ordered by effective time.
//
// Activation is copy-on-publish: a new slice is built and swapped in, so a
// reader that looked up a version keeps a consistent view.
type Catalog struct {
	store   Store
	checker Checker
	now     func() time.Time

	mu         sync.RWMutex
	versions   []*Version
	referenced time.Time // latest computedAt of any state produced from this catalog
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithChecker adds evaluator-level validation to activation.
func WithChecker(fn Checker) Option {
	return func(c *Catalog) { c.checker = fn }
}

// WithClock overrides the activation clock.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// NewCatalog creates an empty catalog backed by store.
func NewCatalog(store Store, opts ...Option) *Catalog {
	c := &Catalog{store: store, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load reads every stored version.
func (c *Catalog) Load(ctx context.Context) error {
	vs, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("rules: load catalog: %w", err)
	}
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].EffectiveFrom.Before(vs[j].EffectiveFrom) })
	c.mu.Lock()
	c.versions = vs
	c.mu.Unlock()
	return nil
}

// At returns the version in effect at t.
func (c *Catalog) At(t time.Time) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.versions), func(i int) bool { return c.versions[i].EffectiveFrom.After(t) })
	if i == 0 {
		return nil, fmt.Errorf("%w at %s", ErrNoCatalog, t.UTC().Format(time.RFC3339))
	}
	return c.versions[i-1], nil
}

// Get returns a version by its version string.
func (c *Catalog) Get(version string) (*Version, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.versions {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
}

// Latest returns the version with the latest effective time, or nil.
func (c *Catalog) Latest() *Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.versions) == 0 {
		return nil
	}
	return c.versions[len(c.versions)-1]
}

// Versions lists every version with its effective range.
func (c *Catalog) Versions() []VersionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]VersionInfo, len(c.versions))
	for i, v := range c.versions {
		out[i] = VersionInfo{
			Version:       v.Version,
			EffectiveFrom: v.EffectiveFrom,
			Digest:        v.Digest,
			Rules:         len(v.Rules),
			ActivatedAt:   v.ActivatedAt,
		}
		if i+1 < len(c.versions) {
			to := c.versions[i+1].EffectiveFrom
			out[i].EffectiveTo = &to
		}
	}
	return out
}

// MarkReferenced records that a state computed at t used the catalog. Later
// activations must take effect after every referenced instant.
func (c *Catalog) MarkReferenced(t time.Time) {
	c.mu.Lock()
	if t.After(c.referenced) {
		c.referenced = t
	}
	c.mu.Unlock()
}

// Activate publishes doc as a new immutable version effective from
// effectiveFrom. The version string must be a semver greater than the latest;
// when empty, the latest minor is bumped. Rules whose definition changed
// relative to the previous version get their version incremented.
func (c *Catalog) Activate(ctx context.Context, doc Document, effectiveFrom time.Time) (*Version, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if c.checker != nil {
		for _, r := range doc.Rules {
			if err := c.checker(r); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.Code, err)
			}
		}
	}
	effectiveFrom = effectiveFrom.UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	var latest *Version
	if n := len(c.versions); n > 0 {
		latest = c.versions[n-1]
	}
	version, err := nextVersion(latest, doc.Version)
	if err != nil {
		return nil, err
	}
	if latest != nil && !effectiveFrom.After(latest.EffectiveFrom) {
		return nil, fmt.Errorf("%w: effective %s is not after %s (version %s)",
			ErrRetroactive, effectiveFrom.Format(time.RFC3339), latest.EffectiveFrom.Format(time.RFC3339), latest.Version)
	}
	if !c.referenced.IsZero() && !effectiveFrom.After(c.referenced) {
		return nil, fmt.Errorf("%w: effective %s but states were computed up to %s",
			ErrRetroactive, effectiveFrom.Format(time.RFC3339), c.referenced.Format(time.RFC3339))
	}

	rs, err := assignRuleVersions(latest, doc.Rules)
	if err != nil {
		return nil, err
	}
	v := &Version{
		Version:       version,
		EffectiveFrom: effectiveFrom,
		Rules:         rs,
		SiteOverrides: cloneOverrides(doc.SiteOverrides),
		ActivatedAt:   c.now().UTC(),
	}
	if v.Digest, err = versionDigest(v); err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, v); err != nil {
		return nil, fmt.Errorf("rules: save version %s: %w", v.Version, err)
	}

	next := make([]*Version, len(c.versions), len(c.versions)+1)
	copy(next, c.versions)
	c.versions = append(next, v)
	return v, nil
}

// Ensure makes sure the document is published. A version string that is
// already stored must carry identical content; anything else is activated.
// Used on startup with the configured catalog file.
func (c *Catalog) Ensure(ctx context.Context, doc Document, effectiveFrom time.Time) (*Version, bool, error) {
	if doc.Version != "" {
		if existing, err := c.Get(doc.Version); err == nil {
			probe := &Version{
				Version:       existing.Version,
				EffectiveFrom: existing.EffectiveFrom,
				SiteOverrides: doc.SiteOverrides,
			}
			var rerr error
			if probe.Rules, rerr = assignRuleVersions(c.previous(existing), doc.Rules); rerr != nil {
				return nil, false, rerr
			}
			d, derr := versionDigest(probe)
			if derr != nil {
				return nil, false, derr
			}
			if d != existing.Digest {
				return nil, false, fmt.Errorf("%w: %s", ErrDigestMismatch, doc.Version)
			}
			return existing, false, nil
		}
	}
	v, err := c.Activate(ctx, doc, effectiveFrom)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *Catalog) previous(v *Version) *Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, cur := range c.versions {
		if cur == v && i > 0 {
			return c.versions[i-1]
		}
	}
	return nil
}

func nextVersion(latest *Version, requested string) (string, error) {
	if requested == "" {
		if latest == nil {
			return "1.0.0", nil
		}
		prev, err := semver.NewVersion(latest.Version)
		if err != nil {
			return "", fmt.Errorf("%w: stored version %q: %v", ErrInvalidCatalog, latest.Version, err)
		}
		return prev.IncMinor().String(), nil
	}
	next, err := semver.NewVersion(requested)
	if err != nil {
		return "", fmt.Errorf("%w: version %q: %v", ErrInvalidCatalog, requested, err)
	}
	if latest != nil {
		prev, err := semver.NewVersion(latest.Version)
		if err != nil {
			return "", fmt.Errorf("%w: stored version %q: %v", ErrInvalidCatalog, latest.Version, err)
		}
		if next.Equal(prev) {
			return "", fmt.Errorf("%w: %s", ErrVersionExists, requested)
		}
		if !next.GreaterThan(prev) {
			return "", fmt.Errorf("%w: %s is not greater than %s", ErrVersionNotNewer, requested, latest.Version)
		}
	}
	return next.String(), nil
}

// assignRuleVersions copies the rules and numbers each one: unchanged
// definitions keep the previous version, changed ones are bumped and new
// codes start at 1.
func assignRuleVersions(prev *Version, in []Rule) ([]Rule, error) {
	out := make([]Rule, len(in))
	for i, r := range in {
		r = cloneRule(r)
		r.Version = 1
		if prev != nil {
			if old, ok := prev.Rule(r.Code); ok {
				oldDigest, err := ruleDigest(old)
				if err != nil {
					return nil, err
				}
				newDigest, err := ruleDigest(r)
				if err != nil {
					return nil, err
				}
				r.Version = old.Version
				if oldDigest != newDigest {
					r.Version = old.Version + 1
				}
			}
		}
		out[i] = r
	}
	return out, nil
}

func cloneRule(r Rule) Rule {
	if r.Params != nil {
		p := make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			p[k] = v
		}
		r.Params = p
	}
	if r.Thresholds != nil {
		t := make(map[string]float64, len(r.Thresholds))
		for k, v := range r.Thresholds {
			t[k] = v
		}
		r.Thresholds = t
	}
	return r
}

func cloneOverrides(o Overrides) Overrides {
	if o == nil {
		return nil
	}
	out := make(Overrides, len(o))
	for s, byRule := range o {
		out[s] = make(map[string]map[string]float64, len(byRule))
		for code, ths := range byRule {
			m := make(map[string]float64, len(ths))
			for k, v := range ths {
				m[k] = v
			}
			out[s][code] = m
		}
	}
	return out
}

// IsValidation reports whether err is a catalog content problem rather than
// a storage failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidRule, ErrInvalidCatalog, ErrVersionExists, ErrVersionNotNewer,
		ErrRetroactive, ErrUnknownRuleKind, ErrMissingParameter, ErrMissingThreshold,
		ErrDigestMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
