package temporal

import (
	"math"
	"regexp"
	"time"

	"github.com/mbd888/siterisk/internal/idgen"
	"github.com/mbd888/siterisk/internal/site"
)

const (
	maxIDLength       = 128
	maxMetadataKeys   = 32
	maxMetadataLength = 1024

	// PlannedAtKey is the metadata key carrying the planned time of a scheduled event.
	PlannedAtKey = "plannedAt"
)

var (
	typePattern   = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	sensorPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,31}$`)
)

// Validator checks inputs against the site layout and the ingestion clock.
// Accepted inputs are normalised in place: timestamps become UTC at millisecond
// precision, missing ids are generated and ReceivedAt is stamped.
type Validator struct {
	registry  *site.Registry
	skew      time.Duration
	retention map[Kind]time.Duration
	now       func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithRetention rejects inputs older than the retention horizon of kind.
func WithRetention(kind Kind, d time.Duration) ValidatorOption {
	return func(v *Validator) { v.retention[kind] = d }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator creates a validator that tolerates skew of future timestamps.
func NewValidator(reg *site.Registry, skew time.Duration, opts ...ValidatorOption) *Validator {
	v := &Validator{
		registry:  reg,
		skew:      skew,
		retention: make(map[Kind]time.Duration),
		now:       time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Event validates and normalises e.
func (v *Validator) Event(e *Event) error {
	now := v.now()
	if err := v.common(&e.ID, &e.Timestamp, e.Location, KindEvents, now); err != nil {
		return err
	}
	if !typePattern.MatchString(e.Type) {
		return invalid("type", "must be lower_snake_case, got %q", e.Type)
	}
	if e.Severity < 0 || e.Severity > MaxSeverity {
		return invalid("severity", "must be between 0 and %d", MaxSeverity)
	}
	if len(e.Metadata) > maxMetadataKeys {
		return invalid("metadata", "at most %d keys", maxMetadataKeys)
	}
	for k, val := range e.Metadata {
		if k == "" || len(k) > 64 || len(val) > maxMetadataLength {
			return invalid("metadata", "key %q or its value is too long", k)
		}
	}
	if raw, ok := e.Metadata[PlannedAtKey]; ok {
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			return invalid("metadata."+PlannedAtKey, "must be RFC3339")
		}
	} else if e.Type == EventBlastScheduled {
		return invalid("metadata."+PlannedAtKey, "required for %s", EventBlastScheduled)
	}
	e.ReceivedAt = Normalize(now)
	return nil
}

// Measurement validates and normalises m.
func (v *Validator) Measurement(m *Measurement) error {
	now := v.now()
	if err := v.common(&m.ID, &m.Timestamp, m.Location, KindMeasurements, now); err != nil {
		return err
	}
	if !sensorPattern.MatchString(m.SensorType) {
		return invalid("sensorType", "invalid sensor type %q", m.SensorType)
	}
	if !v.registry.HasSensor(m.Location, m.SensorType) {
		return invalid("sensorType", "%s is not installed at %s", m.SensorType, m.Location)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return invalid("value", "must be finite")
	}
	if len(m.Unit) > 16 {
		return invalid("unit", "too long")
	}
	m.ReceivedAt = Normalize(now)
	return nil
}

func (v *Validator) common(id *string, ts *time.Time, loc site.Ref, kind Kind, now time.Time) error {
	if *id == "" {
		*id = idgen.New()
	}
	if len(*id) > maxIDLength {
		return invalid("id", "longer than %d characters", maxIDLength)
	}
	if ts.IsZero() {
		return invalid("timestamp", "required")
	}
	*ts = Normalize(*ts)
	if ts.After(now.Add(v.skew)) {
		return invalid("timestamp", "%s is in the future", ts.Format(time.RFC3339))
	}
	if r := v.retention[kind]; r > 0 && ts.Before(now.Add(-r)) {
		return invalid("timestamp", "%s is older than the %s retention horizon", ts.Format(time.RFC3339), kind)
	}
	if loc.IsZero() {
		return invalid("location", "required")
	}
	if err := v.registry.Validate(loc); err != nil {
		return invalid("location", "unknown level %s", loc)
	}
	return nil
}
