// Package audit keeps the write-once record behind every computed risk state.
//
// A record and the state it describes are committed together: no state becomes
// current without its record, and no record exists without its state.
package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mbd888/siterisk/internal/canonical"
	"github.com/mbd888/siterisk/internal/idgen"
	"github.com/mbd888/siterisk/internal/pagination"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

var (
	ErrNotFound      = errors.New("audit: record not found")
	ErrDuplicate     = errors.New("audit: record already exists")
	ErrDigestInvalid = errors.New("audit: state does not match its digest")
)

// Reason says why a computation ran.
type Reason string

const (
	ReasonIngest     Reason = "ingest"       // a new input arrived for the level
	ReasonLate       Reason = "late_arrival" // an input landed inside an already computed window
	ReasonReevaluate Reason = "reevaluate"   // periodic evaluation as windows slide
)

// Inputs identifies exactly what an evaluation consumed.
type Inputs struct {
	EventIDs       []string  `json:"eventIds"`
	MeasurementIDs []string  `json:"measurementIds"`
	WindowFrom     time.Time `json:"windowFrom"` // exclusive
	WindowTo       time.Time `json:"windowTo"`
	SnapshotID     string    `json:"snapshotId,omitempty"` // bootstrap snapshot, if any
}

// Equal reports whether both describe the same consumed input set.
func (in Inputs) Equal(o Inputs) bool {
	return slices.Equal(in.EventIDs, o.EventIDs) &&
		slices.Equal(in.MeasurementIDs, o.MeasurementIDs) &&
		in.WindowFrom.Equal(o.WindowFrom) &&
		in.WindowTo.Equal(o.WindowTo) &&
		in.SnapshotID == o.SnapshotID
}

// Record is the immutable trace of one risk state computation.
type Record struct {
	ID             string     `json:"id"`
	Location       site.Ref   `json:"location"`
	At             time.Time  `json:"at"`
	CatalogVersion string     `json:"ruleCatalogVersion"`
	Reason         Reason     `json:"reason"`
	Inputs         Inputs     `json:"inputs"`
	State          risk.State `json:"state"`
	Digest         string     `json:"digest"` // canonical SHA-256 of State
	Signature      string     `json:"signature,omitempty"`
	Supersedes     string     `json:"supersedes,omitempty"`
	RecordedAt     time.Time  `json:"recordedAt"`
}

// NewRecord builds the record for a freshly computed state.
func NewRecord(state *risk.State, in Inputs, reason Reason, supersedes string, now time.Time) (*Record, error) {
	digest, err := canonical.Digest(state)
	if err != nil {
		return nil, fmt.Errorf("audit: digest state: %w", err)
	}
	return &Record{
		ID:             idgen.WithPrefix("aud_"),
		Location:       state.Location,
		At:             state.ComputedAt,
		CatalogVersion: state.RuleCatalogVersion,
		Reason:         reason,
		Inputs:         in,
		State:          *state.Clone(),
		Digest:         digest,
		Supersedes:     supersedes,
		RecordedAt:     now.UTC(),
	}, nil
}

// CheckDigest verifies the stored state still hashes to the stored digest.
func (r *Record) CheckDigest() error {
	d, err := canonical.Digest(&r.State)
	if err != nil {
		return err
	}
	if d != r.Digest {
		return fmt.Errorf("%w: %s", ErrDigestInvalid, r.ID)
	}
	return nil
}

// Contains reports whether t falls inside the record's input window.
func (r *Record) Contains(t time.Time) bool {
	return t.After(r.Inputs.WindowFrom) && !t.After(r.Inputs.WindowTo)
}

func (r *Record) clone() *Record {
	c := *r
	c.State = *r.State.Clone()
	c.Inputs.EventIDs = append([]string(nil), r.Inputs.EventIDs...)
	c.Inputs.MeasurementIDs = append([]string(nil), r.Inputs.MeasurementIDs...)
	return &c
}

// Query filters Trail. Results are ordered by (At, ID), so a superseding
// record follows the one it replaces.
type Query struct {
	Location *site.Ref
	From     time.Time // inclusive
	To       time.Time // inclusive
	After    *pagination.Cursor
	Limit    int
}

func (q Query) matches(r *Record) bool {
	if q.Location != nil && r.Location != *q.Location {
		return false
	}
	if !q.From.IsZero() && r.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && r.At.After(q.To) {
		return false
	}
	return q.After.After(r.At, r.ID)
}

// Store persists records and the current state per level.
type Store interface {
	// Commit writes rec and, when rec is at least as recent as the level's
	// current state, makes rec.State current. Both happen or neither does.
	Commit(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// Current returns the record behind each level's current state.
	Current(ctx context.Context) ([]*Record, error)
	CurrentFor(ctx context.Context, loc site.Ref) (*Record, error)
	// Effective returns the newest record computed for loc at exactly at,
	// following supersession.
	Effective(ctx context.Context, loc site.Ref, at time.Time) (*Record, error)
	Trail(ctx context.Context, q Query) ([]*Record, error)
	// Since returns every record with At after t, for rebuilding indexes.
	Since(ctx context.Context, t time.Time) ([]*Record, error)
}
