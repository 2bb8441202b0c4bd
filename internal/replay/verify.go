package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/canonical"
	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/traces"
)

var ErrDivergence = errors.New("replay: recomputation diverged from audit record")

// ReplayDivergenceError reports that recomputing a stored record from the
// same inputs under the same catalog version produced a different state.
// It is never corrected, only surfaced.
type ReplayDivergenceError struct {
	RecordID       string
	Location       site.Ref
	At             time.Time
	CatalogVersion string
	StoredDigest   string
	ReplayedDigest string
}

func (e *ReplayDivergenceError) Error() string {
	return fmt.Sprintf("replay: %s at %s (catalog %s) diverged: stored %s, replayed %s",
		e.Location, e.At.Format(time.RFC3339Nano), e.CatalogVersion, e.StoredDigest, e.ReplayedDigest)
}

func (e *ReplayDivergenceError) Is(target error) bool {
	return target == ErrDivergence
}

// Outcome classifies a verification.
type Outcome string

const (
	OutcomeVerified       Outcome = "verified"
	OutcomeSuperseded     Outcome = "superseded"      // late inputs changed the window; a newer record replaced it
	OutcomeInputsChanged  Outcome = "inputs_changed"  // inputs differ and nothing superseded it (e.g. pruned by retention)
	OutcomeCatalogChanged Outcome = "catalog_changed" // a different catalog version is now in effect at the instant
	OutcomeDiverged       Outcome = "diverged"
)

// Verification is the result of replaying one audit record.
type Verification struct {
	RecordID       string    `json:"recordId"`
	Location       site.Ref  `json:"location"`
	At             time.Time `json:"at"`
	Outcome        Outcome   `json:"outcome"`
	StoredDigest   string    `json:"storedDigest"`
	ReplayedDigest string    `json:"replayedDigest"`
	SupersededBy   string    `json:"supersededBy,omitempty"`
	Signed         bool      `json:"signed"`
	SignatureValid *bool     `json:"signatureValid,omitempty"`
}

// Verify recomputes the record's state and compares canonical digests.
// A mismatch under identical inputs and catalog version returns a
// *ReplayDivergenceError alongside the verification.
func (r *Reconstructor) Verify(ctx context.Context, recordID string) (*Verification, error) {
	start := time.Now()
	defer func() { metrics.ReplayDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds()) }()
	ctx, span := traces.StartSpan(ctx, "replay.Verify", traces.RecordID(recordID))
	defer span.End()

	rec, err := r.records.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := rec.CheckDigest(); err != nil {
		return nil, err
	}
	v := &Verification{
		RecordID:     rec.ID,
		Location:     rec.Location,
		At:           rec.At,
		StoredDigest: rec.Digest,
		Signed:       rec.Signature != "",
	}
	if r.signer != nil && v.Signed {
		ok := r.signer.Verify(rec)
		v.SignatureValid = &ok
	}

	res, err := r.Compute(ctx, rec.Location, rec.At)
	if err != nil {
		return nil, err
	}
	if v.ReplayedDigest, err = canonical.Digest(res.State); err != nil {
		return nil, err
	}

	switch {
	case v.ReplayedDigest == v.StoredDigest:
		v.Outcome = OutcomeVerified
	case res.State.RuleCatalogVersion != rec.CatalogVersion:
		v.Outcome = OutcomeCatalogChanged
	case !rec.Inputs.Equal(res.Inputs):
		v.Outcome = OutcomeInputsChanged
		if eff, err := r.records.Effective(ctx, rec.Location, rec.At); err == nil && eff.ID != rec.ID {
			v.Outcome = OutcomeSuperseded
			v.SupersededBy = eff.ID
		}
	default:
		v.Outcome = OutcomeDiverged
		metrics.ReplayDivergencesTotal.Inc()
		div := &ReplayDivergenceError{
			RecordID:       rec.ID,
			Location:       rec.Location,
			At:             rec.At,
			CatalogVersion: rec.CatalogVersion,
			StoredDigest:   v.StoredDigest,
			ReplayedDigest: v.ReplayedDigest,
		}
		logging.L(ctx).Error("replay divergence", "record_id", rec.ID, "error", div)
		return v, div
	}
	return v, nil
}

// VerifyState compares a reconstructed state against the record in effect for
// the same location and instant, if one exists.
func (r *Reconstructor) VerifyState(ctx context.Context, res *Result) error {
	rec, err := r.records.Effective(ctx, res.State.Location, res.State.ComputedAt)
	if errors.Is(err, audit.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.CatalogVersion != res.State.RuleCatalogVersion || !rec.Inputs.Equal(res.Inputs) {
		return nil
	}
	d, err := canonical.Digest(res.State)
	if err != nil {
		return err
	}
	if d == rec.Digest {
		return nil
	}
	metrics.ReplayDivergencesTotal.Inc()
	div := &ReplayDivergenceError{
		RecordID:       rec.ID,
		Location:       rec.Location,
		At:             rec.At,
		CatalogVersion: rec.CatalogVersion,
		StoredDigest:   rec.Digest,
		ReplayedDigest: d,
	}
	logging.L(ctx).Error("replay divergence", "record_id", rec.ID, "error", div)
	return div
}
