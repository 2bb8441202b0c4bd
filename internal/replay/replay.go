// Package replay computes a level's risk state from stored inputs.
//
// The same Compute path serves live evaluation and historical reconstruction:
// the catalog version in effect at the instant, the nearest snapshot before it
// as bootstrap, and the ordered inputs of the trailing window. Given
// unchanged stores the result is byte-identical on every call.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/evaluator"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/pagination"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/temporal"
	"github.com/mbd888/siterisk/internal/traces"
)

const (
	DefaultTimeout = time.Second
	DefaultWorkers = 8

	historyChunk = time.Hour
)

// Result is a computed state and exactly what it consumed.
type Result struct {
	State  *risk.State
	Inputs audit.Inputs
}

// Reconstructor evaluates levels at arbitrary instants.
type Reconstructor struct {
	registry  *site.Registry
	inputs    temporal.Store
	catalog   *rules.Catalog
	evaluator *evaluator.Evaluator
	records   audit.Store
	signer    *audit.Signer
	timeout   time.Duration
	workers   int
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithTimeout bounds bulk queries; levels not finished in time are reported
// as missing instead of failing the whole query.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconstructor) { r.timeout = d }
}

// WithWorkers sets the bulk reconstruction concurrency.
func WithWorkers(n int) Option {
	return func(r *Reconstructor) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithSigner verifies record signatures during Verify.
func WithSigner(s *audit.Signer) Option {
	return func(r *Reconstructor) { r.signer = s }
}

// New creates a reconstructor.
func New(reg *site.Registry, inputs temporal.Store, catalog *rules.Catalog, eval *evaluator.Evaluator, records audit.Store, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		registry:  reg,
		inputs:    inputs,
		catalog:   catalog,
		evaluator: eval,
		records:   records,
		timeout:   DefaultTimeout,
		workers:   DefaultWorkers,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Compute evaluates loc at the instant at from stored inputs.
func (r *Reconstructor) Compute(ctx context.Context, loc site.Ref, at time.Time) (*Result, error) {
	at = temporal.Normalize(at)
	ctx, span := traces.StartSpan(ctx, "replay.Compute", traces.Location(loc.String()), traces.At(at))
	defer span.End()

	v, err := r.catalog.At(at)
	if err != nil {
		return nil, err
	}
	var (
		bootstrap  *risk.State
		snapshotID string
	)
	snap, err := r.bootstrapSnapshot(ctx, at)
	switch {
	case err == nil:
		snapshotID = snap.ID
		bootstrap, _ = snap.State(loc)
	case errors.Is(err, temporal.ErrSnapshotNotFound):
	default:
		return nil, fmt.Errorf("replay: nearest snapshot: %w", err)
	}

	since := evaluator.Since(v, at, bootstrap)
	w, err := r.inputs.QuerySince(ctx, loc, at, at.Sub(since))
	if err != nil {
		return nil, fmt.Errorf("replay: query inputs: %w", err)
	}
	state, err := r.evaluator.Evaluate(evaluator.Input{
		Location:     loc,
		At:           at,
		Catalog:      v,
		Events:       w.Events,
		Measurements: w.Measurements,
		Bootstrap:    bootstrap,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		State: state,
		Inputs: audit.Inputs{
			EventIDs:       w.EventIDs(),
			MeasurementIDs: w.MeasurementIDs(),
			WindowFrom:     since,
			WindowTo:       at,
			SnapshotID:     snapshotID,
		},
	}, nil
}

// bootstrapSnapshot returns the latest snapshot taken strictly before at that
// had already been written at at. A snapshot taken at the instant itself
// summarises the state being computed. One still being written when at was
// computed live was not visible then and must not be visible on replay.
func (r *Reconstructor) bootstrapSnapshot(ctx context.Context, at time.Time) (*temporal.Snapshot, error) {
	snap, err := r.inputs.NearestSnapshot(ctx, at.Add(-time.Millisecond))
	for err == nil && snap.CreatedAt.After(at) {
		snap, err = r.inputs.NearestSnapshot(ctx, snap.At.Add(-time.Millisecond))
	}
	return snap, err
}

// StateAt reconstructs the state of loc at at.
func (r *Reconstructor) StateAt(ctx context.Context, loc site.Ref, at time.Time) (*risk.State, error) {
	start := time.Now()
	defer func() { metrics.ReplayDuration.WithLabelValues("state_at").Observe(time.Since(start).Seconds()) }()

	return r.reconstruct(ctx, loc, at)
}

// reconstruct computes and checks the result against any record stored for
// the same instant. A divergence fails the query.
func (r *Reconstructor) reconstruct(ctx context.Context, loc site.Ref, at time.Time) (*risk.State, error) {
	res, err := r.Compute(ctx, loc, at)
	if err != nil {
		return nil, err
	}
	if err := r.VerifyState(ctx, res); err != nil {
		return nil, err
	}
	return res.State, nil
}

// SiteState is every level reconstructed at one instant.
type SiteState struct {
	At      time.Time      `json:"at"`
	States  []*risk.State  `json:"states"`
	Site    risk.SiteScore `json:"site"`
	Partial bool           `json:"partial"`
	Missing []site.Ref     `json:"missing,omitempty"`
}

// SiteStateAt reconstructs all levels at at. When the timeout expires, the
// levels already computed are returned with Partial set.
func (r *Reconstructor) SiteStateAt(ctx context.Context, at time.Time, sup risk.Suppressions) (*SiteState, error) {
	start := time.Now()
	defer func() { metrics.ReplayDuration.WithLabelValues("site_state_at").Observe(time.Since(start).Seconds()) }()

	at = temporal.Normalize(at)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	levels := r.registry.Levels()
	results := make([]*risk.State, len(levels))
	errs := make([]error, len(levels))
	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup
	for i, loc := range levels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}
			results[i], errs[i] = r.reconstruct(ctx, loc, at)
		}()
	}
	wg.Wait()

	out := &SiteState{At: at, States: []*risk.State{}}
	byLoc := make(map[site.Ref]*risk.State, len(levels))
	for i, loc := range levels {
		switch {
		case results[i] != nil:
			out.States = append(out.States, results[i])
			byLoc[loc] = results[i]
		case errs[i] == nil || errors.Is(errs[i], context.DeadlineExceeded) || errors.Is(errs[i], context.Canceled):
			out.Missing = append(out.Missing, loc)
		default:
			return nil, errs[i]
		}
	}
	out.Partial = len(out.Missing) > 0
	out.Site = risk.Aggregate(r.registry, byLoc, sup)
	return out, nil
}

// HistoryPage is one page of stored snapshots.
type HistoryPage struct {
	Snapshots  []*temporal.Snapshot `json:"snapshots"`
	NextCursor string               `json:"nextCursor"`
	HasMore    bool                 `json:"hasMore"`
	Partial    bool                 `json:"partial"`
}

// History lists snapshots in [from, to] ordered by (At, ID). The range is read
// in hourly chunks; when the timeout expires the snapshots read so far are
// returned with Partial set and a cursor to resume from.
func (r *Reconstructor) History(ctx context.Context, from, to time.Time, after *pagination.Cursor, limit int) (*HistoryPage, error) {
	start := time.Now()
	defer func() { metrics.ReplayDuration.WithLabelValues("history").Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cur := from
	if after != nil && after.At.After(cur) {
		cur = after.At
	}
	page := &HistoryPage{Snapshots: []*temporal.Snapshot{}}
	for !cur.After(to) && len(page.Snapshots) <= limit {
		if ctx.Err() != nil {
			page.Partial = true
			break
		}
		end := cur.Add(historyChunk)
		if end.After(to) {
			end = to
		}
		snaps, err := r.inputs.ListSnapshots(ctx, cur, end)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				page.Partial = true
				break
			}
			return nil, fmt.Errorf("replay: list snapshots: %w", err)
		}
		for _, s := range snaps {
			if after.After(s.At, s.ID) {
				page.Snapshots = append(page.Snapshots, s)
			}
		}
		cur = end.Add(time.Millisecond)
	}

	var next string
	page.Snapshots, next, page.HasMore = pagination.Trim(page.Snapshots, limit, func(s *temporal.Snapshot) (time.Time, string) {
		return s.At, s.ID
	})
	page.NextCursor = next
	if page.Partial && !page.HasMore {
		page.HasMore = true
		if n := len(page.Snapshots); n > 0 {
			last := page.Snapshots[n-1]
			page.NextCursor = pagination.Encode(last.At, last.ID)
		}
	}
	return page, nil
}
