// Package engine turns accepted inputs into committed risk states.
//
// Every computation runs under its level's lane, so states of one level are
// committed in order while different levels proceed in parallel. Ingestion
// holds the lane from the append through the late-arrival recomputes, which
// linearizes appends to one level with the computations that read them. A computation
// reads only stored inputs through replay.Reconstructor.Compute, which is what
// makes live states and reconstructed ones identical.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/siterisk/internal/alerts"
	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/cache"
	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/replay"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/syncutil"
	"github.com/mbd888/siterisk/internal/temporal"
	"github.com/mbd888/siterisk/internal/traces"
)

// Publisher receives every state that becomes current.
type Publisher interface {
	StateChanged(ctx context.Context, s *risk.State)
}

// Engine implements temporal.Ingester and replay.Current.
type Engine struct {
	registry   *site.Registry
	inputs     temporal.Store
	validator  *temporal.Validator
	catalog    *rules.Catalog
	recon      *replay.Reconstructor
	records    audit.Store
	alerts     *alerts.Manager
	signer     *audit.Signer
	cache      cache.Cache
	publishers []Publisher
	lanes      *syncutil.Lanes
	index      *dependencyIndex
	workers    int
	now        func() time.Time
}

var (
	_ temporal.Ingester = (*Engine)(nil)
	_ replay.Current    = (*Engine)(nil)
)

// Option configures an Engine.
type Option func(*Engine)

// WithSigner signs every committed record.
func WithSigner(s *audit.Signer) Option {
	return func(e *Engine) { e.signer = s }
}

// WithCache serves current states from c.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithPublisher adds a receiver for state changes.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publishers = append(e.publishers, p) }
}

// WithWorkers bounds concurrent level evaluations.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(
	reg *site.Registry,
	inputs temporal.Store,
	validator *temporal.Validator,
	catalog *rules.Catalog,
	recon *replay.Reconstructor,
	records audit.Store,
	alertMgr *alerts.Manager,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:  reg,
		inputs:    inputs,
		validator: validator,
		catalog:   catalog,
		recon:     recon,
		records:   records,
		alerts:    alertMgr,
		signer:    audit.NewSigner(""),
		cache:     cache.NewMemory(),
		lanes:     syncutil.NewLanes(0),
		index:     newDependencyIndex(),
		workers:   replay.DefaultWorkers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Warm rebuilds the dependency index and the cache from records computed
// after since. Call once before accepting inputs.
func (e *Engine) Warm(ctx context.Context, since time.Time) error {
	recs, err := e.records.Since(ctx, since)
	if err != nil {
		return fmt.Errorf("engine: warm index: %w", err)
	}
	for _, rec := range recs {
		e.index.add(rec)
		e.catalog.MarkReferenced(rec.At)
	}
	current, err := e.records.Current(ctx)
	if err != nil {
		return fmt.Errorf("engine: warm cache: %w", err)
	}
	for _, rec := range current {
		if err := e.cache.Put(ctx, &rec.State); err != nil {
			logging.L(ctx).Warn("cache warm failed", "location", rec.Location.String(), "error", err)
		}
		metrics.LevelScore.WithLabelValues(rec.Location.String()).Set(float64(rec.State.Score))
	}
	logging.L(ctx).Info("engine warmed", "records", len(recs), "levels", len(current))
	return nil
}

// IngestEvent validates, stores and evaluates an event.
func (e *Engine) IngestEvent(ctx context.Context, ev *temporal.Event) (_ temporal.IngestResult, err error) {
	ctx, span := traces.StartSpan(ctx, "engine.IngestEvent", traces.InputID(ev.ID))
	defer func() { traces.End(span, err) }()

	if err := e.validator.Event(ev); err != nil {
		metrics.InputsTotal.WithLabelValues("event", "rejected").Inc()
		return temporal.IngestResult{ID: ev.ID}, err
	}
	unlock, err := e.lanes.Acquire(ctx, ev.Location.String())
	if err != nil {
		return temporal.IngestResult{ID: ev.ID}, err
	}
	defer unlock()

	inserted, err := e.inputs.AppendEvent(ctx, ev)
	if err != nil {
		metrics.InputsTotal.WithLabelValues("event", resultLabel(err)).Inc()
		return temporal.IngestResult{ID: ev.ID}, err
	}
	return e.accepted(ctx, "event", ev.ID, ev.Location, ev.Timestamp, inserted)
}

// IngestMeasurement validates, stores and evaluates a measurement.
func (e *Engine) IngestMeasurement(ctx context.Context, m *temporal.Measurement) (_ temporal.IngestResult, err error) {
	ctx, span := traces.StartSpan(ctx, "engine.IngestMeasurement", traces.InputID(m.ID))
	defer func() { traces.End(span, err) }()

	if err := e.validator.Measurement(m); err != nil {
		metrics.InputsTotal.WithLabelValues("measurement", "rejected").Inc()
		return temporal.IngestResult{ID: m.ID}, err
	}
	unlock, err := e.lanes.Acquire(ctx, m.Location.String())
	if err != nil {
		return temporal.IngestResult{ID: m.ID}, err
	}
	defer unlock()

	inserted, err := e.inputs.AppendMeasurement(ctx, m)
	if err != nil {
		metrics.InputsTotal.WithLabelValues("measurement", resultLabel(err)).Inc()
		return temporal.IngestResult{ID: m.ID}, err
	}
	return e.accepted(ctx, "measurement", m.ID, m.Location, m.Timestamp, inserted)
}

func resultLabel(err error) string {
	if errors.Is(err, temporal.ErrConflictingRecord) {
		return "conflict"
	}
	return "error"
}

// accepted recomputes every stored state whose window contains ts, then
// evaluates the level at the current instant. The caller holds loc's lane
// from the append onwards, so no computation of loc can read its window
// between the append and the late check.
func (e *Engine) accepted(ctx context.Context, kind, id string, loc site.Ref, ts time.Time, inserted bool) (temporal.IngestResult, error) {
	res := temporal.IngestResult{ID: id, Inserted: inserted}
	if !inserted {
		metrics.InputsTotal.WithLabelValues(kind, "duplicate").Inc()
		return res, nil
	}
	metrics.InputsTotal.WithLabelValues(kind, "accepted").Inc()
	ctx = logging.WithLocation(ctx, loc.String())

	affected := e.index.containing(loc, ts)
	res.Late = len(affected) > 0 || !ts.After(e.index.latest(loc))
	if len(affected) > 0 {
		logging.L(ctx).Info("late input, recomputing",
			"input", id, "timestamp", ts, "states", len(affected))
	}
	for _, c := range affected {
		if _, err := e.computeLocked(ctx, loc, c.at, audit.ReasonLate); err != nil {
			return res, err
		}
		res.Recomputed++
	}

	now := temporal.Normalize(e.now())
	if _, err := e.computeLocked(ctx, loc, now, audit.ReasonIngest); err != nil {
		return res, err
	}
	return res, nil
}

// Evaluate computes and commits loc's state at the instant at.
func (e *Engine) Evaluate(ctx context.Context, loc site.Ref, at time.Time, reason audit.Reason) (*audit.Record, error) {
	if err := e.registry.Validate(loc); err != nil {
		return nil, err
	}
	return e.compute(logging.WithLocation(ctx, loc.String()), loc, temporal.Normalize(at), reason)
}

// ReevaluateAll evaluates every level at the current instant so time-based
// windows slide without new inputs. It returns the committed records in level
// declaration order.
func (e *Engine) ReevaluateAll(ctx context.Context) ([]*audit.Record, error) {
	return e.evaluateAll(ctx, temporal.Normalize(e.now()), audit.ReasonReevaluate)
}

func (e *Engine) evaluateAll(ctx context.Context, at time.Time, reason audit.Reason) ([]*audit.Record, error) {
	levels := e.registry.Levels()
	out := make([]*audit.Record, len(levels))
	idx := make([]int, len(levels))
	for i := range idx {
		idx[i] = i
	}
	err := runPool(ctx, e.workers, idx, func(ctx context.Context, i int) error {
		rec, err := e.compute(logging.WithLocation(ctx, levels[i].String()), levels[i], at, reason)
		out[i] = rec
		return err
	})
	return out, err
}

// compute evaluates loc at at under the level's lane and commits the result.
func (e *Engine) compute(ctx context.Context, loc site.Ref, at time.Time, reason audit.Reason) (*audit.Record, error) {
	unlock, err := e.lanes.Acquire(ctx, loc.String())
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.computeLocked(ctx, loc, at, reason)
}

// computeLocked is compute for a caller already holding loc's lane. A
// recomputation that reproduces the effective record exactly commits nothing
// and returns it.
func (e *Engine) computeLocked(ctx context.Context, loc site.Ref, at time.Time, reason audit.Reason) (*audit.Record, error) {
	// Referenced before the catalog is resolved: an activation racing this
	// computation either lands first and is used, or is rejected.
	e.catalog.MarkReferenced(at)

	ctx, span := traces.StartSpan(ctx, "engine.compute", traces.Location(loc.String()), traces.At(at))
	defer span.End()
	start := time.Now()

	res, err := e.recon.Compute(ctx, loc, at)
	if err != nil {
		return nil, fmt.Errorf("engine: compute %s at %s: %w", loc, at.Format(time.RFC3339Nano), err)
	}

	var supersedes string
	prev, err := e.records.Effective(ctx, loc, at)
	switch {
	case err == nil:
		if prev.Inputs.Equal(res.Inputs) && prev.CatalogVersion == res.State.RuleCatalogVersion {
			return prev, nil
		}
		supersedes = prev.ID
	case errors.Is(err, audit.ErrNotFound):
	default:
		return nil, fmt.Errorf("engine: effective record: %w", err)
	}

	rec, err := audit.NewRecord(res.State, res.Inputs, reason, supersedes, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.signer.Sign(rec); err != nil {
		return nil, fmt.Errorf("engine: sign record: %w", err)
	}
	if err := e.records.Commit(ctx, rec); err != nil {
		return nil, fmt.Errorf("engine: commit record: %w", err)
	}
	e.index.add(rec)
	span.SetAttributes(traces.RecordID(rec.ID), traces.CatalogVersion(rec.CatalogVersion))

	state := &rec.State
	metrics.EvaluationsTotal.WithLabelValues(string(reason), string(state.Band)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	for _, tr := range state.TriggeredRules {
		if tr.Gap != nil {
			metrics.DataGapsTotal.WithLabelValues(tr.Gap.Sensor).Inc()
			logging.L(ctx).Debug("rule fired on incomplete data",
				"rule", tr.RuleCode, "sensor", tr.Gap.Sensor, "since", tr.Gap.Since)
		}
	}
	logging.L(ctx).Debug("state committed",
		"record", rec.ID, "at", at, "score", state.Score, "band", state.Band, "reason", reason)

	cur, err := e.records.CurrentFor(ctx, loc)
	if err != nil {
		return rec, fmt.Errorf("engine: read current: %w", err)
	}
	if cur.ID != rec.ID {
		return rec, nil
	}
	e.becameCurrent(ctx, rec)
	return rec, nil
}

// becameCurrent fans a new current state out to the cache, alerting and
// subscribers. Failures here never undo the committed record.
func (e *Engine) becameCurrent(ctx context.Context, rec *audit.Record) {
	state := rec.State.Clone()
	metrics.LevelScore.WithLabelValues(state.Location.String()).Set(float64(state.Score))
	if err := e.cache.Put(ctx, state); err != nil {
		logging.L(ctx).Warn("cache update failed", "error", err)
	}
	if _, err := e.alerts.Apply(ctx, state, rec.ID); err != nil {
		logging.L(ctx).Error("alert derivation failed", "record", rec.ID, "error", err)
	}
	for _, p := range e.publishers {
		p.StateChanged(ctx, state)
	}
}

// CurrentStates returns the current state of every evaluated level, sorted by
// location. The cache answers first; the audit store fills in on error.
func (e *Engine) CurrentStates(ctx context.Context) ([]*risk.State, error) {
	states, err := e.cache.All(ctx)
	if err == nil && len(states) > 0 {
		return states, nil
	}
	if err != nil {
		logging.L(ctx).Warn("cache read failed, using audit store", "error", err)
	}
	return replay.FromAudit(e.records).CurrentStates(ctx)
}

// CurrentState returns loc's current state or audit.ErrNotFound.
func (e *Engine) CurrentState(ctx context.Context, loc site.Ref) (*risk.State, error) {
	s, err := e.cache.Get(ctx, loc)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logging.L(ctx).Warn("cache read failed, using audit store", "location", loc.String(), "error", err)
	}
	s, err = replay.FromAudit(e.records).CurrentState(ctx, loc)
	if err != nil {
		return nil, err
	}
	if perr := e.cache.Put(ctx, s); perr != nil {
		logging.L(ctx).Warn("cache fill failed", "location", loc.String(), "error", perr)
	}
	return s, nil
}

// IndexSize reports how many computations the dependency index tracks.
func (e *Engine) IndexSize() int {
	return e.index.size()
}

