package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/idgen"
	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/temporal"
)

// Snapshot evaluates every level at the current instant and stores the
// resulting states as one snapshot. Later computations bootstrap from it.
func (e *Engine) Snapshot(ctx context.Context) (*temporal.Snapshot, error) {
	at := temporal.Normalize(e.now())
	recs, err := e.evaluateAll(ctx, at, audit.ReasonReevaluate)
	if err != nil {
		return nil, fmt.Errorf("engine: snapshot: %w", err)
	}
	states := make([]risk.State, 0, len(recs))
	for _, rec := range recs {
		states = append(states, *rec.State.Clone())
	}
	snap := &temporal.Snapshot{
		ID:        idgen.WithPrefix("snp_"),
		At:        at,
		States:    states,
		CreatedAt: temporal.Normalize(e.now()),
	}
	if err := e.inputs.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("engine: save snapshot: %w", err)
	}
	logging.L(ctx).Info("snapshot written", "snapshot", snap.ID, "at", at, "levels", len(states))
	return snap, nil
}

// Archiver keeps snapshots somewhere durable before retention deletes them.
type Archiver interface {
	Archive(ctx context.Context, snaps []*temporal.Snapshot) error
}

// Retention is how long each record class is kept; zero keeps forever.
type Retention struct {
	Events       time.Duration
	Measurements time.Duration
	Snapshots    time.Duration
	Alerts       time.Duration
}

// Sweep deletes records past their retention. Expiring snapshots go to the
// archiver first; if archiving fails they are kept for the next sweep.
func (e *Engine) Sweep(ctx context.Context, r Retention, archiver Archiver) error {
	now := e.now().UTC()
	prune := func(kind temporal.Kind, keep time.Duration) error {
		if keep <= 0 {
			return nil
		}
		n, err := e.inputs.Prune(ctx, kind, now.Add(-keep))
		if err != nil {
			return fmt.Errorf("engine: prune %s: %w", kind, err)
		}
		if n > 0 {
			metrics.RetentionPrunedTotal.WithLabelValues(string(kind)).Add(float64(n))
			logging.L(ctx).Info("retention pruned", "kind", kind, "count", n)
		}
		return nil
	}

	if r.Snapshots > 0 {
		cutoff := now.Add(-r.Snapshots)
		if archiver != nil {
			expiring, err := e.inputs.ListSnapshots(ctx, time.Time{}, cutoff.Add(-time.Millisecond))
			if err != nil {
				return fmt.Errorf("engine: list expiring snapshots: %w", err)
			}
			if len(expiring) > 0 {
				if err := archiver.Archive(ctx, expiring); err != nil {
					return fmt.Errorf("engine: archive snapshots: %w", err)
				}
			}
		}
		if err := prune(temporal.KindSnapshots, r.Snapshots); err != nil {
			return err
		}
	}
	if err := prune(temporal.KindEvents, r.Events); err != nil {
		return err
	}
	if err := prune(temporal.KindMeasurements, r.Measurements); err != nil {
		return err
	}
	if r.Alerts > 0 {
		n, err := e.alerts.Prune(ctx, now.Add(-r.Alerts))
		if err != nil {
			return fmt.Errorf("engine: prune alerts: %w", err)
		}
		if n > 0 {
			metrics.RetentionPrunedTotal.WithLabelValues("alerts").Add(float64(n))
		}
	}

	// Inputs older than the shortest input retention are rejected at
	// validation, so states reading only such inputs can no longer change.
	if r.Events > 0 && r.Measurements > 0 {
		if n := e.index.prune(now.Add(-min(r.Events, r.Measurements))); n > 0 {
			logging.L(ctx).Debug("dependency index pruned", "computations", n)
		}
	}
	return nil
}
