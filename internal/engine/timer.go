package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TimerConfig sets the cadence of background work.
type TimerConfig struct {
	Reevaluate time.Duration
	Snapshot   time.Duration
	Sweep      time.Duration
	Retention  Retention
	Archiver   Archiver
}

// Timer slides evaluation windows, writes snapshots and enforces retention.
type Timer struct {
	engine         *Engine
	cfg            TimerConfig
	logger         *slog.Logger
	stop           chan struct{}
	running        atomic.Bool
	lastSnapshotAt time.Time
	lastSweepAt    time.Time
}

// NewTimer creates a timer. Intervals of zero disable the matching task; the
// re-evaluation interval also sets the tick.
func NewTimer(engine *Engine, cfg TimerConfig, logger *slog.Logger) *Timer {
	if cfg.Reevaluate <= 0 {
		cfg.Reevaluate = time.Minute
	}
	return &Timer{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.cfg.Reevaluate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in engine timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

// tick runs one round. A due snapshot replaces the plain re-evaluation since
// it evaluates every level anyway.
func (t *Timer) tick(ctx context.Context) {
	now := t.engine.now()
	if t.cfg.Snapshot > 0 && now.Sub(t.lastSnapshotAt) >= t.cfg.Snapshot {
		if _, err := t.engine.Snapshot(ctx); err != nil {
			t.logger.Warn("snapshot failed", "error", err)
		} else {
			t.lastSnapshotAt = now
		}
	} else if _, err := t.engine.ReevaluateAll(ctx); err != nil {
		t.logger.Warn("re-evaluation failed", "error", err)
	}

	if t.cfg.Sweep > 0 && now.Sub(t.lastSweepAt) >= t.cfg.Sweep {
		if err := t.engine.Sweep(ctx, t.cfg.Retention, t.cfg.Archiver); err != nil {
			t.logger.Warn("retention sweep failed", "error", err)
			return
		}
		t.lastSweepAt = now
	}
}
