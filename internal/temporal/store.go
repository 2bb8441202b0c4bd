package temporal

import (
	"context"
	"time"

	"github.com/mbd888/siterisk/internal/pagination"
	"github.com/mbd888/siterisk/internal/site"
)

// Store is the append-only temporal store.
//
// Appends are idempotent on id: re-appending identical content reports
// inserted=false, while reusing an id for different content fails with
// ErrConflictingRecord. Reads never mutate.
type Store interface {
	AppendEvent(ctx context.Context, e *Event) (inserted bool, err error)
	AppendMeasurement(ctx context.Context, m *Measurement) (inserted bool, err error)

	// QuerySince returns the inputs of loc with timestamps in (at-window, at],
	// ordered by (timestamp, id).
	QuerySince(ctx context.Context, loc site.Ref, at time.Time, window time.Duration) (*Window, error)
	ListEvents(ctx context.Context, q EventQuery) ([]*Event, error)
	// Latest returns the newest input timestamp seen for loc, or zero.
	Latest(ctx context.Context, loc site.Ref) (time.Time, error)

	SaveSnapshot(ctx context.Context, s *Snapshot) error
	// NearestSnapshot returns the latest snapshot with At <= at.
	NearestSnapshot(ctx context.Context, at time.Time) (*Snapshot, error)
	ListSnapshots(ctx context.Context, from, to time.Time) ([]*Snapshot, error)

	// Prune deletes records of kind older than before and reports how many went.
	Prune(ctx context.Context, kind Kind, before time.Time) (int64, error)
}

// EventQuery filters ListEvents. Zero values do not filter.
type EventQuery struct {
	Location *site.Ref
	Type     string
	From     time.Time // exclusive
	To       time.Time // inclusive
	After    *pagination.Cursor
	Limit    int
}

func (q EventQuery) matches(e *Event) bool {
	if q.Location != nil && e.Location != *q.Location {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if !q.From.IsZero() && !e.Timestamp.After(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return q.After.After(e.Timestamp, e.ID)
}
