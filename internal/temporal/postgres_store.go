package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/siterisk/internal/site"
)

// PostgresStore persists the temporal store in PostgreSQL. The tables are
// created by the migrations package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed temporal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) AppendEvent(ctx context.Context, e *Event) (bool, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return false, fmt.Errorf("temporal: encode metadata: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO events (id, ts, structure, level, type, severity, metadata, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Timestamp, e.Location.Structure, e.Location.Level,
		e.Type, e.Severity, meta, e.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("temporal: insert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	existing, err := scanEvent(p.db.QueryRowContext(ctx, `
		SELECT id, ts, structure, level, type, severity, metadata, received_at
		FROM events WHERE id = $1`, e.ID))
	if err != nil {
		return false, fmt.Errorf("temporal: load duplicate event: %w", err)
	}
	if !existing.sameContent(e) {
		return false, fmt.Errorf("%w: event %s", ErrConflictingRecord, e.ID)
	}
	return false, nil
}

func (p *PostgresStore) AppendMeasurement(ctx context.Context, m *Measurement) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO measurements (id, ts, structure, level, sensor_type, value, unit, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Timestamp, m.Location.Structure, m.Location.Level,
		m.SensorType, m.Value, m.Unit, m.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("temporal: insert measurement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	existing, err := scanMeasurement(p.db.QueryRowContext(ctx, `
		SELECT id, ts, structure, level, sensor_type, value, unit, received_at
		FROM measurements WHERE id = $1`, m.ID))
	if err != nil {
		return false, fmt.Errorf("temporal: load duplicate measurement: %w", err)
	}
	if !existing.sameContent(m) {
		return false, fmt.Errorf("%w: measurement %s", ErrConflictingRecord, m.ID)
	}
	return false, nil
}

func (p *PostgresStore) QuerySince(ctx context.Context, loc site.Ref, at time.Time, window time.Duration) (*Window, error) {
	from := at.Add(-window)
	w := &Window{Location: loc, From: from, To: at, Events: []*Event{}, Measurements: []*Measurement{}}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ts, structure, level, type, severity, metadata, received_at
		FROM events
		WHERE structure = $1 AND level = $2 AND ts > $3 AND ts <= $4
		ORDER BY ts ASC, id ASC`,
		loc.Structure, loc.Level, from, at)
	if err != nil {
		return nil, fmt.Errorf("temporal: query events: %w", err)
	}
	w.Events, err = collect(rows, scanEvent)
	if err != nil {
		return nil, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT id, ts, structure, level, sensor_type, value, unit, received_at
		FROM measurements
		WHERE structure = $1 AND level = $2 AND ts > $3 AND ts <= $4
		ORDER BY ts ASC, id ASC`,
		loc.Structure, loc.Level, from, at)
	if err != nil {
		return nil, fmt.Errorf("temporal: query measurements: %w", err)
	}
	w.Measurements, err = collect(rows, scanMeasurement)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v ...any) {
		for _, a := range v {
			args = append(args, a)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		where = append(where, cond)
	}
	if q.Location != nil {
		add("structure = ? AND level = ?", q.Location.Structure, q.Location.Level)
	}
	if q.Type != "" {
		add("type = ?", q.Type)
	}
	if !q.From.IsZero() {
		add("ts > ?", q.From)
	}
	if !q.To.IsZero() {
		add("ts <= ?", q.To)
	}
	if q.After != nil {
		add("(ts, id) > (?, ?)", q.After.At, q.After.ID)
	}

	query := `SELECT id, ts, structure, level, type, severity, metadata, received_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("temporal: list events: %w", err)
	}
	return collect(rows, scanEvent)
}

func (p *PostgresStore) Latest(ctx context.Context, loc site.Ref) (time.Time, error) {
	var latest sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			(SELECT MAX(ts) FROM events WHERE structure = $1 AND level = $2),
			(SELECT MAX(ts) FROM measurements WHERE structure = $1 AND level = $2)
		)`, loc.Structure, loc.Level).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("temporal: latest: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time.UTC(), nil
}

func (p *PostgresStore) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	states, err := json.Marshal(s.States)
	if err != nil {
		return fmt.Errorf("temporal: encode snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, at, states, created_at)
		VALUES ($1, $2, $3, $4)`,
		s.ID, s.At, states, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("temporal: insert snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) NearestSnapshot(ctx context.Context, at time.Time) (*Snapshot, error) {
	s, err := scanSnapshot(p.db.QueryRowContext(ctx, `
		SELECT id, at, states, created_at FROM snapshots
		WHERE at <= $1
		ORDER BY at DESC, created_at DESC
		LIMIT 1`, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("temporal: nearest snapshot: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListSnapshots(ctx context.Context, from, to time.Time) ([]*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, at, states, created_at FROM snapshots
		WHERE at >= $1 AND at <= $2
		ORDER BY at ASC, created_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("temporal: list snapshots: %w", err)
	}
	return collect(rows, scanSnapshot)
}

func (p *PostgresStore) Prune(ctx context.Context, kind Kind, cutoff time.Time) (int64, error) {
	var query string
	switch kind {
	case KindEvents:
		query = `DELETE FROM events WHERE ts < $1`
	case KindMeasurements:
		query = `DELETE FROM measurements WHERE ts < $1`
	case KindSnapshots:
		query = `DELETE FROM snapshots WHERE at < $1`
	default:
		return 0, fmt.Errorf("temporal: unknown kind %q", kind)
	}
	res, err := p.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("temporal: prune %s: %w", kind, err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer func() { _ = rows.Close() }()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (*Event, error) {
	var (
		e    Event
		meta []byte
	)
	err := row.Scan(&e.ID, &e.Timestamp, &e.Location.Structure, &e.Location.Level,
		&e.Type, &e.Severity, &meta, &e.ReceivedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("temporal: decode metadata: %w", err)
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	e.ReceivedAt = e.ReceivedAt.UTC()
	return &e, nil
}

func scanMeasurement(row scanner) (*Measurement, error) {
	var m Measurement
	err := row.Scan(&m.ID, &m.Timestamp, &m.Location.Structure, &m.Location.Level,
		&m.SensorType, &m.Value, &m.Unit, &m.ReceivedAt)
	if err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	m.ReceivedAt = m.ReceivedAt.UTC()
	return &m, nil
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		s      Snapshot
		states []byte
	)
	if err := row.Scan(&s.ID, &s.At, &states, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(states, &s.States); err != nil {
		return nil, fmt.Errorf("temporal: decode snapshot %s: %w", s.ID, err)
	}
	s.At = s.At.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}
