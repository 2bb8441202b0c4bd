package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const alertColumns = `id, structure, level, cause, category, risk_score_at_creation, explanation,
	uncertain, record_id, raised_at, status, resolution, suppressing, comment,
	generated_at, activated_at, acknowledged_at, resolved_at, lifted_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Alert) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		a.ID, a.Location.Structure, a.Location.Level, a.Cause, a.Category, a.RiskScoreAtCreation,
		a.Explanation, a.Uncertain, a.RecordID, a.RaisedAt, string(a.Status), string(a.Resolution),
		a.Suppressing, a.Comment, a.GeneratedAt, a.ActivatedAt, a.AcknowledgedAt, a.ResolvedAt, a.LiftedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("alerts: insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Update writes the mutable lifecycle fields.
func (p *PostgresStore) Update(ctx context.Context, a *Alert) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alerts SET status = $2, resolution = $3, suppressing = $4, comment = $5,
			activated_at = $6, acknowledged_at = $7, resolved_at = $8, lifted_at = $9, updated_at = $10
		WHERE id = $1`,
		a.ID, string(a.Status), string(a.Resolution), a.Suppressing, a.Comment,
		a.ActivatedAt, a.AcknowledgedAt, a.ResolvedAt, a.LiftedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("alerts: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Location != nil {
		where = append(where, "structure = "+arg(f.Location.Structure)+" AND level = "+arg(f.Location.Level))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.Unresolved {
		where = append(where, "status <> 'resolved'")
	}
	if f.Suppressing {
		where = append(where, "suppressing")
	}
	if f.OperatorResolved {
		where = append(where, "resolution = 'operator'")
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY generated_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("alerts: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PruneResolved(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE status = 'resolved' AND NOT suppressing AND resolved_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("alerts: prune: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*Alert, error) {
	var (
		a                                       Alert
		status, resolution                      string
		activatedAt, acknowledgedAt, resolvedAt sql.NullTime
		liftedAt                                sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Location.Structure, &a.Location.Level, &a.Cause, &a.Category,
		&a.RiskScoreAtCreation, &a.Explanation, &a.Uncertain, &a.RecordID, &a.RaisedAt,
		&status, &resolution, &a.Suppressing, &a.Comment,
		&a.GeneratedAt, &activatedAt, &acknowledgedAt, &resolvedAt, &liftedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.Resolution = Resolution(resolution)
	a.ActivatedAt = nullTime(activatedAt)
	a.AcknowledgedAt = nullTime(acknowledgedAt)
	a.ResolvedAt = nullTime(resolvedAt)
	a.LiftedAt = nullTime(liftedAt)
	a.RaisedAt = a.RaisedAt.UTC()
	a.GeneratedAt = a.GeneratedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
