package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/siterisk/internal/site"
)

// PostgresStore persists audit records and current states in PostgreSQL.
// Tables are created by the migrations package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const recordColumns = `id, structure, level, at, catalog_version, reason, inputs, state, digest, signature, supersedes, recorded_at`

// Commit inserts the record and advances risk_states in one transaction.
func (p *PostgresStore) Commit(ctx context.Context, rec *Record) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("audit: encode inputs: %w", err)
	}
	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("audit: encode state: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.Location.Structure, rec.Location.Level, rec.At, rec.CatalogVersion,
		string(rec.Reason), inputs, state, rec.Digest, nullString(rec.Signature),
		nullString(rec.Supersedes), rec.RecordedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_states (structure, level, record_id, at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (structure, level) DO UPDATE
		SET record_id = EXCLUDED.record_id, at = EXCLUDED.at
		WHERE risk_states.at <= EXCLUDED.at`,
		rec.Location.Structure, rec.Location.Level, rec.ID, rec.At,
	)
	if err != nil {
		return fmt.Errorf("audit: advance current state: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM audit_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Current(ctx context.Context) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+prefixed("a")+`
		FROM risk_states s JOIN audit_records a ON a.id = s.record_id
		ORDER BY s.structure, s.level`)
	if err != nil {
		return nil, fmt.Errorf("audit: current: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) CurrentFor(ctx context.Context, loc site.Ref) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT `+prefixed("a")+`
		FROM risk_states s JOIN audit_records a ON a.id = s.record_id
		WHERE s.structure = $1 AND s.level = $2`, loc.Structure, loc.Level))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Effective(ctx context.Context, loc site.Ref, at time.Time) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM audit_records
		WHERE structure = $1 AND level = $2 AND at = $3
		ORDER BY id DESC LIMIT 1`, loc.Structure, loc.Level, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Trail(ctx context.Context, q Query) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Location != nil {
		where = append(where, "structure = "+arg(q.Location.Structure)+" AND level = "+arg(q.Location.Level))
	}
	if !q.From.IsZero() {
		where = append(where, "at >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "at <= "+arg(q.To))
	}
	if q.After != nil {
		where = append(where, "(at, id) > ("+arg(q.After.At)+", "+arg(q.After.ID)+")")
	}
	query := `SELECT ` + recordColumns + ` FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: trail: %w", err)
	}
	return collect(rows)
}

func (p *PostgresStore) Since(ctx context.Context, t time.Time) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM audit_records
		WHERE at > $1 ORDER BY at ASC, id ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("audit: since: %w", err)
	}
	return collect(rows)
}

func prefixed(alias string) string {
	cols := strings.Split(recordColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func collect(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()
	out := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                     Record
		reason                string
		inputs, state         []byte
		signature, supersedes sql.NullString
	)
	err := row.Scan(&r.ID, &r.Location.Structure, &r.Location.Level, &r.At, &r.CatalogVersion,
		&reason, &inputs, &state, &r.Digest, &signature, &supersedes, &r.RecordedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputs, &r.Inputs); err != nil {
		return nil, fmt.Errorf("audit: decode inputs of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(state, &r.State); err != nil {
		return nil, fmt.Errorf("audit: decode state of %s: %w", r.ID, err)
	}
	r.Reason = Reason(reason)
	r.Signature = signature.String
	r.Supersedes = supersedes.String
	r.At = r.At.UTC()
	r.RecordedAt = r.RecordedAt.UTC()
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
