package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists catalog versions in PostgreSQL. Rows are insert-only.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Save(ctx context.Context, v *Version) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rules: encode version: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rule_catalog_versions (version, effective_from, digest, document, activated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		v.Version, v.EffectiveFrom, v.Digest, doc, v.ActivatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrVersionExists, v.Version)
	}
	return err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Version, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT document FROM rule_catalog_versions
		ORDER BY effective_from ASC`)
	if err != nil {
		return nil, fmt.Errorf("rules: list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Version
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v Version
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("rules: decode stored version: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
