package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore keeps subscriptions in the webhooks table. Event and
// structure lists are JSONB so ListByEvent can use the GIN index.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSubscription = `
	SELECT id, url, secret, events, structures, min_score, active,
	       created_at, last_success, last_error, consecutive_failures
	FROM webhooks`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, structures, err := encodeLists(sub)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, secret, events, structures, min_score, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.URL, sub.Secret, events, structures, sub.MinScore, sub.Active, sub.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("webhooks: subscription %s already exists", sub.ID)
	}
	if err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, selectSubscription+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, selectSubscription+` ORDER BY created_at DESC`)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	want, err := json.Marshal([]EventType{eventType})
	if err != nil {
		return nil, err
	}
	return p.query(ctx, selectSubscription+` WHERE active AND events @> $1::jsonb`, string(want))
}

// Update writes every mutable field: delivery bookkeeping, the active flag,
// filters and the secret.
func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	events, structures, err := encodeLists(sub)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks
		SET secret = $2, events = $3, structures = $4, min_score = $5, active = $6,
		    last_success = $7, last_error = NULLIF($8, ''), consecutive_failures = $9
		WHERE id = $1`,
		sub.ID, sub.Secret, events, structures, sub.MinScore, sub.Active,
		sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("webhooks: update %s: %w", sub.ID, err)
	}
	return expectRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("webhooks: delete %s: %w", id, err)
	}
	return expectRow(res)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("webhooks: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	subs := []*Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func expectRow(res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeLists(sub *Subscription) (events, structures []byte, err error) {
	if events, err = json.Marshal(sub.Events); err != nil {
		return nil, nil, err
	}
	if sub.Structures == nil {
		return events, []byte("[]"), nil
	}
	structures, err = json.Marshal(sub.Structures)
	return events, structures, err
}

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var (
		sub         Subscription
		events      []byte
		structures  []byte
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &events, &structures, &sub.MinScore, &sub.Active,
		&sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, fmt.Errorf("webhooks: decode events of %s: %w", sub.ID, err)
	}
	if err := json.Unmarshal(structures, &sub.Structures); err != nil {
		return nil, fmt.Errorf("webhooks: decode structures of %s: %w", sub.ID, err)
	}
	if len(sub.Structures) == 0 {
		sub.Structures = nil
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return &sub, nil
}
