package temporal

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eventColumns = []string{"id", "ts", "structure", "level", "type", "severity", "metadata", "received_at"}

func TestPostgresStore_AppendEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	e := event("e1", t0, lvl3, EventGasAlert)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs("e1", t0, "decline-a", "level-3", EventGasAlert, 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.AppendEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)

	// Redelivery: the insert is a no-op and the stored row matches.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("e1", t0, "decline-a", "level-3", EventGasAlert, 2, []byte("null"), t0))

	ok, err = store.AppendEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same id, different content.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("e1", t0, "decline-a", "level-3", EventGasCleared, 2, []byte("{}"), t0))

	_, err = store.AppendEvent(ctx, e)
	assert.ErrorIs(t, err, ErrConflictingRecord)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QuerySince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	at := t0.Add(10 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM events")).
		WithArgs("decline-a", "level-3", t0, at).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow("e1", t0.Add(time.Minute), "decline-a", "level-3", EventGasAlert, 4, []byte(`{"gas":"CO"}`), t0.Add(time.Minute)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM measurements")).
		WithArgs("decline-a", "level-3", t0, at).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ts", "structure", "level", "sensor_type", "value", "unit", "received_at"}).
			AddRow("m1", t0.Add(2*time.Minute), "decline-a", "level-3", "CO", 55.5, "ppm", t0.Add(2*time.Minute)))

	w, err := store.QuerySince(context.Background(), lvl3, at, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, w.Events, 1)
	assert.Equal(t, "CO", w.Events[0].Metadata["gas"])
	assert.Equal(t, lvl3, w.Events[0].Location)
	require.Len(t, w.Measurements, 1)
	assert.Equal(t, 55.5, w.Measurements[0].Value)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEventsBuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM events WHERE structure = $1 AND level = $2 AND type = $3 AND ts > $4 ORDER BY ts ASC, id ASC LIMIT $5")).
		WithArgs("decline-a", "level-3", EventOverspeed, t0, 11).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	got, err := store.ListEvents(context.Background(), EventQuery{
		Location: &lvl3, Type: EventOverspeed, From: t0, Limit: 11,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NearestSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	cols := []string{"id", "at", "states", "created_at"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM snapshots")).
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("snp_1", t0, []byte(`[{"location":"decline-a/level-3","score":40,"band":"medium","triggeredRules":[],"explanation":"x","computedAt":"2026-03-01T08:00:00Z","ruleCatalogVersion":"1.0.0"}]`), t0))

	snap, err := store.NearestSnapshot(context.Background(), t0)
	require.NoError(t, err)
	st, ok := snap.State(lvl3)
	require.True(t, ok)
	assert.Equal(t, 40, st.Score)

	mock.ExpectQuery(regexp.QuoteMeta("FROM snapshots")).
		WithArgs(t0).
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = store.NearestSnapshot(context.Background(), t0)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Prune(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM measurements WHERE ts < $1")).
		WithArgs(t0).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := NewPostgresStore(db).Prune(context.Background(), KindMeasurements, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
