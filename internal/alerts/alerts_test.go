package alerts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	t0     = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	level3 = site.Ref{Structure: "decline-a", Level: "level-3"}
	level4 = site.Ref{Structure: "decline-a", Level: "level-4"}
)

func fired(code, category string, contribution int) risk.TriggeredRule {
	return risk.TriggeredRule{RuleCode: code, RuleVersion: 1, Category: category, Contribution: contribution}
}

func stateOf(loc site.Ref, at time.Time, rules ...risk.TriggeredRule) *risk.State {
	s := &risk.State{
		Location:           loc,
		TriggeredRules:     append([]risk.TriggeredRule{}, rules...),
		Explanation:        "Level 3 (Decline A): test explanation.",
		ComputedAt:         at,
		RuleCatalogVersion: "1.0.0",
	}
	total := 0
	for _, tr := range rules {
		if tr.Forced {
			total = risk.MaxScore
			break
		}
		total += tr.Contribution
	}
	s.Score = risk.Cap(total)
	s.Band = risk.BandFor(s.Score)
	return s
}

func lockout() risk.TriggeredRule {
	tr := fired("LOCKOUT_BLAST_NO_REENTRY", "lockout", risk.MaxScore)
	tr.Forced = true
	return tr
}

type recorder struct {
	mu      sync.Mutex
	changes []*Alert
}

func (r *recorder) AlertChanged(_ context.Context, a *Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, a)
}

func newManager() (*Manager, *MemoryStore, *recorder) {
	store := NewMemoryStore()
	rec := &recorder{}
	clock := t0
	m := NewManager(store, WithNotifier(rec), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	return m, store, rec
}

func TestApply_ForcedStateRaisesActiveAlert(t *testing.T) {
	m, _, rec := newManager()
	ctx := context.Background()

	changed, err := m.Apply(ctx, stateOf(level3, t0, lockout()), "aud_1")
	require.NoError(t, err)
	require.Len(t, changed, 1)

	a := changed[0]
	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, "LOCKOUT_BLAST_NO_REENTRY", a.Cause)
	assert.Equal(t, 100, a.RiskScoreAtCreation)
	assert.Equal(t, "aud_1", a.RecordID)
	assert.Equal(t, t0, a.RaisedAt)
	assert.NotNil(t, a.ActivatedAt)
	assert.True(t, strings.HasPrefix(a.ID, "alr_"))
	assert.Len(t, rec.changes, 1)
}

func TestApply_LowStateRaisesNothing(t *testing.T) {
	m, _, _ := newManager()
	changed, err := m.Apply(context.Background(), stateOf(level3, t0, fired("BEH_OVERSPEED", "behavioral", 10)), "aud_1")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestApply_Idempotent(t *testing.T) {
	m, store, _ := newManager()
	ctx := context.Background()
	s := stateOf(level3, t0, fired("TIME_BLAST_IMMINENT", "time_critical", 40))

	_, err := m.Apply(ctx, s, "aud_1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		changed, err := m.Apply(ctx, s, "aud_2")
		require.NoError(t, err)
		assert.Empty(t, changed)
	}

	all, err := store.List(ctx, Filter{Location: &level3})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestApply_AcknowledgedSuppressesRegeneration(t *testing.T) {
	m, store, _ := newManager()
	ctx := context.Background()
	s := stateOf(level3, t0, fired("TIME_BLAST_IMMINENT", "time_critical", 40))

	changed, err := m.Apply(ctx, s, "aud_1")
	require.NoError(t, err)
	_, err = m.Acknowledge(ctx, changed[0].ID, "crew notified")
	require.NoError(t, err)

	changed, err = m.Apply(ctx, stateOf(level3, t0.Add(time.Minute), fired("TIME_BLAST_IMMINENT", "time_critical", 40)), "aud_2")
	require.NoError(t, err)
	assert.Empty(t, changed)

	all, _ := store.List(ctx, Filter{Location: &level3})
	require.Len(t, all, 1)
	assert.Equal(t, StatusAcknowledged, all[0].Status)
	assert.Equal(t, "crew notified", all[0].Comment)
}

func TestApply_AutoResolvesWhenCauseClears(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	changed, err := m.Apply(ctx, stateOf(level3, t0, lockout()), "aud_1")
	require.NoError(t, err)
	id := changed[0].ID

	changed, err = m.Apply(ctx, stateOf(level3, t0.Add(time.Hour), fired("BEH_PROXIMITY_ALARMS", "behavioral", 15)), "aud_2")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, id, changed[0].ID)
	assert.Equal(t, StatusResolved, changed[0].Status)
	assert.Equal(t, ResolutionCleared, changed[0].Resolution)
	assert.False(t, changed[0].Suppressing)

	// A fresh occurrence after resolution raises a new alert.
	changed, err = m.Apply(ctx, stateOf(level3, t0.Add(2*time.Hour), lockout()), "aud_3")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.NotEqual(t, id, changed[0].ID)
}

func TestApply_ForcedStateKeepsOtherCauses(t *testing.T) {
	m, store, _ := newManager()
	ctx := context.Background()

	_, err := m.Apply(ctx, stateOf(level3, t0, fired("TIME_BLAST_IMMINENT", "time_critical", 40)), "aud_1")
	require.NoError(t, err)
	_, err = m.Apply(ctx, stateOf(level3, t0.Add(time.Minute), lockout()), "aud_2")
	require.NoError(t, err)

	open, err := store.List(ctx, Filter{Location: &level3, Unresolved: true})
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestApply_PerLocation(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	r := fired("TIME_BLAST_IMMINENT", "time_critical", 40)

	_, err := m.Apply(ctx, stateOf(level3, t0, r), "aud_1")
	require.NoError(t, err)
	changed, err := m.Apply(ctx, stateOf(level4, t0, r), "aud_2")
	require.NoError(t, err)
	assert.Len(t, changed, 1)
}

func TestAcknowledge_OnlyFromActive(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	changed, err := m.Apply(ctx, stateOf(level3, t0, lockout()), "aud_1")
	require.NoError(t, err)
	id := changed[0].ID

	a, err := m.Acknowledge(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, a.Status)
	assert.NotNil(t, a.AcknowledgedAt)

	_, err = m.Acknowledge(ctx, id, "")
	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StatusAcknowledged, invalid.From)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.Acknowledge(ctx, "alr_missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_OperatorSuppressesUntilCauseClears(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()
	prox := fired("BEH_PROXIMITY_ALARMS", "behavioral", 15)
	blast := fired("TIME_BLAST_IMMINENT", "time_critical", 40)

	changed, err := m.Apply(ctx, stateOf(level3, t0, blast, prox), "aud_1")
	require.NoError(t, err)
	require.Len(t, changed, 2)
	var proxID string
	for _, a := range changed {
		if a.Cause == prox.RuleCode {
			proxID = a.ID
		}
	}

	a, err := m.Resolve(ctx, proxID, "false alarm, tag reader fault")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, a.Status)
	assert.Equal(t, ResolutionOperator, a.Resolution)
	assert.True(t, a.Suppressing)

	_, err = m.Resolve(ctx, proxID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sup, err := m.Suppressions(ctx)
	require.NoError(t, err)
	assert.True(t, sup[level3][prox.RuleCode])
	assert.Equal(t, 40, risk.EffectiveScore(stateOf(level3, t0, blast, prox), sup[level3]))

	// Still firing: no regeneration while suppressed.
	changed, err = m.Apply(ctx, stateOf(level3, t0.Add(time.Minute), blast, prox), "aud_2")
	require.NoError(t, err)
	assert.Empty(t, changed)

	// Cleared: suppression lifts.
	changed, err = m.Apply(ctx, stateOf(level3, t0.Add(2*time.Minute), blast), "aud_3")
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.False(t, changed[0].Suppressing)

	sup, err = m.Suppressions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sup)
}

func TestSuppressionsAt_FollowsResolutionTimeline(t *testing.T) {
	clock := t0
	m := NewManager(NewMemoryStore(), WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	prox := fired("BEH_PROXIMITY_ALARMS", "behavioral", 55)

	changed, err := m.Apply(ctx, stateOf(level3, t0, prox), "aud_1")
	require.NoError(t, err)
	require.Len(t, changed, 1)

	clock = t0.Add(time.Hour)
	_, err = m.Resolve(ctx, changed[0].ID, "reader fault")
	require.NoError(t, err)

	clock = t0.Add(3 * time.Hour)
	_, err = m.Apply(ctx, stateOf(level3, clock), "aud_2")
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before resolution", t0.Add(30 * time.Minute), false},
		{"at resolution", t0.Add(time.Hour), true},
		{"while suppressing", t0.Add(2 * time.Hour), true},
		{"at lift", t0.Add(3 * time.Hour), false},
		{"after lift", t0.Add(4 * time.Hour), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sup, err := m.SuppressionsAt(ctx, tc.at)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sup[level3][prox.RuleCode])
		})
	}

	current, err := m.Suppressions(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestMemoryStore_ListAndPrune(t *testing.T) {
	m, store, _ := newManager()
	ctx := context.Background()
	changed, err := m.Apply(ctx, stateOf(level3, t0, lockout()), "aud_1")
	require.NoError(t, err)
	_, err = m.Apply(ctx, stateOf(level4, t0, lockout()), "aud_2")
	require.NoError(t, err)
	_, err = m.Apply(ctx, stateOf(level3, t0.Add(time.Hour)), "aud_3")
	require.NoError(t, err)

	active, err := store.List(ctx, Filter{Status: StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, level4, active[0].Location)

	n, err := store.PruneResolved(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.Get(ctx, changed[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func setupRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	m, _, _ := newManager()
	r := gin.New()
	NewHandler(m).RegisterRoutes(r.Group("/v1"))
	return r, m
}

func TestHandler_AlertLifecycle(t *testing.T) {
	r, m := setupRouter(t)
	changed, err := m.Apply(context.Background(), stateOf(level3, t0, lockout()), "aud_1")
	require.NoError(t, err)
	id := changed[0].ID

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts?status=active&level=decline-a/level-3", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/"+id+"/acknowledge", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"acknowledged"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/"+id+"/acknowledge",
		strings.NewReader(`{"comment":"again"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_transition")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/"+id+"/resolve",
		strings.NewReader(`{"comment":"re-entry inspected"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"resolution":"operator"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "re-entry inspected")
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts?status=open", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts/alr_missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts/alr_missing/acknowledge", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
