package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/siterisk/internal/config"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "json",
		ClockSkew:          2 * time.Minute,
		ReevaluateInterval: time.Minute,
		SnapshotInterval:   15 * time.Minute,
		HistoryTimeout:     time.Second,
		Workers:            2,
		RateLimitRPS:       1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := site.Parse([]byte(testutil.SiteYAML))
	require.NoError(t, err)
	doc, err := rules.Parse([]byte(testutil.CatalogYAML))
	require.NoError(t, err)
	from := testutil.T0.Add(-48 * time.Hour)
	doc.EffectiveFrom = &from

	now := testutil.T0
	s, err := New(testConfig(),
		WithRegistry(reg),
		WithCatalogDocument(doc),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.cancelRunCtx != nil {
			s.cancelRunCtx()
		}
		s.timer.Stop()
		s.rateLimiter.Stop()
	})
	return s
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "north-mine", resp.Site)
	assert.Equal(t, "1.0.0", resp.Catalog)
	assert.Empty(t, resp.Checks)
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", "").Code)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", "").Code)
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "gateway-7")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "gateway-7", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/v1/site", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(s, http.MethodGet, "/health/live", "")

	w := do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "siterisk_")
}

func TestBlastFiredLocksLevel(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start(context.Background()))

	body := `{"id":"evt-blast","timestamp":"2026-03-01T07:59:00Z","location":"decline-a/level-3","type":"blast_fired","severity":5}`
	w := do(s, http.MethodPost, "/v1/events", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/levels/decline-a/level-3", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		State risk.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 100, resp.State.Score)
	assert.Equal(t, risk.BandHigh, resp.State.Band)
	_, ok := resp.State.Rule("LOCKOUT_BLAST_NO_REENTRY")
	assert.True(t, ok)

	w = do(s, http.MethodGet, "/v1/alerts?status=active", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "LOCKOUT_BLAST_NO_REENTRY")
}

func TestIngestErrors(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start(context.Background()))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown level", `{"id":"e1","timestamp":"2026-03-01T07:59:00Z","location":"decline-a/level-9","type":"blast_fired"}`, http.StatusBadRequest},
		{"future timestamp", `{"id":"e2","timestamp":"2026-03-01T09:00:00Z","location":"decline-a/level-3","type":"blast_fired"}`, http.StatusBadRequest},
		{"malformed", `{"id":`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/v1/events", tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestCatalogRoutes(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/rules/versions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1.0.0")
}

func TestEnsureCatalog_Idempotent(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.ensureCatalog(context.Background()))
	assert.Len(t, s.catalog.Versions(), 1)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://risk:hunter2@db:5432/siterisk")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/siterisk")
	assert.Equal(t, "***", maskDSN("://bad"))
}
