package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	l := New(cfg, WithClock(clk.Now))
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clk := newLimiter(t, Config{RequestsPerSecond: 1, Burst: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	clk.Advance(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, Config{RequestsPerSecond: 1, Burst: 2})

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_EvictsIdleClients(t *testing.T) {
	l, clk := newLimiter(t, Config{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})

	l.Allow("a")
	clk.Advance(30 * time.Second)
	l.Allow("b")
	clk.Advance(45 * time.Second)
	l.evict()

	assert.Equal(t, 1, l.Clients())
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware_WritesCostMore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, Config{RequestsPerSecond: 0.5, Burst: 3, WriteCost: 2})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/risk/current", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/events", func(c *gin.Context) { c.Status(http.StatusCreated) })

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "/v1/events").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/v1/risk/current").Code)

	w := do(http.MethodGet, "/v1/risk/current")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}
