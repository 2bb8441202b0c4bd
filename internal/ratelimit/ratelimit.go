// Package ratelimit throttles API clients with a per-client token bucket.
//
// Ingest endpoints share the site's bandwidth with sensor gateways, so writes
// are charged more than reads.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64
	// Burst is the bucket size.
	Burst int
	// WriteCost is the number of tokens a POST or PUT consumes.
	WriteCost int
	// IdleTTL evicts clients not seen for this long.
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		Burst:             40,
		WriteCost:         2,
		IdleTTL:           3 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks one rate.Limiter per client key.
type Limiter struct {
	cfg  Config
	now  func() time.Time
	mu   sync.Mutex
	keys map[string]*visitor
	stop chan struct{}
	once sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter and starts its eviction loop.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.WriteCost <= 0 {
		cfg.WriteCost = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:  cfg,
		now:  time.Now,
		keys: make(map[string]*visitor),
		stop: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evict()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evict() {
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	for key, v := range l.keys {
		if v.lastSeen.Before(cutoff) {
			delete(l.keys, key)
		}
	}
	l.mu.Unlock()
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Clients returns the number of tracked client keys.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// AllowN reports whether key may spend n tokens now.
func (l *Limiter) AllowN(key string, n int) bool {
	now := l.now()
	l.mu.Lock()
	v, ok := l.keys[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.keys[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, n)
}

// Allow is AllowN(key, 1).
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

func (l *Limiter) cost(method string) int {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return l.cfg.WriteCost
	}
	return 1
}

// Middleware rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if l.cfg.RequestsPerSecond > 0 && l.cfg.RequestsPerSecond < 1 {
		retryAfter = strconv.Itoa(int(1/l.cfg.RequestsPerSecond) + 1)
	}
	return func(c *gin.Context) {
		if !l.AllowN(c.ClientIP(), l.cost(c.Request.Method)) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
