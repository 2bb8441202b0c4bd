// Package health runs readiness probes against the engine's dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of probing one dependency.
type Status struct {
	Name     string        `json:"name"`
	Healthy  bool          `json:"healthy"`
	Critical bool          `json:"critical"`
	Detail   string        `json:"detail,omitempty"`
	Latency  time.Duration `json:"latency_ns"`
}

// Pinger is satisfied by *sql.DB, the redis cache and anything else with a
// context-aware liveness call.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

// PingContext calls f.
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type probe struct {
	name     string
	critical bool
	pinger   Pinger
}

// Registry holds named probes.
type Registry struct {
	timeout time.Duration
	mu      sync.RWMutex
	probes  []probe
}

// NewRegistry creates a registry whose probes each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a probe. A failing critical probe makes the whole registry
// unhealthy; a failing non-critical one (cache, brokers) only degrades it.
func (r *Registry) Register(name string, critical bool, p Pinger) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, critical: critical, pinger: p})
	r.mu.Unlock()
}

// CheckAll probes every dependency concurrently. Statuses come back in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	statuses = make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			statuses[i] = r.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, p probe) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := p.pinger.PingContext(ctx)
	s := Status{Name: p.name, Critical: p.critical, Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		s.Detail = err.Error()
	}
	return s
}
