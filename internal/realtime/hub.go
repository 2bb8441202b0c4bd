// Package realtime streams level state changes and alert transitions to
// WebSocket clients so control-room displays do not have to poll.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/siterisk/internal/alerts"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

type Kind string

const (
	KindLevelState Kind = "level_state"
	KindAlert      Kind = "alert"
)

// Frame is one message pushed to clients.
type Frame struct {
	Kind     Kind      `json:"type"`
	Sent     time.Time `json:"timestamp"`
	Location site.Ref  `json:"location"`
	Score    int       `json:"score"`
	Data     any       `json:"data"`
}

// Filter selects the frames a client receives. The zero Filter matches
// everything.
type Filter struct {
	Kinds      []Kind     `json:"types,omitempty"`
	Structures []string   `json:"structures,omitempty"`
	Levels     []site.Ref `json:"levels,omitempty"`
	MinScore   int        `json:"minScore,omitempty"`
}

// Match reports whether f selects frame.
func (f Filter) Match(fr *Frame) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, fr.Kind) {
		return false
	}
	if len(f.Structures)+len(f.Levels) > 0 &&
		!slices.Contains(f.Structures, fr.Location.Structure) &&
		!slices.Contains(f.Levels, fr.Location) {
		return false
	}
	return fr.Score >= f.MinScore
}

type outbound struct {
	frame *Frame
	raw   []byte
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Connected int   `json:"connected"`
	Peak      int   `json:"peak"`
	Frames    int64 `json:"frames"`
	Dropped   int64 `json:"dropped"`
}

type Option func(*Hub)

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) Option { return func(h *Hub) { h.maxClients = n } }

// WithOrigins allows browser upgrades from the listed origins in addition
// to same-host pages. "*" allows any origin.
func WithOrigins(origins []string) Option { return func(h *Hub) { h.origins = origins } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// Hub fans frames out to connected clients. Run owns the client set; other
// goroutines talk to it over channels.
type Hub struct {
	logger     *slog.Logger
	maxClients int
	origins    []string
	now        func() time.Time

	in    chan outbound
	join  chan *client
	leave chan *client
	done  chan struct{}

	mu     sync.RWMutex
	conns  map[*client]struct{}
	latest map[site.Ref]outbound // last level_state per level, replayed on join
	stats  Stats
}

var _ alerts.Notifier = (*Hub)(nil)

func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: 1000,
		now:        time.Now,
		in:         make(chan outbound, 256),
		join:       make(chan *client),
		leave:      make(chan *client),
		done:       make(chan struct{}),
		conns:      make(map[*client]struct{}),
		latest:     make(map[site.Ref]outbound),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run delivers frames until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("realtime hub started", "max_clients", h.maxClients)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.conns {
				close(c.send)
				delete(h.conns, c)
			}
			h.stats.Connected = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.join:
			h.add(c)

		case c := <-h.leave:
			h.remove(c)

		case out := <-h.in:
			h.deliver(out)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.stats.Connected = len(h.conns)
	h.stats.Peak = max(h.stats.Peak, h.stats.Connected)
	n := h.stats.Connected
	f := c.currentFilter()
	// A new display starts with the latest state of every level it watches.
	for _, out := range h.latest {
		if !f.Match(out.frame) {
			continue
		}
		select {
		case c.send <- out.raw:
		default:
		}
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client joined", "connected", n)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.stats.Connected = len(h.conns)
	n := h.stats.Connected
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client left", "connected", n)
}

func (h *Hub) deliver(out outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.Frames++
	if out.frame.Kind == KindLevelState {
		h.latest[out.frame.Location] = out
	}
	for c := range h.conns {
		if !c.currentFilter().Match(out.frame) {
			continue
		}
		select {
		case c.send <- out.raw:
		default:
			// A client that cannot keep up is disconnected rather than
			// allowed to stall every other display.
			close(c.send)
			delete(h.conns, c)
			h.stats.Dropped++
		}
	}
	h.stats.Connected = len(h.conns)
}

// Publish queues fr for delivery. Frames are dropped when the queue is full.
func (h *Hub) Publish(fr *Frame) {
	raw, err := json.Marshal(fr)
	if err != nil {
		h.logger.Error("realtime frame encode failed", "type", fr.Kind, "error", err)
		return
	}
	select {
	case h.in <- outbound{frame: fr, raw: raw}:
	default:
		h.logger.Warn("realtime queue full, dropping frame", "type", fr.Kind, "location", fr.Location.String())
	}
}

// StateChanged pushes a level's new current state.
func (h *Hub) StateChanged(_ context.Context, s *risk.State) {
	h.Publish(&Frame{
		Kind:     KindLevelState,
		Sent:     h.now().UTC(),
		Location: s.Location,
		Score:    s.Score,
		Data:     s.Clone(),
	})
}

// AlertChanged pushes an alert after any lifecycle transition.
func (h *Hub) AlertChanged(_ context.Context, a *alerts.Alert) {
	cp := *a
	h.Publish(&Frame{
		Kind:     KindAlert,
		Sent:     h.now().UTC(),
		Location: a.Location,
		Score:    a.RiskScoreAtCreation,
		Data:     &cp,
	})
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}
