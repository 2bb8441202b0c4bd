package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/siterisk/internal/alerts"
	"github.com/mbd888/siterisk/internal/risk"
	"github.com/mbd888/siterisk/internal/site"
)

var (
	level3 = site.Ref{Structure: "decline-a", Level: "level-3"}
	bench1 = site.Ref{Structure: "pit-1", Level: "bench-1"}
)

func runHub(t *testing.T, opts ...Option) (*Hub, context.Context) {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h, ctx
}

func attach(h *Hub, f Filter) *client {
	c := &client{hub: h, send: make(chan []byte, sendBuffer), filter: f}
	h.join <- c
	return c
}

func next(t *testing.T, c *client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var fr Frame
		require.NoError(t, json.Unmarshal(raw, &fr))
		return fr
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return Frame{}
	}
}

func TestFilter_Match(t *testing.T) {
	state := &Frame{Kind: KindLevelState, Location: level3, Score: 40}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero matches all", Filter{}, true},
		{"kind", Filter{Kinds: []Kind{KindAlert}}, false},
		{"structure", Filter{Structures: []string{"decline-a"}}, true},
		{"other structure", Filter{Structures: []string{"pit-1"}}, false},
		{"level", Filter{Levels: []site.Ref{level3}}, true},
		{"structure or level", Filter{Structures: []string{"pit-1"}, Levels: []site.Ref{level3}}, true},
		{"below min score", Filter{MinScore: 71}, false},
		{"at min score", Filter{MinScore: 40}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(state))
		})
	}
}

func TestFilterFromQuery(t *testing.T) {
	f, err := filterFromQuery(url.Values{
		"type":     {"alert"},
		"level":    {"pit-1/bench-1"},
		"minScore": {"71"},
	})
	require.NoError(t, err)
	assert.Equal(t, Filter{Kinds: []Kind{KindAlert}, Levels: []site.Ref{bench1}, MinScore: 71}, f)

	_, err = filterFromQuery(url.Values{"minScore": {"101"}})
	assert.Error(t, err)
	_, err = filterFromQuery(url.Values{"type": {"ticker"}})
	assert.Error(t, err)
}

func TestHub_DeliversMatchingStates(t *testing.T) {
	h, ctx := runHub(t)
	c := attach(h, Filter{Levels: []site.Ref{level3}})

	h.StateChanged(ctx, &risk.State{Location: bench1, Score: 100, Band: risk.BandHigh})
	h.StateChanged(ctx, &risk.State{Location: level3, Score: 40, Band: risk.BandMedium})

	fr := next(t, c)
	assert.Equal(t, KindLevelState, fr.Kind)
	assert.Equal(t, level3, fr.Location)
	assert.Equal(t, 40, fr.Score)
}

func TestHub_JoinReplaysLatestState(t *testing.T) {
	h, ctx := runHub(t)
	first := attach(h, Filter{})

	h.StateChanged(ctx, &risk.State{Location: level3, Score: 20, Band: risk.BandLow})
	h.StateChanged(ctx, &risk.State{Location: level3, Score: 85, Band: risk.BandHigh})
	next(t, first)
	next(t, first)

	late := attach(h, Filter{Structures: []string{"decline-a"}})
	fr := next(t, late)
	assert.Equal(t, 85, fr.Score)
	assert.Empty(t, late.send)
}

func TestHub_AlertChanged(t *testing.T) {
	h, ctx := runHub(t)
	c := attach(h, Filter{Kinds: []Kind{KindAlert}})

	h.AlertChanged(ctx, &alerts.Alert{ID: "alr_1", Location: level3, RiskScoreAtCreation: 40, Status: alerts.StatusActive})

	fr := next(t, c)
	assert.Equal(t, KindAlert, fr.Kind)
	data, _ := json.Marshal(fr.Data)
	assert.Contains(t, string(data), `"alr_1"`)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h, ctx := runHub(t)
	slow := &client{hub: h, send: make(chan []byte)} // unbuffered, never read
	h.join <- slow

	h.StateChanged(ctx, &risk.State{Location: level3, Score: 10})

	require.Eventually(t, func() bool { return h.Stats().Dropped == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Stats().Connected)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestHub_StatsTrackPeak(t *testing.T) {
	h, _ := runHub(t)
	a := attach(h, Filter{})
	attach(h, Filter{})
	h.leave <- a

	require.Eventually(t, func() bool { return h.Stats().Connected == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.Stats().Peak)
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h, ctx := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?minScore=31", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats().Connected == 1 }, time.Second, 10*time.Millisecond)

	h.StateChanged(ctx, &risk.State{Location: bench1, Score: 10, Band: risk.BandLow})
	h.StateChanged(ctx, &risk.State{Location: level3, Score: 40, Band: risk.BandMedium})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var fr Frame
	require.NoError(t, conn.ReadJSON(&fr))
	assert.Equal(t, level3, fr.Location)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	h, _ := runHub(t, WithOrigins([]string{"https://control.example"}))
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	hdr := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hdr.Set("Origin", "https://control.example")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), hdr)
	require.NoError(t, err)
	_ = conn.Close()
}
