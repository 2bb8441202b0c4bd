package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/siterisk/internal/alerts"
	"github.com/mbd888/siterisk/internal/circuitbreaker"
	"github.com/mbd888/siterisk/internal/idgen"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/retry"
	"github.com/mbd888/siterisk/internal/security"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Siterisk-Signature"

const (
	maxAttempts = 3
	baseDelay   = 500 * time.Millisecond

	// Subscriptions failing this many deliveries in a row are deactivated.
	maxConsecutiveFailures = 20
)

var errBreakerOpen = errors.New("webhooks: endpoint circuit open")

// Dispatcher sends webhook events. It implements alerts.Notifier; deliveries
// run in the background so alert transitions never wait on a receiver.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	urlValidator func(string) error
	now          func() time.Time
	wg           sync.WaitGroup
}

var _ alerts.Notifier = (*Dispatcher)(nil)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEndpointPolicy replaces the default public-only target check.
func WithEndpointPolicy(p security.EndpointPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.urlValidator = p.Validate }
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:      circuitbreaker.New("webhooks", 5, time.Minute),
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// AlertChanged announces an alert transition to every matching subscription.
func (d *Dispatcher) AlertChanged(ctx context.Context, a *alerts.Alert) {
	typ, ok := eventFor(a.Status)
	if !ok {
		return
	}
	cp := *a
	if err := d.Dispatch(ctx, &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Timestamp: d.now().UTC(),
		Alert:     &cp,
	}); err != nil {
		d.logger.Warn("webhook dispatch failed", "event", typ, "alert", a.ID, "error", err)
	}
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			// Detached: the triggering request may finish before delivery does.
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			d.deliver(sendCtx, sub, event, payload)
		}()
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	if !d.breaker.Allow(sub.ID) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		d.recordFailure(ctx, sub, errBreakerOpen)
		return
	}
	err := retry.Do(ctx, maxAttempts, baseDelay, func() error {
		return d.send(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, err)
		return
	}
	d.breaker.RecordSuccess(sub.ID)
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	now := d.now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Siterisk-Event", string(event.Type))
	req.Header.Set("X-Siterisk-Delivery", event.ID)
	req.Header.Set("X-Siterisk-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, err error) {
	sub.LastError = err.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"subscription", sub.ID, "failures", sub.ConsecutiveFailures)
	}
	if uerr := d.store.Update(ctx, sub); uerr != nil {
		d.logger.Warn("webhook status update failed", "subscription", sub.ID, "error", uerr)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
