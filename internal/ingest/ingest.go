// Package ingest feeds broker messages into the engine.
//
// Kafka carries JSON events and measurements on separate topics. MQTT carries
// single sensor readings whose level and sensor type come from the topic
// (site/<structure>/<level>/<sensor>). Both brokers deliver at least once;
// redeliveries are absorbed by the idempotent input store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/retry"
	"github.com/mbd888/siterisk/internal/temporal"
)

var ErrMalformed = errors.New("ingest: malformed message")

// Kind names the payload a topic carries.
type Kind string

const (
	KindEvent       Kind = "event"
	KindMeasurement Kind = "measurement"
)

const (
	resultAccepted  = "accepted"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

// sink hands decoded inputs to the engine. Transient failures are retried;
// malformed, invalid and conflicting inputs are dropped since redelivering
// them can never succeed.
type sink struct {
	ingester  temporal.Ingester
	policy    retry.Policy
	transport string
}

func newSink(ing temporal.Ingester, transport string) *sink {
	return &sink{ingester: ing, policy: retry.Default, transport: transport}
}

// apply decodes payload as kind and ingests it. A non-nil error means the
// message must be redelivered.
func (s *sink) apply(ctx context.Context, kind Kind, payload []byte) error {
	switch kind {
	case KindEvent:
		var ev temporal.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return s.reject(ctx, kind, fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		return s.run(ctx, kind, func() (temporal.IngestResult, error) {
			return s.ingester.IngestEvent(ctx, &ev)
		})
	case KindMeasurement:
		var m temporal.Measurement
		if err := json.Unmarshal(payload, &m); err != nil {
			return s.reject(ctx, kind, fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		return s.measurement(ctx, &m)
	}
	return s.reject(ctx, kind, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind))
}

func (s *sink) measurement(ctx context.Context, m *temporal.Measurement) error {
	return s.run(ctx, KindMeasurement, func() (temporal.IngestResult, error) {
		return s.ingester.IngestMeasurement(ctx, m)
	})
}

func (s *sink) run(ctx context.Context, kind Kind, ingest func() (temporal.IngestResult, error)) error {
	var res temporal.IngestResult
	err := s.policy.Do(ctx, func() error {
		var err error
		res, err = ingest()
		if final(err) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		result := resultAccepted
		if !res.Inserted {
			result = resultDuplicate
		}
		metrics.IngestMessagesTotal.WithLabelValues(s.transport, result).Inc()
		if res.Late {
			logging.L(ctx).Info("late input ingested",
				"transport", s.transport, "id", res.ID, "recomputed", res.Recomputed)
		}
		return nil
	case final(err):
		return s.reject(ctx, kind, err)
	default:
		metrics.IngestMessagesTotal.WithLabelValues(s.transport, resultFailed).Inc()
		return fmt.Errorf("ingest: %s %s: %w", s.transport, kind, err)
	}
}

func (s *sink) reject(ctx context.Context, kind Kind, err error) error {
	metrics.IngestMessagesTotal.WithLabelValues(s.transport, resultRejected).Inc()
	logging.L(ctx).Warn("dropping message", "transport", s.transport, "kind", string(kind), "error", err)
	return nil
}

// final reports errors that no redelivery can fix.
func final(err error) bool {
	return errors.Is(err, temporal.ErrValidation) || errors.Is(err, temporal.ErrConflictingRecord)
}
