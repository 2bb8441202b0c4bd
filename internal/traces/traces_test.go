package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "engine.compute", Location("decline-a/level-3"), CatalogVersion("1.0.0"))
	End(span, errors.New("store unavailable"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "engine.compute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), Location("decline-a/level-3"))
}

func TestAt_FormatsUTC(t *testing.T) {
	kv := At(time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("x", 3600)))
	assert.Equal(t, "2026-03-01T08:00:00Z", kv.Value.AsString())
}
