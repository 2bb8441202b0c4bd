// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siterisk"

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// Ingestion and evaluation.
var (
	InputsTotal = counterVec("inputs_total",
		"Ingested inputs by kind and result (inserted, duplicate, late, rejected).", "kind", "result")
	IngestMessagesTotal = counterVec("ingest_messages_total",
		"Broker messages consumed by transport and result.", "transport", "result")
	EvaluationsTotal = counterVec("evaluations_total",
		"Risk state computations by reason and resulting band.", "reason", "band")
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Time to evaluate, record and publish one level state.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
	})
	DataGapsTotal = counterVec("data_gaps_total",
		"Rules that fired as uncertain because sensor data was missing, by sensor type.", "sensor")
	LevelScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "level_score",
		Help:      "Current risk score per level.",
	}, []string{"location"})
	QueueDepth = gauge("evaluation_queue_depth", "Evaluations waiting for a worker.")
)

// History and audit.
var (
	ReplayDivergencesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replay_divergences_total",
		Help:      "Historical recomputations that diverged from the stored audit record.",
	})
	ReplayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "replay_duration_seconds",
		Help:      "Historical reconstruction duration by operation.",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5, 10},
	}, []string{"op"})
	RetentionPrunedTotal = counterVec("retention_pruned_total", "Rows pruned by the retention sweep, by kind.", "kind")
)

// Alerting and delivery.
var (
	AlertTransitionsTotal  = counterVec("alert_transitions_total", "Alert transitions by target status and actor.", "status", "actor")
	WebhookDeliveriesTotal = counterVec("webhook_deliveries_total", "Webhook deliveries by result.", "result")
	ActiveWebSocketClients = gauge("active_websocket_clients", "Connected WebSocket clients.")
)

// HTTP.
var (
	HTTPRequestsTotal = counterVec("http_requests_total",
		"HTTP requests by method, route and status class.", "method", "route", "status")
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(
		InputsTotal, IngestMessagesTotal, EvaluationsTotal, EvaluationDuration,
		DataGapsTotal, LevelScore, QueueDepth,
		ReplayDivergencesTotal, ReplayDuration, RetentionPrunedTotal,
		AlertTransitionsTotal, WebhookDeliveriesTotal, ActiveWebSocketClients,
		HTTPRequestsTotal, HTTPRequestDuration,
	)
}

// RegisterDB exports connection pool statistics for db. Registering the
// same pool twice is a no-op.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern.
// Requests that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
