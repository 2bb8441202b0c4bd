// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Current-state cache shared between replicas (optional)

	// Site and rules
	SiteConfigPath  string // YAML site layout
	RulesConfigPath string // YAML rule catalog, activated on startup when newer than the stored one

	// Time handling
	ClockSkew          time.Duration // how far into the future a timestamp may be
	ReevaluateInterval time.Duration // sliding-window re-evaluation of every level
	SnapshotInterval   time.Duration
	HistoryTimeout     time.Duration // budget for bulk historical queries before returning partial results

	// Retention (0 = keep indefinitely)
	EventRetention       time.Duration
	MeasurementRetention time.Duration
	SnapshotRetention    time.Duration
	AlertRetention       time.Duration
	RetentionSweep       time.Duration

	// Evaluation
	Workers int

	// Ingestion transports (optional)
	KafkaBrokers           []string
	KafkaGroup             string
	KafkaEventsTopic       string
	KafkaMeasurementsTopic string
	MQTTBroker             string
	MQTTTopic              string
	MQTTClientID           string

	// Snapshot archive (optional)
	ArchiveBucket string
	ArchivePrefix string

	// Security
	AuditHMACSecret   string // signs audit digests when set
	RateLimitRPS      int
	CORSOrigins       []string
	WebhookAllowHosts []string // private-network webhook receivers, e.g. the site pager gateway

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultRateLimit          = 50
	DefaultWorkers            = 8
	DefaultClockSkew          = 2 * time.Minute
	DefaultReevaluateInterval = time.Minute
	DefaultSnapshotInterval   = 15 * time.Minute
	DefaultHistoryTimeout     = 900 * time.Millisecond
	DefaultRetentionSweep     = time.Hour

	// Retention minimums for the persisted layout.
	DefaultEventRetention    = 180 * 24 * time.Hour
	DefaultSnapshotRetention = 90 * 24 * time.Hour

	DefaultKafkaGroup             = "siterisk"
	DefaultKafkaEventsTopic       = "site.events"
	DefaultKafkaMeasurementsTopic = "site.measurements"
	DefaultMQTTTopic              = "site/+/+/+"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		SiteConfigPath:         getEnv("SITE_CONFIG", "config/site.yaml"),
		RulesConfigPath:        getEnv("RULES_CONFIG", "config/rules.yaml"),
		ClockSkew:              getEnvDuration("CLOCK_SKEW", DefaultClockSkew),
		ReevaluateInterval:     getEnvDuration("REEVALUATE_INTERVAL", DefaultReevaluateInterval),
		SnapshotInterval:       getEnvDuration("SNAPSHOT_INTERVAL", DefaultSnapshotInterval),
		HistoryTimeout:         getEnvDuration("HISTORY_TIMEOUT", DefaultHistoryTimeout),
		EventRetention:         getEnvDuration("EVENT_RETENTION", DefaultEventRetention),
		MeasurementRetention:   getEnvDuration("MEASUREMENT_RETENTION", DefaultEventRetention),
		SnapshotRetention:      getEnvDuration("SNAPSHOT_RETENTION", DefaultSnapshotRetention),
		AlertRetention:         getEnvDuration("ALERT_RETENTION", 0),
		RetentionSweep:         getEnvDuration("RETENTION_SWEEP_INTERVAL", DefaultRetentionSweep),
		Workers:                int(getEnvInt64("WORKERS", DefaultWorkers)),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaGroup:             getEnv("KAFKA_GROUP", DefaultKafkaGroup),
		KafkaEventsTopic:       getEnv("KAFKA_EVENTS_TOPIC", DefaultKafkaEventsTopic),
		KafkaMeasurementsTopic: getEnv("KAFKA_MEASUREMENTS_TOPIC", DefaultKafkaMeasurementsTopic),
		MQTTBroker:             os.Getenv("MQTT_BROKER"),
		MQTTTopic:              getEnv("MQTT_TOPIC", DefaultMQTTTopic),
		MQTTClientID:           getEnv("MQTT_CLIENT_ID", "siterisk"),
		ArchiveBucket:          os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:          getEnv("ARCHIVE_PREFIX", "snapshots/"),
		AuditHMACSecret:        os.Getenv("AUDIT_HMAC_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:            getEnvList("CORS_ORIGINS"),
		WebhookAllowHosts:      getEnvList("WEBHOOK_ALLOW_HOSTS"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("TRACE_SAMPLE_RATIO", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SiteConfigPath == "" {
		return fmt.Errorf("SITE_CONFIG is required")
	}
	if c.RulesConfigPath == "" {
		return fmt.Errorf("RULES_CONFIG is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("CLOCK_SKEW must not be negative")
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("SNAPSHOT_INTERVAL must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.HistoryTimeout <= 0 {
		return fmt.Errorf("HISTORY_TIMEOUT must be positive")
	}
	// Snapshots bound replay; pruning them faster than events would leave
	// replayable events without a bootstrap state.
	if c.SnapshotRetention > 0 && c.EventRetention > 0 && c.SnapshotRetention > c.EventRetention {
		return fmt.Errorf("SNAPSHOT_RETENTION (%s) must not exceed EVENT_RETENTION (%s)", c.SnapshotRetention, c.EventRetention)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15m") and a day suffix ("90d").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if strings.HasSuffix(value, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(value, "d")); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
