package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"SNAPSHOT_RETENTION", "EVENT_RETENTION", "ALERT_RETENTION", "WORKERS", "TRACE_SAMPLE_RATIO", "KAFKA_BROKERS"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultClockSkew, cfg.ClockSkew)
	assert.Equal(t, DefaultSnapshotRetention, cfg.SnapshotRetention)
	assert.Equal(t, DefaultEventRetention, cfg.EventRetention)
	assert.Zero(t, cfg.AlertRetention)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Nil(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("EVENT_RETENTION", "365d")
	t.Setenv("SNAPSHOT_RETENTION", "120d")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, ,kafka-2:9092")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("HISTORY_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 365*24*time.Hour, cfg.EventRetention)
	assert.Equal(t, 120*24*time.Hour, cfg.SnapshotRetention)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
	assert.Equal(t, 3*time.Second, cfg.HistoryTimeout)
}

func TestValidate(t *testing.T) {
	base := Config{
		SiteConfigPath:    "site.yaml",
		RulesConfigPath:   "rules.yaml",
		Workers:           4,
		SnapshotInterval:  time.Minute,
		HistoryTimeout:    time.Second,
		EventRetention:    180 * 24 * time.Hour,
		SnapshotRetention: 90 * 24 * time.Hour,
		TraceSampleRatio:  1,
	}

	cases := map[string]struct {
		edit func(*Config)
		want string
	}{
		"ok":                       {func(*Config) {}, ""},
		"site path":                {func(c *Config) { c.SiteConfigPath = "" }, "SITE_CONFIG"},
		"rules path":               {func(c *Config) { c.RulesConfigPath = "" }, "RULES_CONFIG"},
		"zero workers":             {func(c *Config) { c.Workers = 0 }, "WORKERS"},
		"negative skew":            {func(c *Config) { c.ClockSkew = -time.Second }, "CLOCK_SKEW"},
		"zero snapshot interval":   {func(c *Config) { c.SnapshotInterval = 0 }, "SNAPSHOT_INTERVAL"},
		"zero history timeout":     {func(c *Config) { c.HistoryTimeout = 0 }, "HISTORY_TIMEOUT"},
		"sample ratio above one":   {func(c *Config) { c.TraceSampleRatio = 1.5 }, "TRACE_SAMPLE_RATIO"},
		"sample ratio zero":        {func(c *Config) { c.TraceSampleRatio = 0 }, ""},
		"snapshots outlive events": {func(c *Config) { c.SnapshotRetention = 200 * 24 * time.Hour }, "SNAPSHOT_RETENTION"},
		"events kept forever": {func(c *Config) {
			c.EventRetention = 0
			c.SnapshotRetention = 500 * 24 * time.Hour
		}, ""},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			tc.edit(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEnvMode(t *testing.T) {
	dev := Config{Env: "development"}
	prod := Config{Env: "production"}
	assert.True(t, dev.IsDevelopment())
	assert.False(t, dev.IsProduction())
	assert.True(t, prod.IsProduction())
	assert.False(t, prod.IsDevelopment())
}

func TestEnvParsers(t *testing.T) {
	t.Setenv("CFG_DURATION", "15m")
	t.Setenv("CFG_DAYS", "90d")
	t.Setenv("CFG_BAD_DAYS", "xd")
	t.Setenv("CFG_GARBAGE", "soon")
	t.Setenv("CFG_INT", "42")
	t.Setenv("CFG_FLOAT", "0.5")

	assert.Equal(t, 15*time.Minute, getEnvDuration("CFG_DURATION", 0))
	assert.Equal(t, 90*24*time.Hour, getEnvDuration("CFG_DAYS", 0))
	assert.Equal(t, time.Second, getEnvDuration("CFG_BAD_DAYS", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("CFG_GARBAGE", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("CFG_UNSET", time.Second))

	assert.Equal(t, int64(42), getEnvInt64("CFG_INT", 0))
	assert.Equal(t, int64(7), getEnvInt64("CFG_GARBAGE", 7))
	assert.Equal(t, 0.5, getEnvFloat("CFG_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("CFG_GARBAGE", 1))

	assert.Nil(t, getEnvList("CFG_UNSET"))
}
