package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUERY_KEY_SCOPE", "")
	cfg := Load()
	assert.Equal(t, "global", cfg.QueryKeyScope)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Hour, cfg.DQISweepInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SWEEP_CONCURRENCY", "8")
	t.Setenv("DQI_SWEEP_INTERVAL", "15m")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.Equal(t, 15*time.Minute, cfg.DQISweepInterval)
	assert.Equal(t, 0, cfg.RedisDB)
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("SCHEDULER_ENABLED", "false")
	assert.False(t, Load().SchedulerEnabled)

	t.Setenv("SCHEDULER_ENABLED", "maybe")
	assert.True(t, Load().SchedulerEnabled)
}
