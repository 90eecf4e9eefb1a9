package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "owlrd", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)

	assert.Equal(t, 8, cfg.Engine.Lanes)
	assert.Equal(t, 5*time.Second, cfg.Engine.SweepInterval)

	assert.Equal(t, 10*time.Second, cfg.Status.StaleAfter)
	assert.Equal(t, 120*time.Second, cfg.Status.OfflineAfter)
	assert.Equal(t, 14.0, cfg.Status.MinSNRUWB)
	assert.Equal(t, -65.0, cfg.Status.MinRSSIBLE)
	assert.Equal(t, -70.0, cfg.Status.MinRSSIRTT)

	assert.Equal(t, 15.0, cfg.Alarm.LowBatteryWarnPct)
	assert.Equal(t, 5.0, cfg.Alarm.LowBatteryCriticalPct)
	assert.Equal(t, 5.0, cfg.Alarm.PacketLossPct)
	assert.Equal(t, 300.0, cfg.Alarm.LatencySLAMs)

	assert.Equal(t, 90*24*time.Hour, cfg.Track.Retention)
	assert.Equal(t, "0 3 * * *", cfg.Track.PurgeSpec)
	assert.Equal(t, 24*time.Hour, cfg.Health.AccuracyWindow)

	assert.Equal(t, "rtls/+/position", cfg.Ingest.TopicPosition)
	assert.Equal(t, "rtls:ingest:stream", cfg.Ingest.Stream)
	assert.Equal(t, 30*time.Second, cfg.Geofence.ReloadInterval)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DB_HOST", "test-host")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_ADDR", "test-redis:6380")
	t.Setenv("MQTT_QOS", "0")
	t.Setenv("ENGINE_LANES", "16")
	t.Setenv("STATUS_OFFLINE_AFTER", "90s")
	t.Setenv("TRACK_RETENTION", "3600")
	t.Setenv("ALARM_LATENCY_SLA_MS", "250.5")
	t.Setenv("INGEST_STREAM_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
	assert.Equal(t, 16, cfg.Engine.Lanes)
	assert.Equal(t, 90*time.Second, cfg.Status.OfflineAfter)
	assert.Equal(t, time.Hour, cfg.Track.Retention)
	assert.Equal(t, 250.5, cfg.Alarm.LatencySLAMs)
	assert.True(t, cfg.Ingest.StreamEnabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ENGINE_LANES", "many")
	t.Setenv("ENGINE_SWEEP_INTERVAL", "soon")
	t.Setenv("CACHE_ENABLED", "maybe")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.Lanes)
	assert.Equal(t, 5*time.Second, cfg.Engine.SweepInterval)
	assert.True(t, cfg.Cache.Enabled)
}
