package config

import (
	"os"
	"strconv"
	"time"

	"wisefido-rtls/common/config"
)

// Config RTLS 引擎服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 引擎配置
	Engine struct {
		Lanes         int           // 分片 worker 数，默认 8
		LaneQueueSize int           // 每个 lane 的队列长度，默认 1024
		SweepInterval time.Duration // 状态巡检间隔，默认 5s
	}

	// 设备状态判定阈值
	Status struct {
		StaleAfter   time.Duration // 超过该时长未上报视为 degraded，默认 10s
		OfflineAfter time.Duration // 超过该时长未上报视为 offline，默认 120s
		MinSNRUWB    float64       // UWB SNR 下限（dB），默认 14
		MinRSSIBLE   float64       // BLE RSSI 下限（dBm），默认 -65
		MinRSSIRTT   float64       // WiFi RTT RSSI 下限（dBm），默认 -70
	}

	// 报警阈值
	Alarm struct {
		LowBatteryWarnPct     float64 // 默认 15
		LowBatteryCriticalPct float64 // 默认 5
		PacketLossPct         float64 // 默认 5
		LatencySLAMs          float64 // 默认 300
	}

	// 轨迹保留
	Track struct {
		Retention time.Duration // 默认 90 天
		PurgeSpec string        // cron 表达式，默认 "0 3 * * *"
	}

	// 精度与健康统计窗口
	Health struct {
		AccuracyWindow time.Duration // 默认 24h
	}

	// 接入
	Ingest struct {
		MQTTEnabled    bool
		TopicTelemetry string // 如 "rtls/+/telemetry"
		TopicPosition  string // 如 "rtls/+/position"
		TopicPipeline  string // 如 "rtls/pipeline/health"
		TopicAccuracy  string // 如 "rtls/accuracy"

		StreamEnabled bool
		Stream        string // Redis Stream 名称
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
	}

	// 围栏配置热加载
	Geofence struct {
		ReloadInterval time.Duration // 默认 30s
	}

	// 持久化日志（事件溯源）
	Journal struct {
		Enabled       bool
		BatchSize     int           // 默认 200
		FlushInterval time.Duration // 默认 1s
	}

	// Redis 读模型缓存
	Cache struct {
		Enabled   bool
		KeyPrefix string        // 如 "rtls:entity:"
		TTL       time.Duration // 默认 5 分钟
	}

	// 报警通知 Webhook
	Notify struct {
		WebhookURL string
		Timeout    time.Duration
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:  "disable",
		MaxConns: 10,
		MaxIdle:  5,
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = config.RedisConfig{Addr: "localhost:6379"}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "wisefido-rtls",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Engine.Lanes = getEnvInt("ENGINE_LANES", 8)
	cfg.Engine.LaneQueueSize = getEnvInt("ENGINE_LANE_QUEUE", 1024)
	cfg.Engine.SweepInterval = getEnvDuration("ENGINE_SWEEP_INTERVAL", 5*time.Second)

	cfg.Status.StaleAfter = getEnvDuration("STATUS_STALE_AFTER", 10*time.Second)
	cfg.Status.OfflineAfter = getEnvDuration("STATUS_OFFLINE_AFTER", 120*time.Second)
	cfg.Status.MinSNRUWB = getEnvFloat("STATUS_MIN_SNR_UWB", 14)
	cfg.Status.MinRSSIBLE = getEnvFloat("STATUS_MIN_RSSI_BLE", -65)
	cfg.Status.MinRSSIRTT = getEnvFloat("STATUS_MIN_RSSI_RTT", -70)

	cfg.Alarm.LowBatteryWarnPct = getEnvFloat("ALARM_LOW_BATTERY_WARN_PCT", 15)
	cfg.Alarm.LowBatteryCriticalPct = getEnvFloat("ALARM_LOW_BATTERY_CRITICAL_PCT", 5)
	cfg.Alarm.PacketLossPct = getEnvFloat("ALARM_PACKET_LOSS_PCT", 5)
	cfg.Alarm.LatencySLAMs = getEnvFloat("ALARM_LATENCY_SLA_MS", 300)

	cfg.Track.Retention = getEnvDuration("TRACK_RETENTION", 90*24*time.Hour)
	cfg.Track.PurgeSpec = getEnv("TRACK_PURGE_SPEC", "0 3 * * *")

	cfg.Health.AccuracyWindow = getEnvDuration("HEALTH_ACCURACY_WINDOW", 24*time.Hour)

	cfg.Ingest.MQTTEnabled = getEnvBool("INGEST_MQTT_ENABLED", true)
	cfg.Ingest.TopicTelemetry = getEnv("INGEST_TOPIC_TELEMETRY", "rtls/+/telemetry")
	cfg.Ingest.TopicPosition = getEnv("INGEST_TOPIC_POSITION", "rtls/+/position")
	cfg.Ingest.TopicPipeline = getEnv("INGEST_TOPIC_PIPELINE", "rtls/pipeline/health")
	cfg.Ingest.TopicAccuracy = getEnv("INGEST_TOPIC_ACCURACY", "rtls/accuracy")
	cfg.Ingest.StreamEnabled = getEnvBool("INGEST_STREAM_ENABLED", false)
	cfg.Ingest.Stream = getEnv("INGEST_STREAM", "rtls:ingest:stream")
	cfg.Ingest.ConsumerGroup = getEnv("INGEST_CONSUMER_GROUP", "wisefido-rtls")
	cfg.Ingest.ConsumerName = getEnv("INGEST_CONSUMER_NAME", "wisefido-rtls-1")
	cfg.Ingest.BatchSize = int64(getEnvInt("INGEST_BATCH_SIZE", 100))

	cfg.Geofence.ReloadInterval = getEnvDuration("GEOFENCE_RELOAD_INTERVAL", 30*time.Second)

	cfg.Journal.Enabled = getEnvBool("JOURNAL_ENABLED", true)
	cfg.Journal.BatchSize = getEnvInt("JOURNAL_BATCH_SIZE", 200)
	cfg.Journal.FlushInterval = getEnvDuration("JOURNAL_FLUSH_INTERVAL", time.Second)

	cfg.Cache.Enabled = getEnvBool("CACHE_ENABLED", true)
	cfg.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", "rtls:entity:")
	cfg.Cache.TTL = getEnvDuration("CACHE_TTL", 5*time.Minute)

	cfg.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")
	cfg.Notify.Timeout = getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration 支持 "90s" 形式，也接受纯数字（秒）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
