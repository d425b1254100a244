package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers     []string
	KafkaGroupID     string
	KafkaUploadTopic string
	KafkaEventsTopic string

	// Quality rules
	QualityRulesFile string
	QueryKeyScope    string

	// Uploads
	UploadDir string

	// Scheduler
	SchedulerEnabled         bool
	DQISweepInterval         time.Duration
	QueryAgeRefreshInterval  time.Duration
	MissingVisitScanInterval time.Duration
	SweepConcurrency         int
	SweepLockTTL             time.Duration

	// Metrics cache
	MetricsCacheTTL time.Duration

	// Alert webhook
	AlertWebhookURL          string
	AlertWebhookTokenURL     string
	AlertWebhookClientID     string
	AlertWebhookClientSecret string
	AlertWebhookTimeout      time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 120*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 32*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "trialquality"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "trialquality"),
		PostgresDB:       getEnv("POSTGRES_DB", "trialquality"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "trialquality"),
		KafkaUploadTopic: getEnv("KAFKA_UPLOAD_TOPIC", "trial-extracts"),
		KafkaEventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "trial-quality-events"),

		QualityRulesFile: getEnv("QUALITY_RULES_FILE", ""),
		QueryKeyScope:    getEnv("QUERY_KEY_SCOPE", "global"),

		UploadDir: getEnv("UPLOAD_DIR", "/var/lib/trialquality/uploads"),

		SchedulerEnabled:         getBoolEnv("SCHEDULER_ENABLED", true),
		DQISweepInterval:         getDuration("DQI_SWEEP_INTERVAL", time.Hour),
		QueryAgeRefreshInterval:  getDuration("QUERY_AGE_REFRESH_INTERVAL", 24*time.Hour),
		MissingVisitScanInterval: getDuration("MISSING_VISIT_SCAN_INTERVAL", 6*time.Hour),
		SweepConcurrency:         getIntEnv("SWEEP_CONCURRENCY", 4),
		SweepLockTTL:             getDuration("SWEEP_LOCK_TTL", 30*time.Minute),

		MetricsCacheTTL: getDuration("METRICS_CACHE_TTL", 15*time.Minute),

		AlertWebhookURL:          getEnv("ALERT_WEBHOOK_URL", ""),
		AlertWebhookTokenURL:     getEnv("ALERT_WEBHOOK_TOKEN_URL", ""),
		AlertWebhookClientID:     getEnv("ALERT_WEBHOOK_CLIENT_ID", ""),
		AlertWebhookClientSecret: getEnv("ALERT_WEBHOOK_CLIENT_SECRET", ""),
		AlertWebhookTimeout:      getDuration("ALERT_WEBHOOK_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
