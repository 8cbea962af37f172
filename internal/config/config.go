package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	StoreMode             string
	DatabaseURL           string
	RedisAddr             string
	CartStorageKey        string
	SnapshotEncryptionKey string
	SnapshotWriteTimeout  time.Duration

	CatalogMode       string
	CatalogBaseURL    string
	CatalogTimeout    time.Duration
	CatalogMaxRetries int
	CatalogRetryBase  time.Duration
	CatalogRetryMax   time.Duration
	CatalogRateLimit  float64
	CatalogRateBurst  int
	MySQLDSN          string

	AdminUsername string
	AdminPassword string
	JWTSecret     string
	TokenTTL      time.Duration

	TelegramBotToken string
	TelegramChatID   string

	WebhookURL        string
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	WebhookRetryBase  time.Duration
	WebhookRetryMax   time.Duration

	NoticeHistory int
}

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	CatalogAPI   = "api"
	CatalogMySQL = "mysql"
)

func Load() Config {
	return Config{
		ListenAddr:            getEnv("LISTEN_ADDR", ":18080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		StoreMode:             strings.ToLower(getEnv("STORE_MODE", StoreMemory)),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		CartStorageKey:        getEnv("CART_STORAGE_KEY", "@RocketShoes:cart"),
		SnapshotEncryptionKey: getEnv("SNAPSHOT_ENCRYPTION_KEY", ""),
		SnapshotWriteTimeout:  getDuration("SNAPSHOT_WRITE_TIMEOUT", 5*time.Second),
		CatalogMode:           strings.ToLower(getEnv("CATALOG_MODE", CatalogAPI)),
		CatalogBaseURL:        getEnv("CATALOG_BASE_URL", "http://localhost:3333"),
		CatalogTimeout:        getDuration("CATALOG_TIMEOUT", 5*time.Second),
		CatalogMaxRetries:     getInt("CATALOG_MAX_RETRIES", 2),
		CatalogRetryBase:      getDuration("CATALOG_RETRY_BASE", 100*time.Millisecond),
		CatalogRetryMax:       getDuration("CATALOG_RETRY_MAX", 2*time.Second),
		CatalogRateLimit:      getFloat("CATALOG_RATE_LIMIT", 20),
		CatalogRateBurst:      getInt("CATALOG_RATE_BURST", 10),
		MySQLDSN:              getEnv("MYSQL_DSN", ""),
		AdminUsername:         getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:         getEnv("ADMIN_PASSWORD", "change-me"),
		JWTSecret:             getEnv("JWT_SECRET", "change-this-secret"),
		TokenTTL:              getDuration("TOKEN_TTL", 12*time.Hour),
		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:        getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:            getEnv("WEBHOOK_URL", ""),
		WebhookTimeout:        getDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookMaxRetries:     getInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryBase:      getDuration("WEBHOOK_RETRY_BASE", 500*time.Millisecond),
		WebhookRetryMax:       getDuration("WEBHOOK_RETRY_MAX", 5*time.Second),
		NoticeHistory:         getInt("NOTICE_HISTORY", 50),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
