package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPAddr        string
	MaxWebhookBytes int64

	// Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis (empty address disables it)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Fan-out
	FanoutMode           string
	FanoutChannel        string
	SubscriberBuffer     int
	SubscriberSendWaitMS int
	WSReadPerSecond      int

	// Pipeline channels
	LocationChannelSize int
	NotifyChannelSize   int
	AlertChannelSize    int

	// Worker counts
	StateWriterWorkers int
	NotifyWorkers      int
	AlertWorkers       int

	StateFlushIntervalMS int
	SpeedAlertKph        float64

	// Auth
	WebhookSecret            string
	JWTSecret                string
	PrincipalCacheTTLSeconds int
	AuthCacheTTLSeconds      int
	ValidAPIKeys             []string

	// Upstream provider
	UpstreamBaseURL        string
	UpstreamTokenURL       string
	UpstreamClientID       string
	UpstreamClientSecret   string
	UpstreamRedirectURI    string
	UpstreamTimeoutSeconds int

	// Logging
	LogLevel  string
	LogPretty bool
}

const (
	FanoutLocal = "local"
	FanoutRedis = "redis"
)

func Load() *Config {
	return &Config{
		HTTPAddr:                 getEnv("HTTP_ADDR", ":8001"),
		MaxWebhookBytes:          int64(getEnvInt("MAX_WEBHOOK_BYTES", 1<<20)),
		DBHost:                   getEnv("DB_HOST", "localhost"),
		DBPort:                   getEnv("DB_PORT", "5432"),
		DBUser:                   getEnv("DB_USER", "fleet_user"),
		DBPassword:               getEnv("DB_PASSWORD", "fleet_password"),
		DBName:                   getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:               int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:                getEnv("REDIS_ADDR", ""),
		RedisPassword:            getEnv("REDIS_PASSWORD", ""),
		RedisDB:                  getEnvInt("REDIS_DB", 0),
		FanoutMode:               strings.ToLower(getEnv("FANOUT_MODE", FanoutLocal)),
		FanoutChannel:            getEnv("FANOUT_CHANNEL", "telemetry:fanout"),
		SubscriberBuffer:         getEnvInt("SUBSCRIBER_BUFFER", 64),
		SubscriberSendWaitMS:     getEnvInt("SUBSCRIBER_SEND_WAIT_MS", 250),
		WSReadPerSecond:          getEnvInt("WS_READ_LIMIT_PER_SEC", 10),
		LocationChannelSize:      getEnvInt("LOCATION_CHANNEL_SIZE", 50000),
		NotifyChannelSize:        getEnvInt("NOTIFY_CHANNEL_SIZE", 10000),
		AlertChannelSize:         getEnvInt("ALERT_CHANNEL_SIZE", 10000),
		StateWriterWorkers:       getEnvInt("STATE_WRITER_WORKERS", 5),
		NotifyWorkers:            getEnvInt("NOTIFY_WORKERS", 3),
		AlertWorkers:             getEnvInt("ALERT_WORKERS", 2),
		StateFlushIntervalMS:     getEnvInt("STATE_FLUSH_INTERVAL_MS", 50),
		SpeedAlertKph:            getEnvFloat("SPEED_ALERT_KPH", 120),
		WebhookSecret:            getEnv("WEBHOOK_SECRET", ""),
		JWTSecret:                getEnv("JWT_SECRET", ""),
		PrincipalCacheTTLSeconds: getEnvInt("PRINCIPAL_CACHE_TTL_SECONDS", 60),
		AuthCacheTTLSeconds:      getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:             splitList(getEnv("VALID_API_KEYS", "")),
		UpstreamBaseURL:          getEnv("UPSTREAM_BASE_URL", "https://api.bouncie.dev/v1"),
		UpstreamTokenURL:         getEnv("UPSTREAM_TOKEN_URL", "https://auth.bouncie.com/oauth/token"),
		UpstreamClientID:         getEnv("UPSTREAM_CLIENT_ID", ""),
		UpstreamClientSecret:     getEnv("UPSTREAM_CLIENT_SECRET", ""),
		UpstreamRedirectURI:      getEnv("UPSTREAM_REDIRECT_URI", ""),
		UpstreamTimeoutSeconds:   getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 10),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogPretty:                getEnvBool("LOG_PRETTY", false),
	}
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBMaxConns,
	)
}

func (c *Config) StateFlushInterval() time.Duration {
	return time.Duration(c.StateFlushIntervalMS) * time.Millisecond
}

func (c *Config) SubscriberSendWait() time.Duration {
	return time.Duration(c.SubscriberSendWaitMS) * time.Millisecond
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
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

func getEnvFloat(key string, fallback float64) float64 {
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

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
