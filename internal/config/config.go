package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"

	pkgconfig "github.com/tradefresh/quote-engine/pkg/config"
)

// Config holds the runtime configuration for a quote-engine instance.
type Config struct {
	ServiceName string // e.g. "quote-engine"
	Env         string // "dev", "uat", "prod"
	LogLevel    string

	Port             int // HTTP API and metrics
	StreamPort       int // websocket gateway
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int
	ShutdownTimeout  time.Duration

	// Store. An empty DatabaseURL runs on the in-memory store.
	DatabaseURL         string
	PGMaxConns          int
	PGMinConns          int
	PGMaxConnLifetime   time.Duration
	PGMaxConnIdleTime   time.Duration
	PGHealthCheckPeriod time.Duration
	QuoteCacheTTL       time.Duration

	// Empty addresses disable the integration.
	RedisAddr   string
	RedisDB     int
	RedisPass   string
	NATSURL     string
	RabbitMQURL string

	AWSRegion      string
	SecretsBackend string // "aws" or "env"
	CacheTTL       time.Duration
	CleanupFreq    time.Duration

	AcceptanceWindow time.Duration
	MatchingWindow   time.Duration

	SchedulerMaxAttempts int
	ReconcileInterval    time.Duration
	ReconcileBatch       int

	DispatcherWorkers    int
	DispatcherQueueSize  int
	AttemptTimeout       time.Duration
	NotifyRatePerMinute  int
	NotifyBurst          int
	DedupeTTL            time.Duration
	TemplatePath         string
	PreferencesPath      string
	RequireInAppListener bool
	// Channels backed by an HTTP gateway; the rest are logged.
	GatewayChannels []string
	GatewayRPS      float64
	GatewayBurst    int
	GatewayRetryMax int
	GatewayTimeout  time.Duration

	VendorIDs      []string
	VendorProducts map[string][]string
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName:      pkgconfig.GetEnv("SERVICE_NAME", "quote-engine"),
		Env:              pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:         pkgconfig.GetEnv("LOG_LEVEL", "info"),
		Port:             pkgconfig.GetEnvInt("PORT", 9020),
		StreamPort:       pkgconfig.GetEnvInt("STREAM_PORT", 9021),
		HTTPReadTimeout:  pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:  pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    pkgconfig.GetEnvInt("HTTP_BODY_LIMIT", 1*1024*1024),
		ShutdownTimeout:  pkgconfig.GetEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		DatabaseURL:         pkgconfig.GetEnv("DATABASE_URL", ""),
		PGMaxConns:          pkgconfig.GetEnvInt("PG_MAX_CONNS", 10),
		PGMinConns:          pkgconfig.GetEnvInt("PG_MIN_CONNS", 2),
		PGMaxConnLifetime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_LIFETIME", 30*time.Minute),
		PGMaxConnIdleTime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_IDLE_TIME", 5*time.Minute),
		PGHealthCheckPeriod: pkgconfig.GetEnvDuration("PG_HEALTH_CHECK_PERIOD", 1*time.Minute),
		QuoteCacheTTL:       pkgconfig.GetEnvDuration("QUOTE_CACHE_TTL", 30*time.Second),

		RedisAddr:   pkgconfig.GetEnv("REDIS_ADDR", ""),
		RedisDB:     pkgconfig.GetEnvInt("REDIS_DB", 0),
		RedisPass:   pkgconfig.GetEnv("REDIS_PASS", ""),
		NATSURL:     pkgconfig.GetEnv("NATS_URL", ""),
		RabbitMQURL: pkgconfig.GetEnv("RABBITMQ_URL", ""),

		AWSRegion:      pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		SecretsBackend: pkgconfig.GetEnv("SECRETS_BACKEND", "env"),
		CacheTTL:       pkgconfig.GetEnvDuration("CACHE_TTL", 1*time.Hour),
		CleanupFreq:    pkgconfig.GetEnvDuration("CACHE_CLEANUP_FREQ", 10*time.Minute),

		AcceptanceWindow: pkgconfig.GetEnvDuration("ACCEPTANCE_WINDOW", 30*time.Minute),
		MatchingWindow:   pkgconfig.GetEnvDuration("MATCHING_WINDOW", 30*time.Minute),

		SchedulerMaxAttempts: pkgconfig.GetEnvInt("SCHEDULER_MAX_ATTEMPTS", 3),
		ReconcileInterval:    pkgconfig.GetEnvDuration("RECONCILE_INTERVAL", 1*time.Minute),
		ReconcileBatch:       pkgconfig.GetEnvInt("RECONCILE_BATCH", 500),

		DispatcherWorkers:    pkgconfig.GetEnvInt("DISPATCHER_WORKERS", 4),
		DispatcherQueueSize:  pkgconfig.GetEnvInt("DISPATCHER_QUEUE_SIZE", 1024),
		AttemptTimeout:       pkgconfig.GetEnvDuration("NOTIFY_ATTEMPT_TIMEOUT", 5*time.Second),
		NotifyRatePerMinute:  pkgconfig.GetEnvInt("NOTIFY_RATE_PER_MINUTE", 6),
		NotifyBurst:          pkgconfig.GetEnvInt("NOTIFY_BURST", 3),
		DedupeTTL:            pkgconfig.GetEnvDuration("NOTIFY_DEDUPE_TTL", 24*time.Hour),
		TemplatePath:         pkgconfig.GetEnv("NOTIFY_TEMPLATE_PATH", ""),
		PreferencesPath:      pkgconfig.GetEnv("NOTIFY_PREFERENCES_FILE", ""),
		RequireInAppListener: pkgconfig.GetEnvBool("NOTIFY_INAPP_REQUIRE_LISTENER", false),
		GatewayChannels:      pkgconfig.GetEnvList("NOTIFY_GATEWAY_CHANNELS", nil),
		GatewayRPS:           pkgconfig.GetEnvFloat("NOTIFY_GATEWAY_RPS", 20),
		GatewayBurst:         pkgconfig.GetEnvInt("NOTIFY_GATEWAY_BURST", 5),
		GatewayRetryMax:      pkgconfig.GetEnvInt("NOTIFY_GATEWAY_RETRY_MAX", 2),
		GatewayTimeout:       pkgconfig.GetEnvDuration("NOTIFY_GATEWAY_TIMEOUT", 4*time.Second),

		VendorIDs:      pkgconfig.GetEnvList("VENDOR_IDS", nil),
		VendorProducts: ParseVendorProducts(pkgconfig.GetEnv("VENDOR_PRODUCTS", "")),
	}
}

// ParseVendorProducts reads "tomatoes=v1|v2;basil=v3" into product -> vendors.
func ParseVendorProducts(s string) map[string][]string {
	out := map[string][]string{}
	for _, entry := range strings.Split(s, ";") {
		product, vendors, ok := strings.Cut(entry, "=")
		product = strings.TrimSpace(product)
		if !ok || product == "" {
			continue
		}
		for _, v := range strings.Split(vendors, "|") {
			if v = strings.TrimSpace(v); v != "" {
				out[product] = append(out[product], v)
			}
		}
	}
	return out
}
