package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/middleware"
	"github.com/platinummonkey/tollbooth/pkg/objectstore"
	"github.com/platinummonkey/tollbooth/pkg/registry"
	"github.com/platinummonkey/tollbooth/pkg/rollover"
	"github.com/platinummonkey/tollbooth/pkg/storage"
	"github.com/sirupsen/logrus"
)

const envPrefix = "TOLLBOOTH_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Cache         CacheConfig
	ObjectStore   ObjectStoreConfig
	Billing       BillingConfig
	ClickHouse    ClickHouseConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// CacheConfig controls the registry read-through cache
type CacheConfig struct {
	Enabled  bool
	Registry registry.CacheConfig
}

// ObjectStoreConfig selects where package payloads live
type ObjectStoreConfig struct {
	Type        string
	S3          objectstore.S3Config
	LocalRoot   string
	LocalURL    string
	LocalSecret string
	DownloadTTL time.Duration
}

// BillingConfig holds plan, pricing and subscription settings
type BillingConfig struct {
	PlanCatalogPath  string
	PricingPath      string
	WebhookSecret    string
	RolloverSchedule string
	Rollover         rollover.Config
}

// ClickHouseConfig enables the ledger analytics sink when Addr is set
type ClickHouseConfig struct {
	ledger.ClickHouseConfig
}

// Enabled reports whether a ClickHouse address was configured
func (c ClickHouseConfig) Enabled() bool {
	return c.Addr != ""
}

// RateLimitConfig limits per-subscriber checkout and usage writes. Limits are
// shared through Redis when a Redis URL is configured.
type RateLimitConfig struct {
	Enabled bool
	middleware.Config
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Cache:         loadCacheConfig(),
		ObjectStore:   loadObjectStoreConfig(),
		Billing:       loadBillingConfig(),
		ClickHouse:    loadClickHouseConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8080"),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Type = getEnv("STORAGE_TYPE", cfg.Type)

	cfg.PostgresURL = getEnv("POSTGRES_URL", cfg.PostgresURL)
	if maxConns := getEnvInt("POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if maxRetries := getEnvInt("REDIS_MAX_RETRIES", 0); maxRetries > 0 {
		cfg.RedisMaxRetries = maxRetries
	}
	if poolSize := getEnvInt("REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	return cfg
}

func loadCacheConfig() CacheConfig {
	cfg := CacheConfig{
		Enabled:  getEnvBool("CACHE_ENABLED", true),
		Registry: registry.DefaultCacheConfig(),
	}
	if maxEntries := getEnvInt("L1_CACHE_SIZE", 0); maxEntries > 0 {
		cfg.Registry.MaxEntries = maxEntries
	}
	cfg.Registry.L1TTL = getEnvDuration("L1_CACHE_TTL", cfg.Registry.L1TTL)
	cfg.Registry.L2TTL = getEnvDuration("L2_CACHE_TTL", cfg.Registry.L2TTL)
	return cfg
}

func loadObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		Type: getEnv("OBJECTSTORE_TYPE", "local"),
		S3: objectstore.S3Config{
			Endpoint:     getEnv("S3_ENDPOINT", ""),
			Region:       getEnv("S3_REGION", "us-east-1"),
			Bucket:       getEnv("S3_BUCKET", ""),
			AccessKey:    getEnv("S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", false),
		},
		LocalRoot:   getEnv("LOCAL_ROOT", "./data/payloads"),
		LocalURL:    getEnv("LOCAL_URL", "http://localhost:8080/downloads"),
		LocalSecret: getEnv("LOCAL_SECRET", ""),
		DownloadTTL: getEnvDuration("DOWNLOAD_TTL", objectstore.DefaultDownloadTTL),
	}
}

func loadBillingConfig() BillingConfig {
	cfg := BillingConfig{
		PlanCatalogPath:  getEnv("PLAN_CATALOG", "./plans.yaml"),
		PricingPath:      getEnv("PRICING_TABLE", ""),
		WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),
		RolloverSchedule: getEnv("ROLLOVER_SCHEDULE", rollover.DefaultSchedule),
		Rollover:         rollover.DefaultConfig(),
	}
	if batch := getEnvInt("ROLLOVER_BATCH_SIZE", 0); batch > 0 {
		cfg.Rollover.BatchSize = batch
	}
	if workers := getEnvInt("ROLLOVER_WORKERS", 0); workers > 0 {
		cfg.Rollover.Workers = workers
	}
	return cfg
}

func loadClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{ledger.ClickHouseConfig{
		Addr:     getEnv("CLICKHOUSE_ADDR", ""),
		Database: getEnv("CLICKHOUSE_DATABASE", "tollbooth"),
		Username: getEnv("CLICKHOUSE_USERNAME", "default"),
		Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		Debug:    getEnvBool("CLICKHOUSE_DEBUG", false),
	}}
}

func loadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled: getEnvBool("RATE_LIMIT_ENABLED", false),
		Config:  middleware.DefaultConfig(),
	}
	if rpw := getEnvInt("RATE_LIMIT_REQUESTS", 0); rpw > 0 {
		cfg.RequestsPerWindow = rpw
	}
	cfg.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", cfg.WindowDuration)
	cfg.BurstSize = getEnvInt("RATE_LIMIT_BURST", cfg.BurstSize)
	return cfg
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "json")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "tollbooth"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	switch c.ObjectStore.Type {
	case "local":
		if c.ObjectStore.LocalRoot == "" {
			return fmt.Errorf("local root is required for local object store")
		}
		if c.ObjectStore.LocalSecret == "" {
			return fmt.Errorf("local signing secret is required for local object store")
		}
	case "s3":
		if c.ObjectStore.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 object store")
		}
	default:
		return fmt.Errorf("invalid object store type: %s (must be local or s3)", c.ObjectStore.Type)
	}

	if c.Billing.PlanCatalogPath == "" {
		return fmt.Errorf("plan catalog path is required")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0) {
		return fmt.Errorf("rate limit requests and window must be positive")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	if c.Observability.LogFormat != "json" && c.Observability.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns TOLLBOOTH_<key> or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
