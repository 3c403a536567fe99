package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Store     StoreConfig     `json:"store"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Cache     CacheConfig     `json:"cache"`
	Circuit   CircuitConfig   `json:"circuit"`
	Budget    BudgetConfig    `json:"budget"`
	Alerting  AlertingConfig  `json:"alerting"`
	Analyzer  AnalyzerConfig  `json:"analyzer"`
	Metrics   MetricsConfig   `json:"metrics"`
	Tracing   TracingConfig   `json:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// StoreConfig selects the key/value backend shared by the cache and the meter
type StoreConfig struct {
	Backend         string `json:"backend"`
	LocalMaxEntries int    `json:"local_max_entries"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// RateLimitConfig configures the global admission bucket. Per-client buckets
// run at half the rate and half the burst.
type RateLimitConfig struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// CacheConfig configures the result cache and singleflight coordinator
type CacheConfig struct {
	TTL         time.Duration `json:"ttl"`
	MaxWait     time.Duration `json:"max_wait"`
	CardVersion string        `json:"card_version"`
}

// CircuitConfig configures the quota circuit breaker
type CircuitConfig struct {
	Cooldown         time.Duration `json:"cooldown"`
	FailureThreshold int           `json:"failure_threshold"`
}

// BudgetConfig holds the usage ceilings. A ceiling of zero disables it.
type BudgetConfig struct {
	DailyTokens   int64         `json:"daily_tokens"`
	HourlyTokens  int64         `json:"hourly_tokens"`
	DailyCostUSD  float64       `json:"daily_cost_usd"`
	AlertCooldown time.Duration `json:"alert_cooldown"`
}

// AlertingConfig configures spend alert delivery
type AlertingConfig struct {
	SlackWebhookURL string `json:"-"`
	SlackChannel    string `json:"slack_channel"`
}

// AnalyzerConfig points at the generative collaborator
type AnalyzerConfig struct {
	URL     string        `json:"url"`
	APIKey  string        `json:"-"`
	Timeout time.Duration `json:"timeout"`

	// HealthURL is polled by the readiness check when set
	HealthURL string `json:"health_url"`
}

// MetricsConfig configures prometheus metrics
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Store: StoreConfig{
			Backend:         strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendRedis)),
			LocalMaxEntries: getEnvInt("STORE_LOCAL_MAX_ENTRIES", 10000),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("LLM_RPS", 0.5),
			Burst: getEnvInt("LLM_BURST", 2),
		},
		Cache: CacheConfig{
			TTL:         time.Duration(getEnvInt("LLM_CACHE_TTL_SEC", 300)) * time.Second,
			MaxWait:     getEnvDuration("LLM_SINGLEFLIGHT_MAX_WAIT", 30*time.Second),
			CardVersion: getEnvString("LLM_CARD_VERSION", "event_analysis_v1"),
		},
		Circuit: CircuitConfig{
			Cooldown:         time.Duration(getEnvInt("LLM_CB_MINUTES", 30)) * time.Minute,
			FailureThreshold: getEnvInt("LLM_CB_FAILURE_THRESHOLD", 1),
		},
		Budget: BudgetConfig{
			DailyTokens:   getEnvInt64("LLM_DAILY_BUDGET_TOKENS", 200000),
			HourlyTokens:  getEnvInt64("LLM_HOURLY_BUDGET_TOKENS", 40000),
			DailyCostUSD:  getEnvFloat("LLM_DAILY_BUDGET_USD", 0),
			AlertCooldown: getEnvDuration("LLM_ALERT_COOLDOWN", time.Hour),
		},
		Alerting: AlertingConfig{
			SlackWebhookURL: getEnvString("LLM_SPEND_ALERT_SLACK_WEBHOOK", ""),
			SlackChannel:    getEnvString("LLM_SPEND_ALERT_SLACK_CHANNEL", ""),
		},
		Analyzer: AnalyzerConfig{
			URL:       getEnvString("LLM_ANALYZER_URL", ""),
			APIKey:    getEnvString("LLM_ANALYZER_API_KEY", ""),
			Timeout:   getEnvDuration("LLM_ANALYZER_TIMEOUT", 60*time.Second),
			HealthURL: getEnvString("LLM_ANALYZER_HEALTH_URL", ""),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "nestwatch"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnvString("TRACING_SERVICE_NAME", "nestwatch"),
			ServiceVersion: getEnvString("TRACING_SERVICE_VERSION", "1.0.0"),
			Environment:    getEnvString("ENVIRONMENT", "development"),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("LLM_RPS must be positive, got %v", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("LLM_BURST must be positive, got %d", c.RateLimit.Burst)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("LLM_CACHE_TTL_SEC must be positive")
	}
	if c.Cache.MaxWait <= 0 {
		return fmt.Errorf("LLM_SINGLEFLIGHT_MAX_WAIT must be positive")
	}
	if c.Cache.CardVersion == "" {
		return fmt.Errorf("LLM_CARD_VERSION is required")
	}
	if c.Circuit.Cooldown <= 0 {
		return fmt.Errorf("LLM_CB_MINUTES must be positive")
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("LLM_CB_FAILURE_THRESHOLD must be positive")
	}

	switch c.Store.Backend {
	case StoreBackendRedis, StoreBackendMemory:
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	if c.Store.LocalMaxEntries <= 0 {
		return fmt.Errorf("STORE_LOCAL_MAX_ENTRIES must be positive")
	}

	return nil
}

// RedisAddr returns host:port for the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// ServerAddr returns the listen address
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
