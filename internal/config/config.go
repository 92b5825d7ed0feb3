package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the funnel-core application.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Meta       MetaConfig
	Google     GoogleConfig
	Collector  CollectorConfig
	Cache      CacheConfig
	Retention  RetentionConfig
	Scheduler  SchedulerConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the daily KPI store. Optional: with Enabled
// false the daily KPI endpoints run against an in-memory store.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetaConfig holds app-level Meta Graph API settings. Per-client tokens
// live on the client records.
type MetaConfig struct {
	Timeout time.Duration
}

// GoogleConfig holds the OAuth application used to exchange per-client
// refresh tokens.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// CollectorConfig tunes the background collector.
type CollectorConfig struct {
	Concurrency      int
	DailyCallBudget  int
	InterClientDelay time.Duration
	RetryAttempts    int
	RetryBase        time.Duration
}

// CacheConfig tunes the current-period smart cache.
type CacheConfig struct {
	TTL time.Duration
}

// RetentionConfig fixes the rolling retention windows.
type RetentionConfig struct {
	Months      int
	Weeks       int
	DailyBuffer int
}

// SchedulerConfig enables the in-process tickers that stand in for cron.
type SchedulerConfig struct {
	Enabled         bool
	WeeklyInterval  time.Duration
	MonthlyInterval time.Duration
	DailyInterval   time.Duration
	SweepInterval   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("FUNNEL_HTTP_ADDR", ":8080"),
			Env:             getEnv("FUNNEL_ENV", "development"),
			ShutdownTimeout: getDurationEnv("FUNNEL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("FUNNEL_DB_HOST", "localhost"),
			Port:     getIntEnv("FUNNEL_DB_PORT", 5432),
			User:     getEnv("FUNNEL_DB_USER", "funnel"),
			Password: getEnv("FUNNEL_DB_PASSWORD", "funnel_secret"),
			DBName:   getEnv("FUNNEL_DB_NAME", "funnel"),
			SSLMode:  getEnv("FUNNEL_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("FUNNEL_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("FUNNEL_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("FUNNEL_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("FUNNEL_REDIS_PASSWORD", ""),
			DB:       getIntEnv("FUNNEL_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("FUNNEL_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("FUNNEL_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("FUNNEL_CLICKHOUSE_DB", "funnel"),
			User:     getEnv("FUNNEL_CLICKHOUSE_USER", "default"),
			Password: getEnv("FUNNEL_CLICKHOUSE_PASSWORD", ""),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("FUNNEL_AUTH_ENABLED", true),
			MasterKey: getEnv("FUNNEL_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("FUNNEL_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("FUNNEL_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("FUNNEL_RATE_LIMIT_RPS", 50),
			Burst:   getIntEnv("FUNNEL_RATE_LIMIT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("FUNNEL_LOG_LEVEL", "info"),
			Format: getEnv("FUNNEL_LOG_FORMAT", "json"),
		},
		Meta: MetaConfig{
			Timeout: getDurationEnv("FUNNEL_META_TIMEOUT", 30*time.Second),
		},
		Google: GoogleConfig{
			ClientID:     getEnv("FUNNEL_GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("FUNNEL_GOOGLE_CLIENT_SECRET", ""),
			Timeout:      getDurationEnv("FUNNEL_GOOGLE_TIMEOUT", 30*time.Second),
		},
		Collector: CollectorConfig{
			Concurrency:      getIntEnv("FUNNEL_COLLECT_CONCURRENCY", 3),
			DailyCallBudget:  getIntEnv("FUNNEL_COLLECT_DAILY_CALL_BUDGET", 40),
			InterClientDelay: getDurationEnv("FUNNEL_COLLECT_INTER_CLIENT_DELAY", 2*time.Second),
			RetryAttempts:    getIntEnv("FUNNEL_COLLECT_RETRY_ATTEMPTS", 3),
			RetryBase:        getDurationEnv("FUNNEL_COLLECT_RETRY_BASE", 2*time.Second),
		},
		Cache: CacheConfig{
			TTL: getDurationEnv("FUNNEL_CACHE_TTL", 3*time.Hour),
		},
		Retention: RetentionConfig{
			Months:      getIntEnv("FUNNEL_RETENTION_MONTHS", 13),
			Weeks:       getIntEnv("FUNNEL_RETENTION_WEEKS", 53),
			DailyBuffer: getIntEnv("FUNNEL_RETENTION_DAILY_BUFFER", 7),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getBoolEnv("FUNNEL_SCHEDULER_ENABLED", false),
			WeeklyInterval:  getDurationEnv("FUNNEL_SCHEDULER_WEEKLY_INTERVAL", 6*time.Hour),
			MonthlyInterval: getDurationEnv("FUNNEL_SCHEDULER_MONTHLY_INTERVAL", 24*time.Hour),
			DailyInterval:   getDurationEnv("FUNNEL_SCHEDULER_DAILY_INTERVAL", 24*time.Hour),
			SweepInterval:   getDurationEnv("FUNNEL_SCHEDULER_SWEEP_INTERVAL", 24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("FUNNEL_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Collector.DailyCallBudget < 1 {
		return fmt.Errorf("FUNNEL_COLLECT_DAILY_CALL_BUDGET must be at least 1")
	}
	if c.Retention.Months < 1 || c.Retention.Weeks < 1 {
		return fmt.Errorf("retention windows must keep at least one period")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
