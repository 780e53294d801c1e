// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/ai-gateway/internal/store"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the ops HTTP listener (/healthz, /readyz, /metrics) binds to.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	Database            DatabaseConfig
	Encryption          EncryptionConfig
	Redis               RedisConfig
	Cache               CacheConfig
	CircuitBreaker      CircuitBreakerConfig
	Orchestrator        OrchestratorConfig
	ProviderEnvFallback ProviderEnvFallbackConfig

	// LedgerAnalyticsDSN, when set, wires a ClickHouse sink for the usage
	// ledger's append-only analytics stream. Empty disables it.
	LedgerAnalyticsDSN string
}

// DatabaseConfig holds the GORM connection settings for the registry and
// usage ledger.
type DatabaseConfig struct {
	// Driver is one of: sqlite, postgres, mysql.
	Driver store.Driver
	// DSN is the driver-specific connection string.
	DSN string
}

// EncryptionConfig holds the secret used to derive the AES-256-GCM key for
// provider credentials at rest.
type EncryptionConfig struct {
	// Secret must be non-empty. Rotating it invalidates every encrypted
	// credential already stored in the registry.
	Secret string
}

// RedisConfig holds Redis connection configuration, used by the quota
// manager's hourly-call sliding window and, optionally, the cache.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Empty disables Redis: the quota
	// manager degrades to always-admit on the hourly dimension, and
	// CACHE_MODE=redis is rejected at load.
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "memory" — in-process TTL cache, not shared across replicas.
	//   "none"   — cache disabled entirely.
	Mode string

	// SessionTTL is the default TTL for session-scoped entries.
	SessionTTL time.Duration
	// ContentTTL is the default TTL for content-scoped entries.
	ContentTTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string
	// ExcludePatterns is a list of Go regular expressions matched against
	// model names; a match disables caching for that model.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls the orchestrator's per-provider-config
// circuit breaker.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// OrchestratorConfig controls the Facade's adapter-call retry behaviour.
type OrchestratorConfig struct {
	// MaxAttempts bounds the retries against a single provider config
	// (first attempt plus retries). Default: 3.
	MaxAttempts int
	// ProviderTimeout is the per-call adapter timeout.
	ProviderTimeout time.Duration
	// CredentialTimeout bounds validate_credentials probes.
	CredentialTimeout time.Duration
}

// ProviderEnvFallbackConfig configures the registry's env-var fallback
// path used when no active provider config exists in the database.
type ProviderEnvFallbackConfig struct {
	APIKey       string
	ModelFast    string
	ModelQuality string
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_DSN", "gateway.db")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_SESSION_TTL", "1h")
	v.SetDefault("CACHE_CONTENT_TTL", "24h")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("ORCH_MAX_ATTEMPTS", 3)
	v.SetDefault("ORCH_PROVIDER_TIMEOUT", "30s")
	v.SetDefault("ORCH_CREDENTIAL_TIMEOUT", "10s")

	// ── Build config ──────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Database: DatabaseConfig{
			Driver: store.Driver(strings.ToLower(v.GetString("DATABASE_DRIVER"))),
			DSN:    v.GetString("DATABASE_DSN"),
		},

		Encryption: EncryptionConfig{
			Secret: v.GetString("ENCRYPTION_SECRET"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			SessionTTL:      v.GetDuration("CACHE_SESSION_TTL"),
			ContentTTL:      v.GetDuration("CACHE_CONTENT_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Orchestrator: OrchestratorConfig{
			MaxAttempts:       v.GetInt("ORCH_MAX_ATTEMPTS"),
			ProviderTimeout:   v.GetDuration("ORCH_PROVIDER_TIMEOUT"),
			CredentialTimeout: v.GetDuration("ORCH_CREDENTIAL_TIMEOUT"),
		},

		ProviderEnvFallback: ProviderEnvFallbackConfig{
			APIKey:       v.GetString("PROVIDER_DEFAULT_API_KEY"),
			ModelFast:    v.GetString("PROVIDER_DEFAULT_MODEL_FAST"),
			ModelQuality: v.GetString("PROVIDER_DEFAULT_MODEL_QUALITY"),
		},

		LedgerAnalyticsDSN: v.GetString("LEDGER_ANALYTICS_DSN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// viper defaults.
func (c *Config) validate() error {
	if c.Encryption.Secret == "" {
		return fmt.Errorf("config: ENCRYPTION_SECRET is required to encrypt provider credentials at rest")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("config: DATABASE_DSN is required")
	}
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres, store.DriverMySQL:
	default:
		return fmt.Errorf("config: invalid DATABASE_DRIVER %q; must be one of: sqlite, postgres, mysql", c.Database.Driver)
	}

	if c.ProviderEnvFallback.APIKey == "" {
		return fmt.Errorf(
			"config: no registry-backed provider config can be assumed at startup, " +
				"so PROVIDER_DEFAULT_API_KEY (plus PROVIDER_DEFAULT_MODEL_FAST / " +
				"PROVIDER_DEFAULT_MODEL_QUALITY) must be set to seed the env fallback",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("config: ORCH_MAX_ATTEMPTS must be ≥ 1, got %d", c.Orchestrator.MaxAttempts)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
