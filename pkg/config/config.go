package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig
	Cache         CacheConfig
	Audit         AuditConfig
	Engine        EngineConfig
	Bootstrap     BootstrapConfig
	Observability ObservabilityConfig
}

// DatabaseConfig selects the SQL backend
type DatabaseConfig struct {
	Driver          rbac.Dialect
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CacheConfig selects the decision cache
type CacheConfig struct {
	Backend    string // memory, redis or none
	TTL        time.Duration
	MaxEntries int
	Redis      cache.RedisConfig
}

// AuditConfig controls decision auditing, mirrors and archival
type AuditConfig struct {
	AllowedSampleRate float64
	SuppressAllowed   bool
	RecordCacheHits   bool

	// FileMirror is disabled when FileMirror.BasePath is empty
	FileMirror audit.FileSinkConfig

	// Archive is disabled when Archive.Bucket is empty
	Archive         audit.ArchiveConfig
	ArchiveSchedule string
	ArchiveWindow   time.Duration
}

// EngineConfig holds engine tuning and background jobs
type EngineConfig struct {
	LockTimeout   time.Duration
	SweepSchedule string
}

// BootstrapConfig points at an optional seed document
type BootstrapConfig struct {
	SeedFile string
	Watch    bool
	Actor    string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	HealthPort     string

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
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Audit:         loadAuditConfig(),
		Engine:        loadEngineConfig(),
		Bootstrap:     loadBootstrapConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          rbac.Dialect(strings.ToLower(getEnv("GATEKEEPER_DB_DRIVER", string(rbac.DialectSQLite)))),
		URL:             getEnv("GATEKEEPER_DB_URL", "gatekeeper.db"),
		MaxOpenConns:    getEnvInt("GATEKEEPER_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("GATEKEEPER_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("GATEKEEPER_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadCacheConfig() CacheConfig {
	ttl := getEnvDuration("GATEKEEPER_CACHE_TTL", rbac.DefaultCacheTTL)
	return CacheConfig{
		Backend:    strings.ToLower(getEnv("GATEKEEPER_CACHE_BACKEND", "memory")),
		TTL:        ttl,
		MaxEntries: getEnvInt("GATEKEEPER_CACHE_MAX_ENTRIES", 100000),
		Redis: cache.RedisConfig{
			URL:       getEnv("GATEKEEPER_REDIS_URL", ""),
			Password:  getEnv("GATEKEEPER_REDIS_PASSWORD", ""),
			DB:        getEnvInt("GATEKEEPER_REDIS_DB", 0),
			KeyPrefix: getEnv("GATEKEEPER_REDIS_KEY_PREFIX", "gatekeeper:"),
			MaxTTL:    ttl,
		},
	}
}

func loadAuditConfig() AuditConfig {
	mirror := audit.DefaultFileSinkConfig()
	mirror.BasePath = getEnv("GATEKEEPER_AUDIT_FILE_DIR", "")
	mirror.MaxSize = getEnvInt64("GATEKEEPER_AUDIT_FILE_MAX_BYTES", mirror.MaxSize)
	mirror.MaxFiles = getEnvInt("GATEKEEPER_AUDIT_FILE_MAX_FILES", mirror.MaxFiles)

	return AuditConfig{
		AllowedSampleRate: getEnvFloat("GATEKEEPER_AUDIT_ALLOWED_SAMPLE_RATE", 1),
		SuppressAllowed:   getEnvBool("GATEKEEPER_AUDIT_SUPPRESS_ALLOWED", false),
		RecordCacheHits:   getEnvBool("GATEKEEPER_AUDIT_CACHE_HITS", false),
		FileMirror:        mirror,
		Archive: audit.ArchiveConfig{
			Bucket:         getEnv("GATEKEEPER_ARCHIVE_BUCKET", ""),
			Prefix:         getEnv("GATEKEEPER_ARCHIVE_PREFIX", "audit"),
			Region:         getEnv("GATEKEEPER_ARCHIVE_REGION", "us-east-1"),
			Endpoint:       getEnv("GATEKEEPER_ARCHIVE_ENDPOINT", ""),
			AccessKey:      getEnv("GATEKEEPER_ARCHIVE_ACCESS_KEY", ""),
			SecretKey:      getEnv("GATEKEEPER_ARCHIVE_SECRET_KEY", ""),
			UsePathStyle:   getEnvBool("GATEKEEPER_ARCHIVE_USE_PATH_STYLE", false),
			PurgeAfterCopy: getEnvBool("GATEKEEPER_ARCHIVE_PURGE", false),
		},
		ArchiveSchedule: getEnv("GATEKEEPER_ARCHIVE_SCHEDULE", "@daily"),
		ArchiveWindow:   getEnvDuration("GATEKEEPER_ARCHIVE_WINDOW", 24*time.Hour),
	}
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		LockTimeout:   getEnvDuration("GATEKEEPER_LOCK_TIMEOUT", rbac.DefaultLockTimeout),
		SweepSchedule: getEnv("GATEKEEPER_SWEEP_SCHEDULE", "@every 1m"),
	}
}

func loadBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		SeedFile: getEnv("GATEKEEPER_SEED_FILE", ""),
		Watch:    getEnvBool("GATEKEEPER_SEED_WATCH", false),
		Actor:    getEnv("GATEKEEPER_SEED_ACTOR", "system:bootstrap"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	level, _ := observability.ParseLogLevel(getEnv("GATEKEEPER_LOG_LEVEL", "info"))
	return ObservabilityConfig{
		LogLevel:           level,
		MetricsEnabled:     getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
		HealthPort:         getEnv("GATEKEEPER_HEALTH_PORT", "9090"),
		OTelEnabled:        getEnvBool("GATEKEEPER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEKEEPER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEKEEPER_OTEL_SERVICE_NAME", "gatekeeperd"),
		OTelServiceVersion: getEnv("GATEKEEPER_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("GATEKEEPER_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("GATEKEEPER_OTEL_SAMPLE_RATIO", 1),
	}
}

// OTel returns the OpenTelemetry settings
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case rbac.DialectPostgres, rbac.DialectSQLite:
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory, redis or none)", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Audit.AllowedSampleRate < 0 || c.Audit.AllowedSampleRate > 1 {
		return fmt.Errorf("allowed decision sample rate must be between 0 and 1")
	}
	if c.Audit.Archive.Bucket != "" && c.Audit.ArchiveWindow <= 0 {
		return fmt.Errorf("archive window must be positive")
	}

	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive")
	}
	if c.Bootstrap.Watch && c.Bootstrap.SeedFile == "" {
		return fmt.Errorf("seed file is required when watching is enabled")
	}

	if c.Observability.HealthPort == "" {
		return fmt.Errorf("health port is required")
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

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
