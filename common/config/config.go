package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration sourced from the environment.
// Pipeline topology lives in the YAML settings document, not here.
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Engine    EngineConfig
	Payload   PayloadConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-level settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for the Landscape store
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// EngineConfig holds orchestration settings
type EngineConfig struct {
	Workers        int
	QueueHighWater int
	DrainTimeout   time.Duration
	DefaultRetries int
	RetryBackoff   time.Duration
}

// PayloadConfig holds content-addressable payload store settings
type PayloadConfig struct {
	Root     string
	MaxBytes int64
}

// TelemetryConfig holds event export settings
type TelemetryConfig struct {
	Enabled    bool
	Mode       string // "block" or "drop"
	BufferSize int
	RedisAddr  string
	Stream     string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "elspeth"),
			User:        getEnv("POSTGRES_USER", "elspeth"),
			Password:    getEnv("POSTGRES_PASSWORD", "elspeth"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Engine: EngineConfig{
			Workers:        getEnvInt("ELSPETH_WORKERS", 4),
			QueueHighWater: getEnvInt("ELSPETH_QUEUE_HIGH_WATER", 256),
			DrainTimeout:   getEnvDuration("ELSPETH_DRAIN_TIMEOUT", 30*time.Second),
			DefaultRetries: getEnvInt("ELSPETH_DEFAULT_RETRIES", 3),
			RetryBackoff:   getEnvDuration("ELSPETH_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Payload: PayloadConfig{
			Root:     getEnv("ELSPETH_PAYLOAD_ROOT", "store"),
			MaxBytes: int64(getEnvInt("ELSPETH_PAYLOAD_MAX_BYTES", 32<<20)),
		},
		Telemetry: TelemetryConfig{
			Enabled:    getEnvBool("ELSPETH_TELEMETRY_ENABLED", false),
			Mode:       getEnv("ELSPETH_TELEMETRY_MODE", "drop"),
			BufferSize: getEnvInt("ELSPETH_TELEMETRY_BUFFER", 1024),
			RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),
			Stream:     getEnv("ELSPETH_TELEMETRY_STREAM", "elspeth:events"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}

	if c.Engine.QueueHighWater < 1 {
		return fmt.Errorf("queue high water must be >= 1")
	}

	if c.Telemetry.Mode != "block" && c.Telemetry.Mode != "drop" {
		return fmt.Errorf("telemetry mode must be block or drop, got %q", c.Telemetry.Mode)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
