// Package config provides application configuration management,
// loading settings from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Service configuration
	ServiceName string
	Environment string
	GRPCPort    string
	HTTPPort    string

	// Database configuration
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	// Local fallback store
	LocalStorePath string
	SyncInterval   time.Duration
	SyncBatchSize  int
	LocalRetention time.Duration

	// Trip processing
	SampleBuffer  int
	ReplayWorkers int

	// Event notifications; empty URL logs events instead
	AMQPURL      string
	AMQPExchange string

	// OpenTelemetry configuration
	OTELEnabled  bool
	OTELEndpoint string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "trip-scorer"),
		Environment: getEnv("ENVIRONMENT", "development"),
		GRPCPort:    getEnv("GRPC_PORT", "50051"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		PostgresHost:     getEnv("POSTGRES_HOST", "192.168.1.175"),
		PostgresPort:     getEnv("POSTGRES_PORT", "6432"),
		PostgresDB:       getEnv("POSTGRES_DB", "owntracks"),
		PostgresUser:     getEnv("POSTGRES_USER", "development"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "development"),

		LocalStorePath: getEnv("LOCAL_STORE_PATH", "/data/trips.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "trip-events"),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	var err error
	cfg.SyncInterval, err = parseDuration("SYNC_INTERVAL", "30s")
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL: %w", err)
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL: must be positive")
	}

	cfg.LocalRetention, err = parseDuration("LOCAL_RETENTION", "168h")
	if err != nil {
		return nil, fmt.Errorf("invalid LOCAL_RETENTION: %w", err)
	}

	cfg.SyncBatchSize, err = parseInt("SYNC_BATCH_SIZE", "100")
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_BATCH_SIZE: %w", err)
	}

	cfg.SampleBuffer, err = parseInt("SAMPLE_BUFFER", "64")
	if err != nil {
		return nil, fmt.Errorf("invalid SAMPLE_BUFFER: %w", err)
	}

	cfg.ReplayWorkers, err = parseInt("REPLAY_WORKERS", "2")
	if err != nil {
		return nil, fmt.Errorf("invalid REPLAY_WORKERS: %w", err)
	}
	if cfg.ReplayWorkers < 1 {
		return nil, fmt.Errorf("invalid REPLAY_WORKERS: must be at least 1")
	}

	cfg.OTELEnabled, err = strconv.ParseBool(getEnv("OTEL_ENABLED", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid OTEL_ENABLED: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresUser,
		c.PostgresPassword,
	)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key, defaultValue string) (int, error) {
	return strconv.Atoi(getEnv(key, defaultValue))
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	return time.ParseDuration(getEnv(key, defaultValue))
}
