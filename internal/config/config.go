// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
	PollInterval time.Duration
	WorkerCount  int
	MetricsAddr  string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/rssbot.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	interval, err := envInt("POLL_INTERVAL_MINUTES", 5)
	if err != nil {
		return nil, err
	}

	workers, err := envInt("WORKER_COUNT", 8)
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabasePath: dbPath,
		LogLevel:     logLevel,
		PollInterval: time.Duration(interval) * time.Minute,
		WorkerCount:  workers,
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
	}, nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, v)
	}
	return v, nil
}
