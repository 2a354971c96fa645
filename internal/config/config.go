// Package config loads runtime settings from the environment, with an
// optional .env file for development.
package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "CINEMA_SCRAPERS_"

// Config is everything the serve and scan commands need from the outside.
type Config struct {
	// DatabasePath is the sqlite file holding scrape results.
	DatabasePath string
	// ListenAddr is the HTTP bind address of the serve command.
	ListenAddr string
	// BrokerURL is the RabbitMQ URL for async scan dispatch. Empty means
	// scans run on a local goroutine instead.
	BrokerURL string
	// CacheWindow is how long a finished scrape keeps answering scan
	// requests before a new run is started.
	CacheWindow time.Duration
	// ScanTimeout caps the wall-clock duration of one scrape run.
	ScanTimeout time.Duration
}

// Load reads the configuration, falling back to defaults for anything
// unset. A missing .env file is not an error.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env file", "error", err)
	}
	return Config{
		DatabasePath: envOr("DB", "cinema-scrapers.db"),
		ListenAddr:   envOr("ADDR", ":8080"),
		BrokerURL:    envOr("BROKER_URL", ""),
		CacheWindow:  envDurationOr("CACHE_WINDOW", time.Hour),
		ScanTimeout:  envDurationOr("SCAN_TIMEOUT", 45*time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(envPrefix + key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring unparseable duration", "key", envPrefix+key, "value", raw)
		return fallback
	}
	return d
}
