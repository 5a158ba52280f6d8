// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all mailbox client configuration.
type Config struct {
	// Server
	ServerURL   string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Auth
	AuthToken string

	// Transfer
	MaxConcurrency int
	ChunkSize      int64
	HTTPTimeout    time.Duration

	// Preview cache
	PreviewCacheDir string
	PreviewCacheMax int64
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:       envOr("SERVER_URL", "http://localhost:8080"),
		MetricsAddr:     envOr("METRICS_ADDR", ""),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "console"),
		AuthToken:       envOr("AUTH_TOKEN", ""),
		MaxConcurrency:  envInt("MAX_CONCURRENCY", 2),
		ChunkSize:       envInt64("CHUNK_SIZE", 5*1024*1024), // 5MB default, server may override
		HTTPTimeout:     envDuration("HTTP_TIMEOUT", 30*time.Second),
		PreviewCacheDir: envOr("PREVIEW_CACHE_DIR", os.TempDir()+"/slateboard-previews"),
		PreviewCacheMax: envInt64("PREVIEW_CACHE_MAX", 256*1024*1024), // 256MB default
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SERVER_URL is required")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENCY must be at least 1")
	}
	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("CHUNK_SIZE must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
