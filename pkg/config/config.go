// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/store/cache"
)

const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	Mode     string

	Cache cache.Options

	// Snapshot is the location of the published record snapshot: a path,
	// file://, s3:// or gs:// URL.
	Snapshot string
	// Filter is a CEL expression applied to every record list.
	Filter          string
	RefreshInterval time.Duration
	JWTSecret       string
	SourcesFile     string

	OTelEnabled  bool
	OTelEndpoint string
}

// Production reports whether live sources are consulted.
func (c *Config) Production() bool { return c.Mode == ModeProduction }

// SlogLevel maps LogLevel onto a slog level, INFO when unrecognised.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getenv("PORT", "8080"),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		Mode:         strings.ToLower(getenv("CERTWATCH_MODE", ModeProduction)),
		Snapshot:     getenv("CERTWATCH_SNAPSHOT", "data/compliance.json"),
		Filter:       os.Getenv("CERTWATCH_FILTER"),
		JWTSecret:    os.Getenv("CERTWATCH_JWT_SECRET"),
		SourcesFile:  os.Getenv("CERTWATCH_SOURCES_FILE"),
		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Cache: cache.Options{
			Backend:       cache.Backend(strings.ToLower(os.Getenv("CERTWATCH_CACHE"))),
			DSN:           os.Getenv("CERTWATCH_CACHE_DSN"),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
		},
	}

	if cfg.Mode != ModeProduction && cfg.Mode != ModeDevelopment {
		return nil, fmt.Errorf("CERTWATCH_MODE must be %q or %q, got %q", ModeProduction, ModeDevelopment, cfg.Mode)
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.Cache.RedisDB = db
	}

	cfg.RefreshInterval = time.Hour
	if v := os.Getenv("CERTWATCH_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CERTWATCH_REFRESH_INTERVAL %q: %w", v, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("CERTWATCH_REFRESH_INTERVAL must be positive, got %s", d)
		}
		cfg.RefreshInterval = d
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
