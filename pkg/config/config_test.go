package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/config"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/store/cache"
)

var envKeys = []string{
	"PORT", "LOG_LEVEL", "CERTWATCH_MODE", "CERTWATCH_CACHE", "CERTWATCH_CACHE_DSN",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "CERTWATCH_SNAPSHOT", "CERTWATCH_FILTER",
	"CERTWATCH_REFRESH_INTERVAL", "CERTWATCH_JWT_SECRET", "CERTWATCH_SOURCES_FILE",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.True(t, cfg.Production())
	assert.Equal(t, time.Hour, cfg.RefreshInterval)
	assert.Equal(t, cache.Backend(""), cfg.Cache.Backend)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "localhost:4317", cfg.OTelEndpoint)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CERTWATCH_MODE", "Development")
	t.Setenv("CERTWATCH_CACHE", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CERTWATCH_SNAPSHOT", "s3://bucket/compliance.json")
	t.Setenv("CERTWATCH_REFRESH_INTERVAL", "15m")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.False(t, cfg.Production())
	assert.Equal(t, cache.BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 3, cfg.Cache.RedisDB)
	assert.Equal(t, "s3://bucket/compliance.json", cfg.Snapshot)
	assert.Equal(t, 15*time.Minute, cfg.RefreshInterval)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_Invalid(t *testing.T) {
	for key, value := range map[string]string{
		"CERTWATCH_MODE":             "staging",
		"REDIS_DB":                   "zero",
		"CERTWATCH_REFRESH_INTERVAL": "-1m",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := config.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

type stubAdapter struct{ key string }

func (s stubAdapter) Key() string                                              { return s.key }
func (s stubAdapter) Version() string                                          { return "1.0.0" }
func (s stubAdapter) Owns(record.ComplianceRecord) bool                        { return false }
func (s stubAdapter) Fetch(context.Context) ([]record.ComplianceRecord, error) { return nil, nil }

func keys(as []sources.Adapter) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Key()
	}
	return out
}

func TestSourcesFile(t *testing.T) {
	doc := `
sources:
  acvp:
    url: https://mirror.example/acvp
    rate: 1
    burst: 2
    priority: 10
  anssi:
    enabled: false
  fips:
    priority: -1
`
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	f, err := config.LoadSources(path)
	require.NoError(t, err)

	opts := f.Overrides()
	assert.Equal(t, sources.Options{URL: "https://mirror.example/acvp", RatePerSecond: 1, Burst: 2}, opts["acvp"])

	adapters := []sources.Adapter{
		stubAdapter{"fips"}, stubAdapter{"acvp"}, stubAdapter{"cc"}, stubAdapter{"bsi"}, stubAdapter{"anssi"},
	}
	assert.Equal(t, []string{"fips", "cc", "bsi", "acvp"}, keys(f.Apply(adapters)))
}

func TestSourcesFileErrors(t *testing.T) {
	_, err := config.ParseSources([]byte("sources:\n  acvp:\n    ratelimit: 3\n"))
	require.Error(t, err)

	_, err = config.ParseSources([]byte("sources:\n  acvp:\n    rate: -1\n"))
	require.Error(t, err)

	_, err = config.LoadSources(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	f, err := config.LoadSources("")
	require.NoError(t, err)
	assert.Len(t, f.Apply([]sources.Adapter{stubAdapter{"cc"}}), 1)

	f, err = config.ParseSources(nil)
	require.NoError(t, err)
	assert.Empty(t, f.Overrides())
}
