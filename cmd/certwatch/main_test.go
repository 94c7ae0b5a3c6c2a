package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/session"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
)

const snapshotJSON = `[
  {"id": "fips-4282", "source": "NIST", "type": "FIPS 140-3", "vendor": "Acme", "productName": "Acme HSM", "date": "2025-01-10"},
  {"id": "cc-BSI-DSZ-CC-1234", "source": "Common Criteria (DE)", "type": "Common Criteria", "vendor": "ChipCo", "productName": "Secure MCU", "date": "2024-11-02"},
  {"bad": true}
]`

// devEnv points the CLI at a local snapshot and an in-memory cache.
func devEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(snapshotJSON), 0o600))

	t.Setenv("CERTWATCH_MODE", "development")
	t.Setenv("CERTWATCH_CACHE", "memory")
	t.Setenv("CERTWATCH_SNAPSHOT", path)
	t.Setenv("CERTWATCH_FILTER", "")
	t.Setenv("CERTWATCH_SOURCES_FILE", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"certwatch"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsage(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "merge")

	code, _, errOut := run("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: bogus")

	code, _, _ = run()
	assert.Equal(t, 2, code)

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestMergeRejectsUnknownFlag(t *testing.T) {
	code, _, _ := run("merge", "--nope")
	assert.Equal(t, 2, code)
}

func TestMergeSkipsFreshOutput(t *testing.T) {
	dir := devEnv(t)
	out := filepath.Join(dir, "compliance.json")
	require.NoError(t, os.WriteFile(out, []byte(snapshotJSON), 0o600))

	code, stdout, stderr := run("merge", "--out", out, "--acvp")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "skipping")
}

func TestSelectSources(t *testing.T) {
	assert.Nil(t, selectSources(true, map[string]bool{sources.KeyACVP: true}))
	assert.Nil(t, selectSources(false, map[string]bool{sources.KeyACVP: false}))

	selected := selectSources(false, map[string]bool{sources.KeyACVP: true, sources.KeyBSI: true})
	adapters := filterAdapters(sources.NewDefaultRegistry(nil, false).All(), selected)
	keys := make([]string, len(adapters))
	for i, a := range adapters {
		keys[i] = a.Key()
	}
	assert.Equal(t, []string{sources.KeyACVP, sources.KeyBSI}, keys)
}

func TestRefreshFromSnapshot(t *testing.T) {
	devEnv(t)

	code, stdout, stderr := run("refresh", "--json")
	require.Equal(t, 0, code, stderr)

	var st session.State
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Len(t, st.Records, 2)
	assert.NotEmpty(t, st.Fingerprint)
	assert.Empty(t, st.Error)
}

func TestRefreshAppliesFilter(t *testing.T) {
	devEnv(t)
	t.Setenv("CERTWATCH_FILTER", `record.scheme == "DE"`)

	code, stdout, stderr := run("refresh")
	require.Equal(t, 0, code, stderr)
	assert.True(t, strings.HasPrefix(stdout, "1 records"), stdout)
}

func TestRefreshWithBadFilter(t *testing.T) {
	devEnv(t)
	t.Setenv("CERTWATCH_FILTER", "record.id ==")

	code, _, stderr := run("refresh")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "CERTWATCH_FILTER")
}

func TestSourcesHonoursFile(t *testing.T) {
	dir := devEnv(t)
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  anssi:\n    enabled: false\n  fips:\n    priority: 5\n"), 0o600))
	t.Setenv("CERTWATCH_SOURCES_FILE", path)

	code, stdout, _ := run("sources")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[3], "fips")
	assert.NotContains(t, stdout, "anssi")
}
