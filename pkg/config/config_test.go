package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "STORE_BACKEND", "DATABASE_URL", "SQLITE_PATH"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "tiller.db", cfg.SQLitePath)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/var/lib/tiller/tiller.db")
	t.Setenv("ESCALATION_WEBHOOK_URL", "https://hooks.example.org/escalations")
	t.Setenv("TRACES_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "/var/lib/tiller/tiller.db", cfg.SQLitePath)
	assert.Equal(t, "https://hooks.example.org/escalations", cfg.WebhookURL)
	assert.True(t, cfg.TracesEnabled)
}

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicyEmptyPathUsesDefaults(t *testing.T) {
	policy, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, 0.75, policy.Threshold)
}

func TestLoadPolicyOverridesDefaults(t *testing.T) {
	path := writePolicy(t, `
schema_version: "1.2.0"
consensus:
  threshold: 0.5
  weights:
    status: 0.6
    confidence: 0.2
    risk: 0.2
`)
	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, policy.Threshold)
	assert.Equal(t, 0.6, policy.Weights.Status)
	// Untouched fields keep their defaults.
	assert.Equal(t, "max", policy.Aggregation)
}

func TestLoadPolicyRequiresSchemaVersion(t *testing.T) {
	path := writePolicy(t, "consensus:\n  threshold: 0.5\n")
	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_version")
}

func TestLoadPolicyRejectsFutureSchema(t *testing.T) {
	path := writePolicy(t, "schema_version: \"2.0.0\"\n")
	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside supported range")
}

func TestLoadPolicyRejectsInvalidPolicy(t *testing.T) {
	path := writePolicy(t, `
schema_version: "1.0.0"
consensus:
  aggregation: mean
`)
	_, err := LoadPolicy(path)
	require.Error(t, err)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy("/nonexistent/policy.yaml")
	require.Error(t, err)
}
