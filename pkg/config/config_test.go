package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "writegate.db", cfg.DatabasePath)
	assert.Equal(t, "profile.yaml", cfg.ProfilePath)
	assert.False(t, cfg.SafeMode)
	assert.False(t, cfg.DispatchSync)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 256, cfg.QueueDepth)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30, cfg.PollMaxAttempts)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SAFE_MODE", "true")
	t.Setenv("WORKERS", "8")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("HTTP_ALLOWED_HOSTS", "api.notion.com, hooks.internal ")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.SafeMode)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"api.notion.com", "hooks.internal"}, cfg.HTTPAllowedHosts)
}

func TestLoad_RetriesClamped(t *testing.T) {
	t.Setenv("MAX_RETRIES", "5")
	assert.Equal(t, 1, Load().MaxRetries)

	t.Setenv("MAX_RETRIES", "-3")
	assert.Equal(t, 0, Load().MaxRetries)
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, `
policy:
  denied_kinds: [payments.transfer]
  approval_kinds: [notion.create_page]
  privileged_initiators: [admin]
  guards:
    docs.write: "params.size < 1024"
agents:
  - agent_id: notion-1
    capabilities: [notion.create_page]
    max_load: 2
    rate_per_sec: 5
`)

	profile, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"payments.transfer"}, profile.Policy.DeniedKinds)
	assert.Equal(t, []string{"admin"}, profile.Policy.PrivilegedInitiators)
	assert.Equal(t, "params.size < 1024", profile.Policy.Guards["docs.write"])
	require.Len(t, profile.Agents, 1)
	assert.Equal(t, "notion-1", profile.Agents[0].AgentID)
	assert.Equal(t, 2, profile.Agents[0].MaxLoad)
	assert.Equal(t, 5.0, profile.Agents[0].RatePerSec)
}

func TestLoadProfile_Invalid(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadProfile(writeProfile(t, "agents:\n  - capabilities: [x]\n"))
	assert.ErrorContains(t, err, "missing agent_id")

	_, err = LoadProfile(writeProfile(t, "agents:\n  - agent_id: a1\n"))
	assert.ErrorContains(t, err, "declares no capabilities")

	_, err = LoadProfile(writeProfile(t, "{not yaml"))
	assert.Error(t, err)
}

func writeProfile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}
