package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/agentphone/internal/agent/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  user: "1001"
sip:
  registrar: "sip:pbx.example.com"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "1001", cfg.Agent.User)
	require.Equal(t, 5*time.Second, cfg.Health.Interval)
	require.Equal(t, 30*time.Second, cfg.Health.KeepAliveWindow)
	require.Equal(t, 500, cfg.Health.LogCapacity)
	require.Equal(t, 2*time.Second, cfg.Conference.GraceWindow)
	require.Equal(t, 1500*time.Millisecond, cfg.Conference.EndGuard)
	require.Equal(t, 3*time.Second, cfg.Recording.ReconnectDelay)
	require.Equal(t, 2*time.Second, cfg.Sync.CallInterval)
	require.Equal(t, 10*time.Second, cfg.Sync.SnapshotInterval)
	require.Equal(t, "udp", cfg.SIP.Transport)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
agent:
  user: "1001"
sip:
  registrar: "sip:pbx.example.com"
health:
  interval: 7s
`)
	t.Setenv("AGENTPHONE_HEALTH_INTERVAL", "3s")
	t.Setenv("AGENTPHONE_BACKEND_BASE_URL", "https://calls.example.com")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.Health.Interval)
	require.Equal(t, "https://calls.example.com", cfg.Backend.BaseURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
agent:
  user: "1001"
sip:
  registrar: "sip:pbx.example.com"
recording:
  encoding: "mp3"
`)

	_, err := config.Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Encoding")
}

func TestLoadRequiresAgentUser(t *testing.T) {
	path := writeConfig(t, `
sip:
  registrar: "sip:pbx.example.com"
`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
