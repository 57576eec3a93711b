package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/config"
	"github.com/sebas/agentphone/internal/agent/history"
)

func init() {
	color.NoColor = true
}

func TestHubURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ws://127.0.0.1:8089/ws?streams=monitoring", hubURL(":8089"))
	require.Equal(t, "ws://127.0.0.1:8089/ws?streams=monitoring", hubURL("0.0.0.0:8089"))
	require.Equal(t, "ws://10.0.0.5:9000/ws?streams=monitoring", hubURL("10.0.0.5:9000"))
	require.Equal(t, "ws://agent.local/ws?streams=monitoring", hubURL("agent.local"))
}

func TestStartupLinesSync(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Agent.User = "1001"
	cfg.SIP.BindAddr = "0.0.0.0"
	cfg.SIP.Port = 5060
	cfg.SIP.Transport = "udp"
	cfg.Sync.Redis.Enabled = true
	cfg.Sync.Redis.Address = "localhost:6379"

	lines := startupLines(cfg)
	values := map[string]string{}
	for _, l := range lines {
		values[l.Label] = l.Value
	}
	require.Equal(t, "1001", values["Agent"])
	require.Equal(t, "0.0.0.0:5060/udp", values["SIP listen"])
	require.Equal(t, "redis localhost:6379", values["Sync"])
	require.Empty(t, values["API"])
}

func TestRenderHistory(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderHistory(&buf, nil)
	require.Equal(t, "No calls found\n", buf.String())

	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ended := started.Add(95 * time.Second)
	buf.Reset()
	renderHistory(&buf, []history.Record{
		{PhoneNumber: "5551234567", Direction: "outbound", Status: history.StatusSuccess, StartedAt: started, EndedAt: &ended, Disposition: "sale"},
		{PhoneNumber: "5559876543", Direction: "inbound", Status: history.StatusMissed, StartedAt: started},
	})
	out := buf.String()
	require.Contains(t, out, "5551234567")
	require.Contains(t, out, "1m35s")
	require.Contains(t, out, "Missed")
	require.Contains(t, out, "sale")
}

func TestPrintSnapshot(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSnapshot(&buf, types.MonitoringSnapshot{
		Call:       types.CallSnapshot{Status: "active", RemoteNumber: "5551234567", ElapsedSeconds: 42},
		Conference: types.ConferenceSnapshot{Active: true, Participants: 3, Merged: true},
		Health:     types.HealthSnapshot{OverallHealth: 80, NetworkQuality: "good", SignalStrength: 3},
		Timestamp:  time.Now().UnixMilli(),
	})
	out := buf.String()
	require.Contains(t, out, "call=active number=5551234567 elapsed=42s conference=3 merged")
	require.Contains(t, out, "health=80% (good, 3/4)")
	require.NotContains(t, out, "CONNECTION LOST")
}
