package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveHealth(80, 3, 1, true, true, true)
	m.HealthEvent("sip", "error")
	m.BackendTimeout("network")
	m.Escalation()
	m.CallTransition("idle", "dialing")
	m.Recording("ok")
	m.TranscriptReconnect("local")
	m.SyncPublish("call", "ok")
}

func TestRegisterAndObserve(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New("", reg)
	require.NoError(t, err)

	m.ObserveHealth(60, 2, 0, true, false, true)
	m.CallTransition("idle", "dialing")
	m.CallTransition("idle", "dialing")
	m.SyncPublish("monitoring", "store_error")

	require.Equal(t, 60.0, testutil.ToFloat64(m.overallHealth))
	require.Equal(t, 0.0, testutil.ToFloat64(m.transportConnected))
	require.Equal(t, 2.0, testutil.ToFloat64(m.callTransitions.WithLabelValues("idle", "dialing")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.syncPublishes.WithLabelValues("monitoring", "store_error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["agentphone_overall_health"])
	require.True(t, names["agentphone_call_transitions_total"])

	_, err = New("", reg)
	require.Error(t, err)
}
