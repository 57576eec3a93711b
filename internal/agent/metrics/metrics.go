// Package metrics holds the Prometheus collectors exported by the agent.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the agent collectors.
type Metrics struct {
	overallHealth      prometheus.Gauge
	signalStrength     prometheus.Gauge
	sipRegistered      prometheus.Gauge
	transportConnected prometheus.Gauge
	online             prometheus.Gauge
	recentTimeouts     prometheus.Gauge
	healthEvents       *prometheus.CounterVec
	backendTimeouts    *prometheus.CounterVec
	escalations        prometheus.Counter
	callTransitions    *prometheus.CounterVec
	recordings         *prometheus.CounterVec
	transcriptReopens  *prometheus.CounterVec
	syncPublishes      *prometheus.CounterVec
}

// New builds the collectors under namespace and registers them with reg.
// A nil reg leaves them unregistered, which tests use to avoid collisions.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "agentphone"
	}
	m := &Metrics{
		overallHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overall_health",
			Help:      "Latest overall connection health score (0-100)",
		}),
		signalStrength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_strength",
			Help:      "Latest signal strength rating (1-4)",
		}),
		sipRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sip_registered",
			Help:      "1 when the agent counts as registered",
		}),
		transportConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_connected",
			Help:      "1 when the signaling transport counts as connected",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the network probe reached its target",
		}),
		recentTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recent_timeouts",
			Help:      "Backend timeouts within the health window",
		}),
		healthEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_events_total",
			Help:      "Health log entries by category and severity",
		}, []string{"category", "severity"}),
		backendTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_timeouts_total",
			Help:      "Backend call timeouts by kind",
		}, []string{"kind"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_escalations_total",
			Help:      "Times the health monitor escalated to connection loss",
		}),
		callTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state transitions",
		}, []string{"from", "to"}),
		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording attempts by result",
		}, []string{"result"}),
		transcriptReopens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_reconnects_total",
			Help:      "Transcription channel reconnects by channel",
		}, []string{"channel"}),
		syncPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_publishes_total",
			Help:      "Snapshot publishes by class and result",
		}, []string{"class", "result"}),
	}
	if reg != nil {
		for _, c := range m.all() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) all() []prometheus.Collector {
	return []prometheus.Collector{
		m.overallHealth,
		m.signalStrength,
		m.sipRegistered,
		m.transportConnected,
		m.online,
		m.recentTimeouts,
		m.healthEvents,
		m.backendTimeouts,
		m.escalations,
		m.callTransitions,
		m.recordings,
		m.transcriptReopens,
		m.syncPublishes,
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveHealth records one health sample.
func (m *Metrics) ObserveHealth(score, strength, recentTimeouts int, registered, transport, online bool) {
	if m == nil {
		return
	}
	m.overallHealth.Set(float64(score))
	m.signalStrength.Set(float64(strength))
	m.recentTimeouts.Set(float64(recentTimeouts))
	m.sipRegistered.Set(boolGauge(registered))
	m.transportConnected.Set(boolGauge(transport))
	m.online.Set(boolGauge(online))
}

// HealthEvent counts one health log entry.
func (m *Metrics) HealthEvent(category, severity string) {
	if m == nil {
		return
	}
	m.healthEvents.WithLabelValues(category, severity).Inc()
}

// BackendTimeout counts one backend timeout.
func (m *Metrics) BackendTimeout(kind string) {
	if m == nil {
		return
	}
	m.backendTimeouts.WithLabelValues(kind).Inc()
}

// Escalation counts one escalation.
func (m *Metrics) Escalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

// CallTransition counts one call state transition.
func (m *Metrics) CallTransition(from, to string) {
	if m == nil {
		return
	}
	m.callTransitions.WithLabelValues(from, to).Inc()
}

// Recording counts one recording outcome.
func (m *Metrics) Recording(result string) {
	if m == nil {
		return
	}
	m.recordings.WithLabelValues(result).Inc()
}

// TranscriptReconnect counts one transcription reconnect.
func (m *Metrics) TranscriptReconnect(channel string) {
	if m == nil {
		return
	}
	m.transcriptReopens.WithLabelValues(channel).Inc()
}

// SyncPublish counts one snapshot publish.
func (m *Metrics) SyncPublish(class, result string) {
	if m == nil {
		return
	}
	m.syncPublishes.WithLabelValues(class, result).Inc()
}
