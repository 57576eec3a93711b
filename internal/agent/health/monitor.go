// Package health estimates the agent's connection health from two sources of
// truth: the direct flags of the signaling stack and the keepalive traffic
// observed on it. It also tracks backend timeouts and network quality.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/metrics"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

// Signaling is the subset of the signaling stack the monitor samples.
type Signaling interface {
	Registered() bool
	TransportConnected() bool
	Register(ctx context.Context) error
}

// Config configures a Monitor.
type Config struct {
	Interval        time.Duration
	KeepAliveWindow time.Duration
	TimeoutWindow   time.Duration
	LogCapacity     int
	// EscalateAfter is the number of consecutive bad samples before the
	// escalation callback fires. Zero disables escalation.
	EscalateAfter int
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.KeepAliveWindow <= 0 {
		c.KeepAliveWindow = 30 * time.Second
	}
	if c.TimeoutWindow <= 0 {
		c.TimeoutWindow = 30 * time.Second
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = DefaultLogCapacity
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ConnectionHealth is derived on every sample.
type ConnectionHealth struct {
	OverallHealth      int
	WSConnected        bool
	SIPRegistered      bool
	NetworkQuality     Quality
	SignalStrength     int
	RecentTimeoutCount int
	LastKeepAliveAt    time.Time
	Online             bool
	SampledAt          time.Time
}

// Snapshot converts h to its published form.
func (h ConnectionHealth) Snapshot() types.HealthSnapshot {
	s := types.HealthSnapshot{
		OverallHealth:      h.OverallHealth,
		WSConnected:        h.WSConnected,
		SIPRegistered:      h.SIPRegistered,
		NetworkQuality:     string(h.NetworkQuality),
		SignalStrength:     h.SignalStrength,
		RecentTimeoutCount: h.RecentTimeoutCount,
		Online:             h.Online,
	}
	if !h.LastKeepAliveAt.IsZero() {
		s.LastKeepAliveAt = h.LastKeepAliveAt.UnixMilli()
	}
	if !h.SampledAt.IsZero() {
		s.SampledAt = h.SampledAt.UnixMilli()
	}
	return s
}

// Monitor samples connection health on a fixed interval.
type Monitor struct {
	cfg      Config
	sig      Signaling
	probe    NetworkProbe
	log      *EventLog
	timeouts *TimeoutRegistry

	mu              sync.RWMutex
	current         ConnectionHealth
	lastKeepAlive   time.Time
	consecutiveBad  int
	escalated       bool
	onEscalate      func(ctx context.Context, cause error)
	reregistering   atomic.Bool
	selfHealTimeout time.Duration

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. A nil probe reports an unmeasured online link.
func NewMonitor(cfg Config, sig Signaling, probe NetworkProbe) *Monitor {
	cfg.setDefaults()
	if probe == nil {
		probe = StaticProbe{}
	}
	return &Monitor{
		cfg:      cfg,
		sig:      sig,
		probe:    probe,
		log:      NewEventLog(cfg.LogCapacity),
		timeouts: NewTimeoutRegistry(cfg.TimeoutWindow),
		current: ConnectionHealth{
			NetworkQuality: QualityUnknown,
			SignalStrength: 2,
		},
		selfHealTimeout: 10 * time.Second,
		stopCh:          make(chan struct{}),
	}
}

// OnEscalate registers the callback invoked once per run of bad samples.
func (m *Monitor) OnEscalate(fn func(ctx context.Context, cause error)) {
	m.mu.Lock()
	m.onEscalate = fn
	m.mu.Unlock()
}

// Start samples once immediately, then on every interval until Stop or ctx
// is done.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
	slog.Info("[Health] Monitor started", "interval", m.cfg.Interval)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.Sample(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Stop halts sampling and waits for the loop to exit. Safe to call twice.
func (m *Monitor) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
}

// RecordKeepAlive notes keepalive traffic at at.
func (m *Monitor) RecordKeepAlive(at time.Time) {
	if at.IsZero() {
		at = m.cfg.Now()
	}
	m.mu.Lock()
	if at.After(m.lastKeepAlive) {
		m.lastKeepAlive = at
	}
	m.mu.Unlock()
}

// ObserveMessage records msg as keepalive traffic when it decodes as a
// keepalive. Participant notices and other messages are ignored.
func (m *Monitor) ObserveMessage(msg signaling.Message) {
	if signaling.Decode(msg).Kind != signaling.NotifyKeepalive {
		return
	}
	m.RecordKeepAlive(msg.ReceivedAt)
}

// RecordTimeout implements backend.TimeoutRecorder.
func (m *Monitor) RecordTimeout(op string, err error) {
	kind := TimeoutRequest
	if apperr.CodeOf(err) == apperr.CodeNetworkTimeout {
		kind = TimeoutNetwork
	}
	now := m.cfg.Now()
	m.timeouts.Record(kind, op, now)
	m.cfg.Metrics.BackendTimeout(string(kind))
	slog.Debug("[Health] Backend timeout recorded", "op", op, "kind", kind, "error", err)
}

// RecordEvent appends an entry outside the sampling cycle.
func (m *Monitor) RecordEvent(cat Category, sev Severity, msg string) {
	m.appendLog(LogEntry{At: m.cfg.Now(), Category: cat, Severity: sev, Message: msg})
}

func (m *Monitor) appendLog(e LogEntry) {
	m.log.Append(e)
	m.cfg.Metrics.HealthEvent(string(e.Category), string(e.Severity))
}

// Log returns the event log.
func (m *Monitor) Log() *EventLog { return m.log }

// Timeouts returns the timeout summary at the current time.
func (m *Monitor) Timeouts() TimeoutSummary {
	return m.timeouts.Summary(m.cfg.Now())
}

// Current returns the last sample.
func (m *Monitor) Current() ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the last sample in its published form.
func (m *Monitor) Snapshot() types.HealthSnapshot {
	return m.Current().Snapshot()
}

// Sample takes one reading, updates the log, metrics and escalation state,
// and returns the derived health.
func (m *Monitor) Sample(ctx context.Context) ConnectionHealth {
	reading := m.probe.Probe(ctx)
	now := m.cfg.Now()

	directRegistered := m.sig != nil && m.sig.Registered()
	directTransport := m.sig != nil && m.sig.TransportConnected()

	m.mu.RLock()
	lastKA := m.lastKeepAlive
	m.mu.RUnlock()

	kaPresent := !lastKA.IsZero()
	kaAge := now.Sub(lastKA)
	fresh := keepAliveFresh(kaPresent, kaAge, m.cfg.KeepAliveWindow)

	quality, strength := Classify(reading)
	recent := m.timeouts.Recent(now)
	strength = ApplyTimeouts(strength, recent)

	successes, errs := m.log.Counts()
	h := ConnectionHealth{
		WSConnected:        directTransport || fresh,
		SIPRegistered:      directRegistered || fresh,
		NetworkQuality:     quality,
		SignalStrength:     strength,
		RecentTimeoutCount: recent,
		LastKeepAliveAt:    lastKA,
		Online:             reading.Online,
		SampledAt:          now,
	}
	h.OverallHealth = Score(ScoreInputs{
		Registered:         h.SIPRegistered,
		TransportConnected: directTransport,
		KeepAlivePresent:   kaPresent,
		KeepAliveAge:       kaAge,
		KeepAliveWindow:    m.cfg.KeepAliveWindow,
		Online:             reading.Online,
		Quality:            quality,
		RecentTimeouts:     recent,
		LogErrors:          errs,
		LogSuccesses:       successes,
	})

	m.appendLog(classifySample(h, kaPresent, kaAge, m.cfg.KeepAliveWindow))
	m.cfg.Metrics.ObserveHealth(h.OverallHealth, h.SignalStrength, recent, h.SIPRegistered, h.WSConnected, h.Online)

	m.mu.Lock()
	prev := m.current
	m.current = h
	m.mu.Unlock()

	if prev.OverallHealth != h.OverallHealth && !prev.SampledAt.IsZero() {
		slog.Debug("[Health] Score changed", "from", prev.OverallHealth, "to", h.OverallHealth,
			"quality", h.NetworkQuality, "strength", h.SignalStrength)
	}

	m.evaluate(ctx, h, directRegistered)
	return h
}

// classifySample picks the single log entry for a sample.
func classifySample(h ConnectionHealth, kaPresent bool, kaAge, window time.Duration) LogEntry {
	e := LogEntry{At: h.SampledAt}
	switch {
	case !h.Online:
		e.Category, e.Severity, e.Message = CategoryNetwork, SeverityError, "network offline"
	case !h.SIPRegistered:
		e.Category, e.Severity, e.Message = CategorySIP, SeverityError, "not registered"
	case !h.WSConnected:
		e.Category, e.Severity, e.Message = CategoryWebSocket, SeverityError, "transport disconnected"
	case h.RecentTimeoutCount > 0:
		e.Category, e.Severity = CategoryTimeout, SeverityWarning
		e.Message = fmt.Sprintf("%d recent backend timeouts", h.RecentTimeoutCount)
	case kaPresent && kaAge > window/2:
		e.Category, e.Severity = CategoryKeepAlive, SeverityWarning
		e.Message = fmt.Sprintf("keepalive %s old", kaAge.Truncate(time.Second))
	case h.NetworkQuality == QualityFair || h.NetworkQuality == QualityPoor:
		e.Category, e.Severity = CategoryNetwork, SeverityWarning
		e.Message = "network quality " + string(h.NetworkQuality)
	default:
		e.Category, e.Severity, e.Message = CategorySIP, SeveritySuccess, "healthy"
	}
	return e
}

// evaluate tracks consecutive bad samples, escalates once per run and tries
// to re-register when the network is back but registration is not.
func (m *Monitor) evaluate(ctx context.Context, h ConnectionHealth, directRegistered bool) {
	bad := !h.Online || !h.SIPRegistered

	m.mu.Lock()
	var fire func(context.Context, error)
	if bad {
		m.consecutiveBad++
		if m.cfg.EscalateAfter > 0 && m.consecutiveBad >= m.cfg.EscalateAfter && !m.escalated {
			m.escalated = true
			fire = m.onEscalate
		}
	} else {
		if m.escalated {
			slog.Info("[Health] Connection recovered", "after_samples", m.consecutiveBad)
		}
		m.consecutiveBad = 0
		m.escalated = false
	}
	count := m.consecutiveBad
	m.mu.Unlock()

	if fire != nil {
		cause := apperr.New(apperr.KindNetwork, "health.escalate", apperr.CodeOffline,
			fmt.Sprintf("offline for %d samples", count))
		if h.Online {
			cause = apperr.New(apperr.KindSignaling, "health.escalate", apperr.CodeRegistration,
				fmt.Sprintf("unregistered for %d samples", count))
		}
		slog.Warn("[Health] Escalating connection loss", "bad_samples", count, "online", h.Online)
		m.cfg.Metrics.Escalation()
		fire(ctx, cause)
	}

	if h.Online && !directRegistered && m.sig != nil {
		m.selfHeal(ctx)
	}
}

func (m *Monitor) selfHeal(ctx context.Context) {
	if !m.reregistering.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.reregistering.Store(false)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.selfHealTimeout)
		defer cancel()

		if err := m.sig.Register(rctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("[Health] Re-register failed", "error", err)
			}
			m.RecordEvent(CategorySIP, SeverityWarning, "re-register failed: "+err.Error())
			return
		}
		slog.Info("[Health] Re-registered")
		m.RecordEvent(CategorySIP, SeverityInfo, "re-registered")
	}()
}
