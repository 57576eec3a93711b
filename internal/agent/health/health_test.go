package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/metrics"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

type fakeSignaling struct {
	registered atomic.Bool
	transport  atomic.Bool
	registers  atomic.Int32
	registerFn func() error
}

func (f *fakeSignaling) Registered() bool         { return f.registered.Load() }
func (f *fakeSignaling) TransportConnected() bool { return f.transport.Load() }
func (f *fakeSignaling) Register(context.Context) error {
	f.registers.Add(1)
	if f.registerFn != nil {
		return f.registerFn()
	}
	f.registered.Store(true)
	return nil
}

type fixedProbe struct {
	mu     sync.Mutex
	sample NetworkSample
}

func (p *fixedProbe) Probe(context.Context) NetworkSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample
}

func (p *fixedProbe) set(s NetworkSample) {
	p.mu.Lock()
	p.sample = s
	p.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var goodLink = NetworkSample{Online: true, Measured: true, LinkType: "ethernet", RTT: 20 * time.Millisecond, DownlinkMbps: 50}

func TestClassifyThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sample   NetworkSample
		quality  Quality
		strength int
	}{
		{"offline", NetworkSample{Online: false, Measured: true, RTT: time.Millisecond, DownlinkMbps: 100}, QualityPoor, 1},
		{"unmeasured", NetworkSample{Online: true}, QualityUnknown, 2},
		{"excellent", goodLink, QualityExcellent, 4},
		{"slow link caps good", NetworkSample{Online: true, Measured: true, LinkType: "3g", RTT: 50 * time.Millisecond, DownlinkMbps: 10}, QualityGood, 3},
		{"2g never good", NetworkSample{Online: true, Measured: true, LinkType: "2g", RTT: 50 * time.Millisecond, DownlinkMbps: 10}, QualityFair, 2},
		{"fair", NetworkSample{Online: true, Measured: true, LinkType: "wifi", RTT: 400 * time.Millisecond, DownlinkMbps: 0.5}, QualityFair, 2},
		{"poor", NetworkSample{Online: true, Measured: true, LinkType: "wifi", RTT: 900 * time.Millisecond, DownlinkMbps: 0.1}, QualityPoor, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, s := Classify(tt.sample)
			require.Equal(t, tt.quality, q)
			require.Equal(t, tt.strength, s)
		})
	}
}

func TestSignalStrengthNonIncreasingInTimeouts(t *testing.T) {
	t.Parallel()

	for base := MinStrength; base <= MaxStrength; base++ {
		prev := ApplyTimeouts(base, 0)
		require.Equal(t, base, prev)
		for n := 1; n <= 6; n++ {
			got := ApplyTimeouts(base, n)
			require.LessOrEqual(t, got, prev, "base=%d timeouts=%d", base, n)
			require.GreaterOrEqual(t, got, MinStrength)
			prev = got
		}
	}
	require.Equal(t, 2, ApplyTimeouts(2, 1), "one timeout never drops below 2")
	require.Equal(t, 3, ApplyTimeouts(4, 1))
	require.Equal(t, 1, ApplyTimeouts(2, 2))
	require.Equal(t, 1, ApplyTimeouts(4, 3))
}

func TestScoreAlwaysInRange(t *testing.T) {
	t.Parallel()

	bools := []bool{false, true}
	qualities := []Quality{QualityExcellent, QualityGood, QualityFair, QualityPoor, QualityUnknown}
	ages := []time.Duration{0, 10 * time.Second, 20 * time.Second, time.Minute}

	for _, reg := range bools {
		for _, tr := range bools {
			for _, ka := range bools {
				for _, online := range bools {
					for _, q := range qualities {
						for _, age := range ages {
							for timeouts := 0; timeouts <= 5; timeouts++ {
								in := ScoreInputs{
									Registered:         reg,
									TransportConnected: tr,
									KeepAlivePresent:   ka,
									KeepAliveAge:       age,
									KeepAliveWindow:    30 * time.Second,
									Online:             online,
									Quality:            q,
									RecentTimeouts:     timeouts,
									LogErrors:          timeouts * 3,
									LogSuccesses:       1,
								}
								got := Score(in)
								require.GreaterOrEqual(t, got, 0)
								require.LessOrEqual(t, got, 100)
								if !online {
									require.LessOrEqual(t, got, 25)
								}
							}
						}
					}
				}
			}
		}
	}
}

func TestScoreBands(t *testing.T) {
	t.Parallel()

	full := ScoreInputs{Registered: true, TransportConnected: true, Online: true, Quality: QualityExcellent, KeepAliveWindow: 30 * time.Second}
	require.Equal(t, 100, Score(full))

	stale := full
	stale.KeepAlivePresent = true
	stale.KeepAliveAge = 20 * time.Second
	require.Equal(t, 90, Score(stale))

	regOnly := ScoreInputs{Registered: true, Online: true, Quality: QualityPoor}
	require.Equal(t, 50, Score(regOnly))

	transportOnly := ScoreInputs{TransportConnected: true, Online: true, Quality: QualityGood}
	require.Equal(t, 50, Score(transportOnly))

	neither := ScoreInputs{Online: true, Quality: QualityFair}
	require.Equal(t, 25, Score(neither))
}

func TestEventLogEvictionUncounts(t *testing.T) {
	t.Parallel()

	l := NewEventLog(3)
	l.Append(LogEntry{Severity: SeverityError, Message: "a"})
	l.Append(LogEntry{Severity: SeveritySuccess, Message: "b"})
	l.Append(LogEntry{Severity: SeverityWarning, Message: "c"})
	s, e := l.Counts()
	require.Equal(t, 1, s)
	require.Equal(t, 1, e)

	l.Append(LogEntry{Severity: SeveritySuccess, Message: "d"})
	s, e = l.Counts()
	require.Equal(t, 2, s)
	require.Equal(t, 0, e)
	require.Equal(t, 3, l.Len())

	entries := l.Entries()
	require.Equal(t, []string{"b", "c", "d"}, []string{entries[0].Message, entries[1].Message, entries[2].Message})
}

func TestTimeoutRegistryWindow(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	r := NewTimeoutRegistry(30 * time.Second)
	r.Record(TimeoutRequest, "backend.dial", start)
	r.Record(TimeoutNetwork, "backend.hold", start.Add(20*time.Second))

	require.Equal(t, 2, r.Recent(start.Add(25*time.Second)))
	require.Equal(t, 1, r.Recent(start.Add(40*time.Second)))

	sum := r.Summary(start.Add(40 * time.Second))
	require.Equal(t, 1, sum.ByKind[TimeoutNetwork])
	require.Equal(t, 0, sum.ByKind[TimeoutRequest])
	require.Equal(t, 1, sum.Totals[TimeoutRequest])
	require.NotNil(t, sum.Last)
	require.Equal(t, "backend.hold", sum.Last.Op)
}

func TestOfflineUnregisteredSampleIsLow(t *testing.T) {
	t.Parallel()

	sig := &fakeSignaling{registerFn: func() error { return errors.New("no route") }}
	probe := &fixedProbe{sample: NetworkSample{Online: false}}
	m := NewMonitor(Config{}, sig, probe)
	defer m.Stop()

	h := m.Sample(context.Background())
	require.False(t, h.SIPRegistered)
	require.False(t, h.WSConnected)
	require.False(t, h.Online)
	require.LessOrEqual(t, h.OverallHealth, 25)
	require.Equal(t, QualityPoor, h.NetworkQuality)

	entries := m.Log().Entries()
	require.Len(t, entries, 1)
	require.Equal(t, CategoryNetwork, entries[0].Category)
	require.Equal(t, SeverityError, entries[0].Severity)
}

func TestKeepAliveStandsInForDirectFlags(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	sig := &fakeSignaling{registerFn: func() error { return errors.New("refused") }}
	m := NewMonitor(Config{Now: clk.Now}, sig, &fixedProbe{sample: goodLink})
	defer m.Stop()

	m.ObserveMessage(signaling.Message{Body: []byte("keepalive"), ReceivedAt: clk.Now()})
	clk.Advance(5 * time.Second)

	h := m.Sample(context.Background())
	require.True(t, h.SIPRegistered)
	require.True(t, h.WSConnected)
	require.Equal(t, 100, h.OverallHealth)

	clk.Advance(40 * time.Second)
	h = m.Sample(context.Background())
	require.False(t, h.SIPRegistered)
	require.False(t, h.WSConnected)
	require.Equal(t, 30, h.OverallHealth)
}

func TestTimeoutsLowerStrengthAndScore(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	sig := &fakeSignaling{}
	sig.registered.Store(true)
	sig.transport.Store(true)
	m := NewMonitor(Config{Now: clk.Now}, sig, &fixedProbe{sample: goodLink})
	defer m.Stop()

	m.RecordTimeout("backend.dial", apperr.New(apperr.KindNetwork, "backend.dial", apperr.CodeRequestTimeout, "deadline"))
	m.RecordTimeout("backend.hold", apperr.New(apperr.KindNetwork, "backend.hold", apperr.CodeNetworkTimeout, "unreachable"))

	h := m.Sample(context.Background())
	require.Equal(t, 2, h.RecentTimeoutCount)
	require.Equal(t, 3, h.SignalStrength)
	require.Equal(t, 90, h.OverallHealth)

	sum := m.Timeouts()
	require.Equal(t, 1, sum.ByKind[TimeoutNetwork])
	require.Equal(t, 1, sum.ByKind[TimeoutRequest])

	entries := m.Log().Entries()
	require.Equal(t, CategoryTimeout, entries[len(entries)-1].Category)
}

func TestEscalationFiresOncePerRun(t *testing.T) {
	t.Parallel()

	sig := &fakeSignaling{registerFn: func() error { return errors.New("refused") }}
	probe := &fixedProbe{sample: NetworkSample{Online: false}}
	m := NewMonitor(Config{EscalateAfter: 2}, sig, probe)
	defer m.Stop()

	var fired atomic.Int32
	var lastCause atomic.Value
	m.OnEscalate(func(_ context.Context, cause error) {
		fired.Add(1)
		lastCause.Store(cause)
	})

	ctx := context.Background()
	m.Sample(ctx)
	require.Equal(t, int32(0), fired.Load())
	m.Sample(ctx)
	require.Equal(t, int32(1), fired.Load())
	m.Sample(ctx)
	require.Equal(t, int32(1), fired.Load())
	require.True(t, apperr.IsKind(lastCause.Load().(error), apperr.KindNetwork))

	// Recover, then fail again: a new run escalates again.
	sig.registered.Store(true)
	probe.set(goodLink)
	m.Sample(ctx)
	sig.registered.Store(false)
	probe.set(NetworkSample{Online: false})
	m.Sample(ctx)
	m.Sample(ctx)
	require.Equal(t, int32(2), fired.Load())
}

func TestSelfHealReRegistersWhenOnline(t *testing.T) {
	t.Parallel()

	sig := &fakeSignaling{}
	m := NewMonitor(Config{}, sig, &fixedProbe{sample: goodLink})

	m.Sample(context.Background())
	m.Stop()

	require.Equal(t, int32(1), sig.registers.Load())
	require.True(t, sig.Registered())

	var sawInfo bool
	for _, e := range m.Log().Entries() {
		if e.Category == CategorySIP && e.Severity == SeverityInfo {
			sawInfo = true
		}
	}
	require.True(t, sawInfo)
}

func TestMonitorLoopSamplesAndStops(t *testing.T) {
	t.Parallel()

	sig := &fakeSignaling{}
	sig.registered.Store(true)
	sig.transport.Store(true)
	m := NewMonitor(Config{Interval: 10 * time.Millisecond}, sig, &fixedProbe{sample: goodLink})

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.Log().Len() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	snap := m.Snapshot()
	require.Equal(t, 100, snap.OverallHealth)
	require.Equal(t, "excellent", snap.NetworkQuality)
	require.NotZero(t, snap.SampledAt)
}

func TestMetricsObserveSamples(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	mx, err := metrics.New("test", reg)
	require.NoError(t, err)

	sig := &fakeSignaling{}
	sig.registered.Store(true)
	sig.transport.Store(true)
	m := NewMonitor(Config{Metrics: mx}, sig, &fixedProbe{sample: goodLink})
	defer m.Stop()
	m.Sample(context.Background())

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			}
		}
	}
	require.Equal(t, float64(100), values["test_overall_health"])
	require.Equal(t, float64(4), values["test_signal_strength"])
	require.Equal(t, float64(1), values["test_sip_registered"])
}

func TestOnlyKeepaliveMessagesRefreshKeepAlive(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	sig := &fakeSignaling{registerFn: func() error { return errors.New("refused") }}
	m := NewMonitor(Config{Now: clk.Now}, sig, &fixedProbe{sample: goodLink})
	defer m.Stop()

	m.ObserveMessage(signaling.Message{Body: []byte("Participant 5551234 connected"), ReceivedAt: clk.Now()})
	m.ObserveMessage(signaling.Message{ContentType: "application/json", Body: []byte(`{"event":"participant.count","count":2}`), ReceivedAt: clk.Now()})
	h := m.Sample(context.Background())
	require.False(t, h.SIPRegistered)

	m.ObserveMessage(signaling.Message{Body: []byte("keepalive 200"), ReceivedAt: clk.Now()})
	h = m.Sample(context.Background())
	require.True(t, h.SIPRegistered)
}
