// Package app wires the agent components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/api"
	"github.com/sebas/agentphone/internal/agent/backend"
	"github.com/sebas/agentphone/internal/agent/call"
	"github.com/sebas/agentphone/internal/agent/conference"
	"github.com/sebas/agentphone/internal/agent/config"
	"github.com/sebas/agentphone/internal/agent/events"
	"github.com/sebas/agentphone/internal/agent/health"
	"github.com/sebas/agentphone/internal/agent/history"
	"github.com/sebas/agentphone/internal/agent/media"
	"github.com/sebas/agentphone/internal/agent/metrics"
	"github.com/sebas/agentphone/internal/agent/recording"
	"github.com/sebas/agentphone/internal/agent/signaling"
	"github.com/sebas/agentphone/internal/agent/signaling/sipua"
	"github.com/sebas/agentphone/internal/agent/tabsync"
)

// Agent owns every component of one logged-in agent.
type Agent struct {
	cfg *config.Config

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	publisher  events.Publisher
	events     *events.Builder
	ua         *sipua.UA
	backend    *backend.Client
	history    *history.Store
	recorder   *recording.Manager
	transcript io.Closer
	monitor    *health.Monitor
	calls      *call.Controller
	conference *conference.Coordinator
	hub        *tabsync.Hub
	sync       *tabsync.Synchronizer
	api        *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds the agent. Optional sync backends connect here; SIP and the
// call-control backend are not contacted until Run.
func New(cfg *config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{cfg: cfg, ctx: ctx, cancel: cancel, events: events.NewBuilder(cfg.Agent.User)}

	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build() error {
	cfg := a.cfg

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(cfg.Health.MetricsNamespace, a.registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.metrics = m

	a.history, err = history.Open(cfg.History.Path)
	if err != nil {
		return err
	}

	a.ua, err = sipua.New(sipua.Config{
		User:          cfg.Agent.User,
		Password:      cfg.Agent.Password,
		Domain:        cfg.SIP.Domain,
		Registrar:     cfg.SIP.Registrar,
		BindAddr:      cfg.SIP.BindAddr,
		Port:          cfg.SIP.Port,
		AdvertiseAddr: cfg.SIP.AdvertiseAddr,
		Transport:     cfg.SIP.Transport,
		Expires:       cfg.SIP.Expires,
		KeepAlive:     cfg.SIP.KeepAlive,
		RTPPortMin:    cfg.SIP.RTPPortMin,
		RTPPortMax:    cfg.SIP.RTPPortMax,
	})
	if err != nil {
		return fmt.Errorf("sip user agent: %w", err)
	}

	a.backend = backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		User:    cfg.Agent.User,
		Timeout: cfg.Backend.Timeout,
	})

	var probe health.NetworkProbe = health.StaticProbe{LinkType: cfg.Health.LinkType}
	if cfg.Health.ProbeURL != "" {
		probe = health.NewHTTPProbe(cfg.Health.ProbeURL, cfg.Health.LinkType)
	}
	a.monitor = health.NewMonitor(health.Config{
		Interval:        cfg.Health.Interval,
		KeepAliveWindow: cfg.Health.KeepAliveWindow,
		TimeoutWindow:   cfg.Health.TimeoutWindow,
		LogCapacity:     cfg.Health.LogCapacity,
		EscalateAfter:   cfg.Health.EscalateAfter,
		Metrics:         a.metrics,
	}, a.ua, probe)
	a.backend.SetRecorder(a.monitor)

	tr, err := a.buildTranscriber()
	if err != nil {
		return err
	}
	a.recorder = recording.NewManager(recording.Config{
		Enabled:        cfg.Recording.Enabled,
		DownloadDir:    cfg.Recording.DownloadDir,
		SampleRate:     cfg.Recording.SampleRate,
		Encoding:       media.Encoding(cfg.Recording.Encoding),
		ReconnectDelay: cfg.Recording.ReconnectDelay,
		Metrics:        a.metrics,
	}, recording.UDPCapture{Addr: cfg.Recording.CaptureAddr}, tr)

	if err := a.buildSync(); err != nil {
		return err
	}

	a.publisher = events.NewMultiPublisher(
		events.NewLoggingPublisher(slog.Default()),
		a.hub,
		tabsync.NewEventTrigger(a.ctx, a.sync),
	)

	a.calls = call.NewController(call.Config{
		Agent:      cfg.Agent.User,
		ActionHold: cfg.Call.ActionHold,
		OpTimeout:  cfg.Backend.Timeout,
		Publisher:  a.publisher,
		Metrics:    a.metrics,
	}, a.backend, a.ua, a.recorder, a.history)

	host := cfg.Agent.Extension
	if host == "" {
		host = cfg.Agent.User
	}
	a.conference = conference.NewCoordinator(conference.Config{
		HostNumber:  host,
		GraceWindow: cfg.Conference.GraceWindow,
		EndGuard:    cfg.Conference.EndGuard,
		OpTimeout:   cfg.Backend.Timeout,
		Guard:       a.calls.Guard(),
		Publisher:   a.publisher,
		OnFatal:     a.calls.ConnectionLost,
	}, a.calls, a.backend)
	a.calls.SetConference(a.conference)

	a.ua.OnSession(a.calls.OnSession)
	a.ua.OnMessage(a.onMessage)
	a.monitor.OnEscalate(a.onEscalate)
	a.recorder.OnTranscript(a.onTranscript)

	if cfg.API.Enabled {
		a.api = api.NewServer(api.Deps{
			Calls:       a.calls,
			Conferences: a.conference,
			Health:      a.monitor,
			History:     a.history,
			Gatherer:    a.registry,
			Stream:      a.hub,
		})
	}
	return nil
}

func (a *Agent) buildTranscriber() (recording.Transcriber, error) {
	rc := a.cfg.Recording
	switch rc.Transcription {
	case "websocket":
		return recording.NewWSTranscriber(rc.TranscriptionURL), nil
	case "grpc":
		t, err := recording.NewGRPCTranscriber(recording.GRPCConfig{Address: rc.TranscriptionURL})
		if err != nil {
			return nil, err
		}
		a.transcript = t
		return t, nil
	default:
		return nil, nil
	}
}

func (a *Agent) buildSync() error {
	sc := a.cfg.Sync
	a.hub = tabsync.NewHub()

	var (
		store        tabsync.Store
		broadcasters = []tabsync.Broadcaster{a.hub}
	)
	if sc.Redis.Enabled {
		client, err := tabsync.NewRedisClient(a.ctx, tabsync.RedisOptions{
			Address:  sc.Redis.Address,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		if err != nil {
			return err
		}
		store = tabsync.NewRedisStore(client)
		broadcasters = append(broadcasters, tabsync.NewRedisBroadcaster(client, BroadcastChannel(a.cfg)))
	} else {
		store = tabsync.NewMemoryStore(sc.TTL)
	}
	if sc.MQTT.Enabled {
		b, err := tabsync.NewMQTTBroadcaster(a.ctx, tabsync.MQTTOptions{
			Broker:   sc.MQTT.Broker,
			ClientID: sc.MQTT.ClientID,
			Username: sc.MQTT.Username,
			Password: sc.MQTT.Password,
			Topic:    MQTTTopic(a.cfg),
		})
		if err != nil {
			_ = store.Close()
			return err
		}
		broadcasters = append(broadcasters, b)
	}

	a.sync = tabsync.NewSynchronizer(tabsync.Config{
		Prefix:             sc.Prefix,
		Agent:              a.cfg.Agent.User,
		CallInterval:       sc.CallInterval,
		HealthInterval:     sc.HealthInterval,
		MonitoringInterval: sc.SnapshotInterval,
		TTL:                sc.TTL,
		Metrics:            a.metrics,
	}, store, tabsync.Sources{
		Call:       func() types.CallSnapshot { return a.calls.Snapshot() },
		Conference: func() types.ConferenceSnapshot { return a.conference.Snapshot() },
		Health:     a.monitor.Snapshot,
	}, broadcasters...)
	return nil
}

// BroadcastChannel is the Redis pub/sub channel for cfg.
func BroadcastChannel(cfg *config.Config) string {
	return cfg.Sync.Prefix + ":" + cfg.Agent.User + ":broadcast"
}

// MQTTTopic is the MQTT topic for cfg.
func MQTTTopic(cfg *config.Config) string {
	if cfg.Sync.MQTT.Topic != "" {
		return cfg.Sync.MQTT.Topic
	}
	return cfg.Sync.Prefix + "/" + cfg.Agent.User + "/snapshots"
}

// Run logs in, starts every component and blocks until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.backend.Login(ctx, a.cfg.Agent.User, a.cfg.Agent.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := a.ua.Start(a.ctx); err != nil {
		return fmt.Errorf("start sip: %w", err)
	}
	a.monitor.Start(a.ctx)
	a.conference.Start(a.ctx)
	if err := a.sync.Start(a.ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if a.api != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.api.ListenAndServe(a.ctx, a.cfg.API.Addr); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	slog.Info("[App] Agent running", "user", a.cfg.Agent.User, "registrar", a.cfg.SIP.Registrar)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// onMessage feeds raw signaling messages to the monitor and conference.
func (a *Agent) onMessage(msg signaling.Message) {
	a.monitor.ObserveMessage(msg)
	n := signaling.Decode(msg)
	if !n.IsParticipant() {
		return
	}
	a.conference.HandleNotification(n)
}

func (a *Agent) onEscalate(ctx context.Context, cause error) {
	if cause == nil {
		cause = errors.New("health degraded")
	}
	a.publisher.PublishAsync(a.events.New(events.HealthDegraded).With("cause", cause.Error()).Build())
	a.calls.ConnectionLost(ctx, cause)
}

func (a *Agent) onTranscript(t recording.Transcript) {
	if !t.Final {
		return
	}
	a.publisher.PublishAsync(a.events.New(events.Transcript).
		With("channel", string(t.Channel)).
		With("text", t.Text).
		Build())
}

// Close stops every component. Safe to call more than once.
func (a *Agent) Close() error {
	var err error
	a.once.Do(func() {
		if a.calls != nil {
			err = multierr.Append(err, a.calls.Close())
		}
		if a.conference != nil {
			a.conference.Stop()
		}
		if a.monitor != nil {
			a.monitor.Stop()
		}
		if a.sync != nil {
			err = multierr.Append(err, a.sync.Close())
		}
		a.cancel()
		a.wg.Wait()
		if a.recorder != nil {
			err = multierr.Append(err, a.recorder.Close())
		}
		if a.transcript != nil {
			err = multierr.Append(err, a.transcript.Close())
		}
		if a.ua != nil {
			err = multierr.Append(err, a.ua.Close())
		}
		if a.backend != nil {
			a.backend.Logout()
		}
		if a.publisher != nil {
			err = multierr.Append(err, a.publisher.Close())
		}
		if a.history != nil {
			err = multierr.Append(err, a.history.Close())
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
