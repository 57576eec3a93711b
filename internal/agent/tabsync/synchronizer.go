package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/metrics"
)

// Class names a published snapshot.
type Class string

const (
	ClassCall       Class = "call"
	ClassHealth     Class = "health"
	ClassMonitoring Class = "monitoring"
)

// Classes lists every published class.
var Classes = []Class{ClassCall, ClassHealth, ClassMonitoring}

// Key builds the shared storage key for class.
func Key(prefix, agent string, class Class) string {
	return prefix + ":" + agent + ":" + string(class)
}

func classOfKey(key string) Class {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return Class(key[i+1:])
	}
	return Class(key)
}

// Frame is a decoded envelope whose payload is left raw.
type Frame struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Sources supplies the snapshots to publish. Nil funcs publish zero values.
type Sources struct {
	Call       func() types.CallSnapshot
	Conference func() types.ConferenceSnapshot
	Health     func() types.HealthSnapshot
}

// Config configures a Synchronizer.
type Config struct {
	Prefix string
	Agent  string

	CallInterval       time.Duration
	HealthInterval     time.Duration
	MonitoringInterval time.Duration
	TTL                time.Duration

	// Source identifies this view in broadcasts; generated when empty.
	Source  string
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "agentphone"
	}
	if c.CallInterval <= 0 {
		c.CallInterval = 2 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = 10 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = time.Minute
	}
	if c.Source == "" {
		c.Source = uuid.NewString()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Synchronizer writes snapshot envelopes to a Store on per-class schedules
// and broadcasts each write.
type Synchronizer struct {
	cfg          Config
	store        Store
	sources      Sources
	broadcasters []Broadcaster

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

// NewSynchronizer creates a synchronizer writing to store.
func NewSynchronizer(cfg Config, store Store, sources Sources, broadcasters ...Broadcaster) *Synchronizer {
	cfg.setDefaults()
	return &Synchronizer{
		cfg:          cfg,
		store:        store,
		sources:      sources,
		broadcasters: broadcasters,
	}
}

// Source returns the broadcast source id of this view.
func (s *Synchronizer) Source() string { return s.cfg.Source }

// Key returns the storage key for class.
func (s *Synchronizer) Key(class Class) string {
	return Key(s.cfg.Prefix, s.cfg.Agent, class)
}

// Start publishes every class once and schedules the periodic writes.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	schedules := map[Class]time.Duration{
		ClassCall:       s.cfg.CallInterval,
		ClassHealth:     s.cfg.HealthInterval,
		ClassMonitoring: s.cfg.MonitoringInterval,
	}
	for _, class := range Classes {
		spec := "@every " + schedules[class].String()
		if _, err := c.AddFunc(spec, func() { s.publishLogged(ctx, class) }); err != nil {
			return fmt.Errorf("schedule %s publish: %w", class, err)
		}
	}

	for _, class := range Classes {
		s.publishLogged(ctx, class)
	}
	c.Start()
	s.cron = c
	s.started = true
	slog.Info("[TabSync] Synchronizer started",
		"source", s.cfg.Source,
		"call_interval", s.cfg.CallInterval,
		"health_interval", s.cfg.HealthInterval,
		"monitoring_interval", s.cfg.MonitoringInterval,
	)
	return nil
}

// Stop waits for running publishes, bounded by ctx.
func (s *Synchronizer) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the schedules and releases the store and broadcasters.
func (s *Synchronizer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	for _, b := range s.broadcasters {
		err = multierr.Append(err, b.Close())
	}
	return multierr.Append(err, s.store.Close())
}

func (s *Synchronizer) publishLogged(ctx context.Context, class Class) {
	if err := s.PublishNow(ctx, class); err != nil {
		slog.Warn("[TabSync] Publish failed", "class", class, "error", err)
	}
}

// PublishNow writes and broadcasts class immediately. A storage failure
// skips the broadcast; broadcaster failures are aggregated.
func (s *Synchronizer) PublishNow(ctx context.Context, class Class) error {
	data, err := s.collect(class)
	if err != nil {
		s.cfg.Metrics.SyncPublish(string(class), "error")
		return err
	}
	ts := s.cfg.Now().UnixMilli()
	payload, err := json.Marshal(types.Envelope{Data: data, Timestamp: ts})
	if err != nil {
		s.cfg.Metrics.SyncPublish(string(class), "error")
		return fmt.Errorf("encode %s envelope: %w", class, err)
	}

	key := s.Key(class)
	if err := s.store.Put(ctx, key, payload, s.cfg.TTL); err != nil {
		s.cfg.Metrics.SyncPublish(string(class), "store_error")
		return fmt.Errorf("store %s: %w", key, err)
	}

	msg := types.Broadcast{Key: key, Value: data, Timestamp: ts, Source: s.cfg.Source}
	var berr error
	for _, b := range s.broadcasters {
		berr = multierr.Append(berr, b.Broadcast(ctx, msg))
	}
	if berr != nil {
		s.cfg.Metrics.SyncPublish(string(class), "broadcast_error")
		return berr
	}
	s.cfg.Metrics.SyncPublish(string(class), "ok")
	return nil
}

// PublishAll publishes every class.
func (s *Synchronizer) PublishAll(ctx context.Context) error {
	var err error
	for _, class := range Classes {
		err = multierr.Append(err, s.PublishNow(ctx, class))
	}
	return err
}

func (s *Synchronizer) collect(class Class) (any, error) {
	switch class {
	case ClassCall:
		return s.call(), nil
	case ClassHealth:
		return s.health(), nil
	case ClassMonitoring:
		return types.MonitoringSnapshot{
			Call:       s.call(),
			Conference: s.conference(),
			Health:     s.health(),
			Timestamp:  s.cfg.Now().UnixMilli(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot class %q", class)
	}
}

func (s *Synchronizer) call() types.CallSnapshot {
	if s.sources.Call == nil {
		return types.CallSnapshot{}
	}
	return s.sources.Call()
}

func (s *Synchronizer) conference() types.ConferenceSnapshot {
	if s.sources.Conference == nil {
		return types.ConferenceSnapshot{}
	}
	return s.sources.Conference()
}

func (s *Synchronizer) health() types.HealthSnapshot {
	if s.sources.Health == nil {
		return types.HealthSnapshot{}
	}
	return s.sources.Health()
}
