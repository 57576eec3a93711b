package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Publisher is the interface for publishing agent events.
type Publisher interface {
	// Publish sends an event. Returns error only for transport failures.
	Publish(ctx context.Context, event Event) error

	// PublishAsync sends an event without waiting. Loss is acceptable.
	PublishAsync(event Event)

	// Close releases resources.
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (p *NoopPublisher) PublishAsync(event Event)                       {}
func (p *NoopPublisher) Close() error                                   { return nil }

// LoggingPublisher logs events at debug level.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.PublishAsync(event)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) {
	p.logger.Debug("[Events] Published",
		"subject", event.Subject(),
		"type", event.Type,
		"call_id", event.CallID,
		"bridge_id", event.BridgeID,
	)
}

func (p *LoggingPublisher) Close() error { return nil }

// ChannelPublisher publishes to an in-memory channel, optionally filtered by a
// subject pattern. Events are dropped when the buffer is full.
type ChannelPublisher struct {
	mu      sync.RWMutex
	ch      chan Event
	pattern string
	closed  bool
	dropped atomic.Int64
}

// NewChannelPublisher creates a publisher backed by a buffered channel.
func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize), pattern: PatternAll}
}

// Filter restricts the publisher to subjects matching pattern.
func (p *ChannelPublisher) Filter(pattern string) *ChannelPublisher {
	p.mu.Lock()
	p.pattern = pattern
	p.mu.Unlock()
	return p
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.PublishAsync(event)
	return nil
}

func (p *ChannelPublisher) PublishAsync(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || !MatchSubject(p.pattern, event.Subject()) {
		return
	}
	select {
	case p.ch <- event:
	default:
		p.dropped.Add(1)
		slog.Warn("[Events] Dropped: buffer full", "type", event.Type, "call_id", event.CallID)
	}
}

func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Events returns the channel for consuming events.
func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// DroppedCount returns the number of events dropped due to buffer overflow.
func (p *ChannelPublisher) DroppedCount() int64 {
	return p.dropped.Load()
}

// MultiPublisher fans out events to multiple publishers.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher creates a publisher that sends to all provided publishers.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			slog.Warn("[Events] One publisher failed", "error", err, "type", event.Type)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (p *MultiPublisher) PublishAsync(event Event) {
	for _, pub := range p.publishers {
		pub.PublishAsync(event)
	}
}

func (p *MultiPublisher) Close() error {
	var errs error
	for _, pub := range p.publishers {
		errs = multierr.Append(errs, pub.Close())
	}
	return errs
}
