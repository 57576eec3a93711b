package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder stamps events with the agent identity and a clock.
type Builder struct {
	agent string
	now   func() time.Time
}

// NewBuilder creates an event builder for agent.
func NewBuilder(agent string) *Builder {
	return &Builder{agent: agent, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// EventBuilder constructs one Event.
type EventBuilder struct {
	event Event
}

// New starts building an event of type t.
func (b *Builder) New(t EventType) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:    uuid.New().String(),
			Type:  t,
			Time:  b.now().UTC(),
			Agent: b.agent,
		},
	}
}

func (eb *EventBuilder) Call(callID string) *EventBuilder {
	eb.event.CallID = callID
	return eb
}

func (eb *EventBuilder) Bridge(bridgeID string) *EventBuilder {
	eb.event.BridgeID = bridgeID
	return eb
}

func (eb *EventBuilder) With(key string, value any) *EventBuilder {
	if eb.event.Data == nil {
		eb.event.Data = make(map[string]any)
	}
	eb.event.Data[key] = value
	return eb
}

func (eb *EventBuilder) Build() Event {
	return eb.event
}
