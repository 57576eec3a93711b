package tabsync

import (
	"context"
	"strings"

	"github.com/sebas/agentphone/internal/agent/events"
)

// EventTrigger republishes snapshots as soon as a lifecycle event changes
// them instead of waiting for the next scheduled write.
type EventTrigger struct {
	sync *Synchronizer
	ctx  context.Context
}

var _ events.Publisher = (*EventTrigger)(nil)

// NewEventTrigger publishes through s. Publishes run under ctx.
func NewEventTrigger(ctx context.Context, s *Synchronizer) *EventTrigger {
	return &EventTrigger{sync: s, ctx: ctx}
}

func (t *EventTrigger) Publish(_ context.Context, ev events.Event) error {
	t.PublishAsync(ev)
	return nil
}

func (t *EventTrigger) PublishAsync(ev events.Event) {
	classes := classesFor(ev.Type)
	if len(classes) == 0 {
		return
	}
	go func() {
		for _, c := range classes {
			t.sync.publishLogged(t.ctx, c)
		}
	}()
}

func (t *EventTrigger) Close() error { return nil }

func classesFor(et events.EventType) []Class {
	name := string(et)
	switch {
	case strings.HasPrefix(name, "call."), strings.HasPrefix(name, "recording."):
		return []Class{ClassCall, ClassMonitoring}
	case strings.HasPrefix(name, "conference."):
		return []Class{ClassMonitoring}
	case strings.HasPrefix(name, "health.") || strings.HasPrefix(name, "agent."):
		return []Class{ClassHealth, ClassMonitoring}
	}
	return nil
}
