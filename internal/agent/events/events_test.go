package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEventSubjectNaming(t *testing.T) {
	builder := NewBuilder("1001")

	event := builder.New(CallEnded).Call("call-123").Build()
	if got, want := event.Subject(), "agentphone.calls.call-123.call.ended"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}

	event = builder.New(ConnectionFatal).Build()
	if got, want := event.Subject(), "agentphone.agents.1001.agent.connection_fatal"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{PatternAllCalls, "agentphone.calls.abc.call.ended", true},
		{PatternAllCalls, "agentphone.agents.1001.agent.connection_fatal", false},
		{"agentphone.calls.*.call.ended", "agentphone.calls.abc.call.ended", true},
		{"agentphone.calls.*.call.ended", "agentphone.calls.abc.call.failed", false},
		{"agentphone.calls", "agentphone.calls.abc", false},
		{"agentphone.>", "agentphone", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestEventJSON(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	event := NewBuilder("1001").WithClock(func() time.Time { return fixed }).
		New(CallDialing).
		Call("call-1").
		Bridge("bridge-9").
		With("number", "9876543210").
		Build()

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	checks := map[string]string{
		"event_type": "call.dialing",
		"agent":      "1001",
		"call_id":    "call-1",
		"bridge_id":  "bridge-9",
		"event_time": "2026-01-02T03:04:05Z",
	}
	for k, want := range checks {
		if got, ok := m[k].(string); !ok || got != want {
			t.Errorf("m[%q] = %v, want %q", k, m[k], want)
		}
	}
	if event.ID == "" {
		t.Error("event ID not set")
	}
}

func TestChannelPublisherFilterAndDrop(t *testing.T) {
	pub := NewChannelPublisher(1).Filter(PatternAllCalls)
	b := NewBuilder("1001")

	pub.PublishAsync(b.New(HealthDegraded).Build())
	if err := pub.Publish(context.Background(), b.New(CallActive).Call("c1").Build()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	pub.PublishAsync(b.New(CallEnded).Call("c1").Build())

	if got := pub.DroppedCount(); got != 1 {
		t.Errorf("DroppedCount() = %d, want 1", got)
	}

	ev := <-pub.Events()
	if ev.Type != CallActive {
		t.Errorf("first event = %s, want %s", ev.Type, CallActive)
	}

	_ = pub.Close()
	_ = pub.Close()
	pub.PublishAsync(b.New(CallIdle).Call("c1").Build())
	if _, ok := <-pub.Events(); ok {
		t.Error("channel should be closed and drained")
	}
}

type failingPublisher struct{ NoopPublisher }

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("down") }

func TestMultiPublisherAggregatesErrors(t *testing.T) {
	ch := NewChannelPublisher(4)
	multi := NewMultiPublisher(ch, &failingPublisher{}, NewLoggingPublisher(nil))

	err := multi.Publish(context.Background(), NewBuilder("1001").New(CallIdle).Call("c").Build())
	if err == nil {
		t.Fatal("expected error from failing publisher")
	}
	if len(ch.Events()) != 1 {
		t.Errorf("channel publisher got %d events, want 1", len(ch.Events()))
	}
	if err := multi.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
