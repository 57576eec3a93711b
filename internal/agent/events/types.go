// Package events provides agent lifecycle event definitions and publishing
// infrastructure. Events are informational: components never depend on a
// publisher succeeding.
package events

import (
	"time"
)

// EventType identifies the type of agent event
type EventType string

const (
	// CallDialing fires when an outbound dial is issued to the backend
	CallDialing EventType = "call.dialing"
	// CallRinging fires when a genuine inbound call is presented
	CallRinging EventType = "call.ringing"
	// CallActive fires when the primary call is answered or confirmed
	CallActive EventType = "call.active"
	// CallConference fires when the primary call enters a conference
	CallConference EventType = "call.conference"
	// CallEnded fires when an established call terminates
	CallEnded EventType = "call.ended"
	// CallFailed fires when a dial or ring never reached active
	CallFailed EventType = "call.failed"
	// CallIdle fires when the session has been fully drained
	CallIdle EventType = "call.idle"

	// ConferenceParticipants fires when the participant count changes
	ConferenceParticipants EventType = "conference.participants"
	// ConferenceMerged fires after a successful merge
	ConferenceMerged EventType = "conference.merged"
	// ConferenceEnded fires when conference state is reset
	ConferenceEnded EventType = "conference.ended"

	// RecordingStarted fires when capture begins
	RecordingStarted EventType = "recording.started"
	// RecordingStopped fires when the artifact has been written
	RecordingStopped EventType = "recording.stopped"
	// Transcript fires for each final transcript segment
	Transcript EventType = "recording.transcript"

	// HealthDegraded fires when the monitor escalates
	HealthDegraded EventType = "health.degraded"
	// ConnectionFatal fires when the re-authentication modal is raised
	ConnectionFatal EventType = "agent.connection_fatal"
	// Reauthenticated fires when the modal is cleared
	Reauthenticated EventType = "agent.reauthenticated"
)

// Event is a single agent event.
type Event struct {
	// ID is unique per event instance
	ID string `json:"event_id"`
	// Type identifies the event
	Type EventType `json:"event_type"`
	// Time is when the event occurred
	Time time.Time `json:"event_time"`
	// Agent is the agent user the event belongs to
	Agent string `json:"agent"`
	// CallID correlates call-scoped events; empty for agent-scoped ones
	CallID string `json:"call_id,omitempty"`
	// BridgeID is the backend bridge, when known
	BridgeID string `json:"bridge_id,omitempty"`
	// Data carries event specific fields
	Data map[string]any `json:"data,omitempty"`
}

// Subject returns the routing subject for the event.
func (e Event) Subject() string {
	if e.CallID != "" {
		return CallSubject(e.CallID, e.Type)
	}
	return AgentSubject(e.Agent, e.Type)
}
