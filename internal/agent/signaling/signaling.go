// Package signaling defines the capability interfaces the agent consumes from
// its real-time signaling stack, and the tagged notification schema decoded
// from raw inbound messages.
//
// The agent never probes session objects for fields. Everything it needs from
// a call leg is expressed by Session, and everything it needs from the user
// agent is expressed by Stack. The SIP implementation lives in sipua.
package signaling

import (
	"context"
	"errors"
	"time"
)

// Direction of a signaling session relative to the agent.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// SessionStatus is the signaling-level status of a session.
type SessionStatus string

const (
	SessionProgress    SessionStatus = "progress"
	SessionEstablished SessionStatus = "established"
	SessionTerminated  SessionStatus = "terminated"
	SessionFailed      SessionStatus = "failed"
)

// IsTerminal returns true for terminated and failed sessions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionTerminated || s == SessionFailed
}

// EventType identifies a session callback.
type EventType string

const (
	EventConfirmed EventType = "confirmed"
	EventFailed    EventType = "failed"
	EventEnded     EventType = "ended"
)

// SessionEvent is delivered to session subscribers.
type SessionEvent struct {
	Type  EventType
	Cause string
	Code  int
	At    time.Time
}

// ErrNoMedia is returned by RemoteAudio before media has been negotiated.
var ErrNoMedia = errors.New("no negotiated media")

// AudioSource yields 8kHz mono 16-bit PCM frames.
type AudioSource interface {
	// ReadFrame blocks until a frame is available. io.EOF ends the stream.
	ReadFrame(ctx context.Context) ([]int16, error)
	Close() error
}

// Session is one signaling call leg.
type Session interface {
	ID() string
	Direction() Direction
	RemoteIdentity() string
	Status() SessionStatus

	Answer(ctx context.Context) error
	Reject(ctx context.Context, code int) error
	Hangup(ctx context.Context) error

	// RemoteAudio returns the negotiated remote audio, or ErrNoMedia.
	RemoteAudio() (AudioSource, error)

	// Subscribe registers fn for session events. The returned func removes it.
	Subscribe(fn func(SessionEvent)) (unsubscribe func())
}

// Message is a raw inbound signaling message (SIP MESSAGE/NOTIFY body).
type Message struct {
	From        string
	ContentType string
	Body        []byte
	ReceivedAt  time.Time
}

// Stack is the signaling user agent.
type Stack interface {
	// OnSession registers the handler for new inbound sessions.
	OnSession(fn func(Session))
	// OnMessage registers the handler for raw inbound messages.
	OnMessage(fn func(Message))

	// Registered reports the direct registration flag.
	Registered() bool
	// TransportConnected reports the direct transport flag.
	TransportConnected() bool

	// Register (re)registers with the last known credentials.
	Register(ctx context.Context) error
	Close() error
}
