package call

import "fmt"

// Status is the lifecycle status of the primary call.
type Status int

const (
	// StatusIdle means no call is in progress
	StatusIdle Status = iota
	// StatusRinging is a genuine inbound call presented to the agent
	StatusRinging
	// StatusDialing is an outbound dial issued to the backend
	StatusDialing
	// StatusActive is an answered or confirmed call
	StatusActive
	// StatusConference is an active call with a conference leg
	StatusConference
	// StatusEnded is an established call that terminated
	StatusEnded
	// StatusFailed is an attempt that never reached active
	StatusFailed
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRinging:
		return "ringing"
	case StatusDialing:
		return "dialing"
	case StatusActive:
		return "active"
	case StatusConference:
		return "conference"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

var validTransitions = map[Status][]Status{
	StatusIdle:       {StatusDialing, StatusRinging},
	StatusDialing:    {StatusActive, StatusFailed},
	StatusRinging:    {StatusActive, StatusFailed},
	StatusActive:     {StatusConference, StatusEnded},
	StatusConference: {StatusActive, StatusEnded},
	StatusEnded:      {StatusIdle},
	StatusFailed:     {StatusIdle},
}

// CanTransitionTo checks if moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for ended and failed.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// InCall returns true while audio is flowing on the primary leg.
func (s Status) InCall() bool {
	return s == StatusActive || s == StatusConference
}

// Pending returns true while an attempt has not been answered yet.
func (s Status) Pending() bool {
	return s == StatusDialing || s == StatusRinging
}
