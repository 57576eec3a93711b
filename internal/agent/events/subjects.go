package events

import (
	"fmt"
	"strings"
)

// Subject naming.
//
//	agentphone.calls.<call_id>.<event_type>   - per-call events
//	agentphone.agents.<agent>.<event_type>    - agent-scoped events
//
// Wildcards follow the NATS convention: * matches one token, > the rest.
const (
	SubjectPrefix = "agentphone"
	SubjectCalls  = SubjectPrefix + ".calls"
	SubjectAgents = SubjectPrefix + ".agents"
)

// CallSubject builds a subject for a call-scoped event.
// Example: CallSubject("abc", CallEnded) => "agentphone.calls.abc.call.ended"
func CallSubject(callID string, t EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, callID, t)
}

// AgentSubject builds a subject for an agent-scoped event.
func AgentSubject(agent string, t EventType) string {
	if agent == "" {
		agent = "_"
	}
	return fmt.Sprintf("%s.%s.%s", SubjectAgents, agent, t)
}

// Subject patterns for common consumers
var (
	PatternAllCalls  = SubjectCalls + ".>"
	PatternAllAgents = SubjectAgents + ".>"
	PatternAll       = SubjectPrefix + ".>"
)

// MatchSubject reports whether subject matches pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
