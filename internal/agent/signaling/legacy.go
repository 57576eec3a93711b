package signaling

import "strings"

// Legacy senders announce conference membership with human readable text such
// as "Participant 5551234 connected". The vocabulary below is exactly what has
// been observed, including the misspelled "disconneted"; it is not extended.
var (
	legacyLeft      = []string{"disconnected", "disconneted"}
	legacyJoined    = []string{"connected"}
	legacyKeepalive = []string{"keepalive", "keep-alive"}
)

// decodeLegacy maps a free text body onto a notification. Left markers are
// checked first because "disconnected" contains "connected".
func decodeLegacy(body string) Notification {
	lower := strings.ToLower(body)
	switch {
	case containsAny(lower, legacyLeft):
		return Notification{Kind: NotifyParticipantLeft, Legacy: true}
	case containsAny(lower, legacyJoined):
		return Notification{Kind: NotifyParticipantJoined, Legacy: true}
	case containsAny(lower, legacyKeepalive):
		return Notification{Kind: NotifyKeepalive, Legacy: true}
	default:
		return Notification{Kind: NotifyUnknown, Legacy: true}
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
