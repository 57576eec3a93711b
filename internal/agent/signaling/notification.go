package signaling

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// NotificationKind tags a decoded inbound message.
type NotificationKind string

const (
	NotifyUnknown           NotificationKind = "unknown"
	NotifyKeepalive         NotificationKind = "keepalive"
	NotifyParticipantJoined NotificationKind = "participant.joined"
	NotifyParticipantLeft   NotificationKind = "participant.left"
	NotifyParticipantCount  NotificationKind = "participant.count"
)

// Notification is the tagged form of an inbound message.
type Notification struct {
	Kind        NotificationKind `json:"event"`
	Conference  string           `json:"conference,omitempty"`
	Participant string           `json:"participant,omitempty"`
	Count       int              `json:"count,omitempty"`
	// Legacy is set when the notification was recovered from free text.
	Legacy bool      `json:"-"`
	At     time.Time `json:"-"`
}

// IsParticipant reports whether the notification concerns conference members.
func (n Notification) IsParticipant() bool {
	switch n.Kind {
	case NotifyParticipantJoined, NotifyParticipantLeft, NotifyParticipantCount:
		return true
	}
	return false
}

// Decode turns a raw message into a tagged notification. JSON bodies carrying
// an "event" field are authoritative; anything else goes through the legacy
// text shim.
func Decode(msg Message) Notification {
	body := bytes.TrimSpace(msg.Body)
	if strings.Contains(msg.ContentType, "json") || bytes.HasPrefix(body, []byte("{")) {
		var n Notification
		if err := json.Unmarshal(body, &n); err == nil && n.Kind != "" {
			if !knownKind(n.Kind) {
				n.Kind = NotifyUnknown
			}
			n.At = msg.ReceivedAt
			return n
		}
	}
	n := decodeLegacy(string(body))
	n.At = msg.ReceivedAt
	return n
}

func knownKind(k NotificationKind) bool {
	switch k {
	case NotifyKeepalive, NotifyParticipantJoined, NotifyParticipantLeft, NotifyParticipantCount:
		return true
	}
	return false
}
