// Package types defines the JSON wire types shared between the agent, its
// call-control backend and the dashboards that watch published snapshots.
package types

// Result is the common backend response body. Success is a pointer because
// older backend endpoints only send a message.
type Result struct {
	Success  *bool  `json:"success,omitempty"`
	Message  string `json:"message,omitempty"`
	BridgeID string `json:"bridgeId,omitempty"`
}

// LoginRequest is sent to /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by /api/login.
type LoginResponse struct {
	Result
	Token     string `json:"token"`
	Extension string `json:"extension,omitempty"`
}

// DialRequest is sent to /api/dial.
type DialRequest struct {
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
}

// AnswerRequest is sent to /api/oncall when the agent picks up an inbound call.
type AnswerRequest struct {
	User     string `json:"user"`
	BridgeID string `json:"bridgeId,omitempty"`
}

// BridgeRequest targets an existing bridge (hold, unhold).
type BridgeRequest struct {
	BridgeID string `json:"bridgeId"`
}

// ConferenceRequest is sent to /api/conference.
type ConferenceRequest struct {
	Caller string `json:"caller"`
	Number string `json:"number"`
}

// ConferenceHangupRequest is sent to /api/conference/hangup.
type ConferenceHangupRequest struct {
	HostNumber string `json:"hostNumber"`
}

// DispositionRequest is sent to /api/disposition.
type DispositionRequest struct {
	User     string `json:"user"`
	BridgeID string `json:"bridgeId"`
	Outcome  string `json:"outcome"`
}

// ConferenceStatus is the conference part of a connection check.
type ConferenceStatus struct {
	Active       bool   `json:"active"`
	BridgeID     string `json:"bridgeId,omitempty"`
	Participants int    `json:"participants"`
}

// ConnectionCheck is returned by /api/connection-check.
type ConnectionCheck struct {
	Result
	Registered     bool             `json:"registered"`
	ConnectionLost bool             `json:"connectionLost"`
	OnBreak        bool             `json:"onBreak"`
	QueueDepth     int              `json:"queueDepth"`
	Conference     ConferenceStatus `json:"conference"`
}

// CallSnapshot is the published view of the primary call.
type CallSnapshot struct {
	ID                  string `json:"id,omitempty"`
	Direction           string `json:"direction,omitempty"`
	Status              string `json:"status"`
	RemoteNumber        string `json:"remoteNumber,omitempty"`
	BridgeID            string `json:"bridgeId,omitempty"`
	StartedAt           int64  `json:"startedAt,omitempty"`
	AnsweredAt          int64  `json:"answeredAt,omitempty"`
	EndedAt             int64  `json:"endedAt,omitempty"`
	ElapsedSeconds      int64  `json:"elapsedSeconds"`
	Recording           bool   `json:"recording"`
	DispositionRequired bool   `json:"dispositionRequired"`
	ConnectionFatal     bool   `json:"connectionFatal"`
}

// ConferenceSnapshot is the published view of the conference leg.
type ConferenceSnapshot struct {
	Active          bool   `json:"active"`
	HostNumber      string `json:"hostNumber,omitempty"`
	BridgeID        string `json:"bridgeId,omitempty"`
	Participants    int    `json:"participants"`
	HasParticipants bool   `json:"hasParticipants"`
	Merged          bool   `json:"merged"`
	Held            bool   `json:"held"`
	SecondarySecs   int64  `json:"secondaryElapsedSeconds"`
}

// HealthSnapshot is the published view of connection health.
type HealthSnapshot struct {
	OverallHealth      int    `json:"overallHealth"`
	WSConnected        bool   `json:"wsConnected"`
	SIPRegistered      bool   `json:"sipRegistered"`
	NetworkQuality     string `json:"networkQuality"`
	SignalStrength     int    `json:"signalStrength"`
	RecentTimeoutCount int    `json:"recentTimeoutCount"`
	LastKeepAliveAt    int64  `json:"lastKeepAliveAt,omitempty"`
	Online             bool   `json:"online"`
	SampledAt          int64  `json:"sampledAt"`
}

// MonitoringSnapshot is the composite read-only view.
type MonitoringSnapshot struct {
	Call       CallSnapshot       `json:"call"`
	Conference ConferenceSnapshot `json:"conference"`
	Health     HealthSnapshot     `json:"health"`
	Timestamp  int64              `json:"timestamp"`
}

// Envelope is the value stored under a shared storage key.
type Envelope struct {
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

// Broadcast is the message republished to other views.
type Broadcast struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// HistoryEntry is the API/CLI view of a history record.
type HistoryEntry struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	BridgeID    string `json:"bridgeId,omitempty"`
	Disposition string `json:"disposition,omitempty"`
	StartedAt   int64  `json:"startedAt"`
	EndedAt     int64  `json:"endedAt,omitempty"`
}
