package health

import (
	"sync"
	"time"
)

// Category of a log entry.
type Category string

const (
	CategoryNetwork   Category = "network"
	CategorySIP       Category = "sip"
	CategoryWebSocket Category = "websocket"
	CategoryTimeout   Category = "timeout"
	CategoryKeepAlive Category = "keepalive"
)

// Severity of a log entry.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
)

// LogEntry is one health event.
type LogEntry struct {
	At       time.Time `json:"at"`
	Category Category  `json:"category"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// DefaultLogCapacity is the ring size used when none is configured.
const DefaultLogCapacity = 500

// EventLog is a fixed-capacity ring of entries. Success and error counts are
// kept for the retained window: evicting an entry uncounts it.
type EventLog struct {
	mu        sync.RWMutex
	buf       []LogEntry
	head      int // index of the oldest entry
	size      int
	successes int
	errors    int
}

// NewEventLog creates a log holding at most capacity entries.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &EventLog{buf: make([]LogEntry, capacity)}
}

// Append adds e, evicting the oldest entry when full.
func (l *EventLog) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size == len(l.buf) {
		l.uncount(l.buf[l.head])
		l.buf[l.head] = e
		l.head = (l.head + 1) % len(l.buf)
	} else {
		l.buf[(l.head+l.size)%len(l.buf)] = e
		l.size++
	}
	l.count(e)
}

func (l *EventLog) count(e LogEntry) {
	switch e.Severity {
	case SeveritySuccess:
		l.successes++
	case SeverityError:
		l.errors++
	}
}

func (l *EventLog) uncount(e LogEntry) {
	switch e.Severity {
	case SeveritySuccess:
		l.successes--
	case SeverityError:
		l.errors--
	}
}

// Counts returns the success and error counts of the retained entries.
func (l *EventLog) Counts() (successes, errors int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.successes, l.errors
}

// Len returns the number of retained entries.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Entries returns the retained entries, oldest first.
func (l *EventLog) Entries() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]LogEntry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}
