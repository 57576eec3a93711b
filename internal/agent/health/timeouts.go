package health

import (
	"sync"
	"time"
)

// TimeoutKind distinguishes how a backend call timed out.
type TimeoutKind string

const (
	// TimeoutRequest: the backend was reached but did not answer in time.
	TimeoutRequest TimeoutKind = "request"
	// TimeoutNetwork: the backend could not be reached.
	TimeoutNetwork TimeoutKind = "network"
)

// TimeoutRecord is one recorded timeout.
type TimeoutRecord struct {
	Kind TimeoutKind `json:"kind"`
	Op   string      `json:"op"`
	At   time.Time   `json:"at"`
}

// TimeoutSummary is surfaced to the UI as is.
type TimeoutSummary struct {
	Recent int                 `json:"recent"`
	ByKind map[TimeoutKind]int `json:"byKind"`
	Totals map[TimeoutKind]int `json:"totals"`
	Last   *TimeoutRecord      `json:"last,omitempty"`
	Window time.Duration       `json:"window"`
}

const maxTimeoutRecords = 128

// TimeoutRegistry accumulates timeouts and answers windowed counts.
type TimeoutRegistry struct {
	mu      sync.Mutex
	window  time.Duration
	records []TimeoutRecord
	totals  map[TimeoutKind]int
}

// NewTimeoutRegistry creates a registry counting timeouts within window.
func NewTimeoutRegistry(window time.Duration) *TimeoutRegistry {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &TimeoutRegistry{window: window, totals: make(map[TimeoutKind]int)}
}

// Record stores one timeout.
func (r *TimeoutRegistry) Record(kind TimeoutKind, op string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, TimeoutRecord{Kind: kind, Op: op, At: at})
	if len(r.records) > maxTimeoutRecords {
		r.records = r.records[len(r.records)-maxTimeoutRecords:]
	}
	r.totals[kind]++
}

// Recent counts timeouts within the window ending at now.
func (r *TimeoutRegistry) Recent(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	cutoff := now.Add(-r.window)
	for _, rec := range r.records {
		if rec.At.After(cutoff) {
			n++
		}
	}
	return n
}

// Summary returns windowed and total counts by kind.
func (r *TimeoutRegistry) Summary(now time.Time) TimeoutSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := TimeoutSummary{
		ByKind: make(map[TimeoutKind]int),
		Totals: make(map[TimeoutKind]int, len(r.totals)),
		Window: r.window,
	}
	cutoff := now.Add(-r.window)
	for _, rec := range r.records {
		if rec.At.After(cutoff) {
			s.Recent++
			s.ByKind[rec.Kind]++
		}
	}
	for k, v := range r.totals {
		s.Totals[k] = v
	}
	if len(r.records) > 0 {
		last := r.records[len(r.records)-1]
		s.Last = &last
	}
	return s
}
