// Package tabsync publishes composite agent snapshots to shared storage and
// fans them out to other open views. Views are read-only consumers.
package tabsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Store.Get when a key is absent or expired.
var ErrNotFound = errors.New("tabsync: key not found")

// Store holds encoded envelopes keyed by storage key. Writes are
// last-writer-wins.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store with TTL expiry and periodic sweeping.
// It serves single-process deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*memoryEntry
	now     func() time.Time
	onEvict func(key string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithEvict registers a callback invoked for each key removed by the sweeper.
func WithEvict(fn func(key string)) MemoryOption {
	return func(s *MemoryStore) { s.onEvict = fn }
}

// NewMemoryStore creates a store that sweeps expired keys every interval.
// A non-positive interval disables the sweeper; expired keys are still
// hidden from Get.
func NewMemoryStore(interval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items:  make(map[string]*memoryEntry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	e := &memoryEntry{payload: append([]byte(nil), payload...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok || e.expired(s.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.payload...), nil
}

// Keys lists the live keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	keys := make([]string, 0, len(s.items))
	for k, e := range s.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Sweep removes expired keys and reports how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	now := s.now()
	var evicted []string
	for k, e := range s.items {
		if e.expired(now) {
			evicted = append(evicted, k)
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, k := range evicted {
			onEvict(k)
		}
	}
	return len(evicted)
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the sweeper and drops every key.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[string]*memoryEntry)
	s.mu.Unlock()
	return nil
}
