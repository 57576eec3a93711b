// Package guard serializes user actions and tracks named timers.
//
// A Guard holds cooldown state per action key: an action is admitted only when
// no earlier invocation of the same key is in flight and the minimum hold time
// since that invocation started has elapsed. The hold absorbs double-fired UI
// events even when the backend answers faster than a human can click twice.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/sebas/agentphone/internal/agent/apperr"
)

// DefaultMinHold is used when NewGuard is given a non-positive hold.
const DefaultMinHold = 800 * time.Millisecond

type entry struct {
	inFlight  bool
	startedAt time.Time
	holdUntil time.Time
}

// Guard is a per-key in-flight guard with a minimum hold time.
type Guard struct {
	mu      sync.Mutex
	minHold time.Duration
	now     func() time.Time
	entries map[string]*entry
}

// Option configures a Guard.
type Option func(*Guard)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard creates a guard.
func NewGuard(minHold time.Duration, opts ...Option) *Guard {
	if minHold <= 0 {
		minHold = DefaultMinHold
	}
	g := &Guard{
		minHold: minHold,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryAcquire admits key if it is neither in flight nor cooling down. The
// returned release must be called exactly once; extra calls are ignored.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	e := g.entries[key]
	if e != nil && (e.inFlight || now.Before(e.holdUntil)) {
		return nil, false
	}
	if e == nil {
		e = &entry{}
		g.entries[key] = e
	}
	e.inFlight = true
	e.startedAt = now
	e.holdUntil = now.Add(g.minHold)

	var once sync.Once
	return func() {
		once.Do(func() { g.release(key, e) })
	}, true
}

func (g *Guard) release(key string, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.inFlight = false
	if cur, ok := g.entries[key]; ok && cur == e && !g.now().Before(e.holdUntil) {
		delete(g.entries, key)
	}
}

// Busy reports whether key would currently be rejected.
func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entries[key]
	return e != nil && (e.inFlight || g.now().Before(e.holdUntil))
}

// Do runs fn under key. A rejected invocation returns an in-flight user input
// error without calling fn.
func (g *Guard) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	release, ok := g.TryAcquire(key)
	if !ok {
		return apperr.UserInputf("guard."+key, apperr.CodeInFlight, "%s already in progress", key)
	}
	defer release()
	return fn(ctx)
}

// Reset clears all cooldown state.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = make(map[string]*entry)
}
