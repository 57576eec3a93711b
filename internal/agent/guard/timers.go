package guard

import (
	"sync"
	"time"
)

// Timers tracks named one-shot timers so they can be replaced, cancelled and
// cleared together on teardown. A callback never runs after its timer was
// cancelled or replaced, even if the underlying time.Timer already fired.
type Timers struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]*tracked
	closed  bool
}

type tracked struct {
	id    uint64
	timer *time.Timer
}

// NewTimers creates an empty timer set.
func NewTimers() *Timers {
	return &Timers{pending: make(map[string]*tracked)}
}

// Schedule runs fn after d under key, replacing any pending timer for key.
func (t *Timers) Schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.pending[key]; ok {
		old.timer.Stop()
	}
	t.seq++
	id := t.seq
	tr := &tracked{id: id}
	tr.timer = time.AfterFunc(d, func() {
		if t.take(key, id) {
			fn()
		}
	})
	t.pending[key] = tr
}

// take removes key if it still refers to timer id.
func (t *Timers) take(key string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.pending[key]
	if !ok || cur.id != id {
		return false
	}
	delete(t.pending, key)
	return true
}

// Cancel stops the timer for key. It reports whether one was pending.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.pending[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(t.pending, key)
	return true
}

// Pending reports whether a timer is scheduled for key.
func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// StopAll cancels every pending timer. The set stays usable.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cur := range t.pending {
		cur.timer.Stop()
		delete(t.pending, key)
	}
}

// Close cancels every pending timer and rejects further scheduling.
func (t *Timers) Close() {
	t.StopAll()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
