package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	types "github.com/sebas/agentphone/api/types/v1"
)

// Viewer is a read-only consumer of published snapshots. A frozen viewer
// keeps returning the frames it held when Freeze was called.
type Viewer struct {
	store  Store
	prefix string
	agent  string
	source string

	mu       sync.RWMutex
	latest   map[Class]Frame
	frozen   bool
	onUpdate func(Class, Frame)
}

// NewViewer reads keys under prefix and agent. Broadcasts carrying source
// are ignored so a view does not consume its own writes.
func NewViewer(store Store, prefix, agent, source string) *Viewer {
	return &Viewer{
		store:  store,
		prefix: prefix,
		agent:  agent,
		source: source,
		latest: make(map[Class]Frame),
	}
}

// OnUpdate registers fn for every accepted frame.
func (v *Viewer) OnUpdate(fn func(Class, Frame)) {
	v.mu.Lock()
	v.onUpdate = fn
	v.mu.Unlock()
}

// Attach follows broadcasts from sub until ctx is done.
func (v *Viewer) Attach(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, func(msg types.Broadcast) { v.HandleBroadcast(msg) })
}

// HandleBroadcast applies one broadcast. It reports whether the frame was
// accepted.
func (v *Viewer) HandleBroadcast(msg types.Broadcast) bool {
	if msg.Source != "" && msg.Source == v.source {
		return false
	}
	if msg.Key != Key(v.prefix, v.agent, classOfKey(msg.Key)) {
		return false
	}
	data, err := json.Marshal(msg.Value)
	if err != nil {
		slog.Debug("[TabSync] Unencodable broadcast value", "key", msg.Key, "error", err)
		return false
	}
	return v.apply(classOfKey(msg.Key), Frame{Data: data, Timestamp: msg.Timestamp})
}

// Refresh reloads every class from the store. Missing keys are skipped.
func (v *Viewer) Refresh(ctx context.Context) error {
	for _, class := range Classes {
		payload, err := v.store.Get(ctx, Key(v.prefix, v.agent, class))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("decode %s envelope: %w", class, err)
		}
		v.apply(class, f)
	}
	return nil
}

// apply stores f unless frozen or older than the held frame.
func (v *Viewer) apply(class Class, f Frame) bool {
	v.mu.Lock()
	if v.frozen {
		v.mu.Unlock()
		return false
	}
	if cur, ok := v.latest[class]; ok && cur.Timestamp > f.Timestamp {
		v.mu.Unlock()
		return false
	}
	v.latest[class] = f
	fn := v.onUpdate
	v.mu.Unlock()

	if fn != nil {
		fn(class, f)
	}
	return true
}

// Latest returns the held frame for class.
func (v *Viewer) Latest(class Class) (Frame, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.latest[class]
	return f, ok
}

// Monitoring decodes the held monitoring frame.
func (v *Viewer) Monitoring() (types.MonitoringSnapshot, bool) {
	var snap types.MonitoringSnapshot
	f, ok := v.Latest(ClassMonitoring)
	if !ok || f.Decode(&snap) != nil {
		return snap, false
	}
	return snap, true
}

// Freeze pins the held frames. Broadcasts and Refresh are ignored until
// Unfreeze.
func (v *Viewer) Freeze() {
	v.mu.Lock()
	v.frozen = true
	v.mu.Unlock()
}

// Unfreeze lets broadcasts and Refresh update the view again.
func (v *Viewer) Unfreeze() {
	v.mu.Lock()
	v.frozen = false
	v.mu.Unlock()
}

// Frozen reports whether updates are paused.
func (v *Viewer) Frozen() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.frozen
}
