package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	types "github.com/sebas/agentphone/api/types/v1"
)

// Broadcaster republishes snapshot updates to other views.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg types.Broadcast) error
	Close() error
}

// Subscriber delivers broadcasts from other views. fn runs on the
// subscriber's delivery goroutine until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(types.Broadcast)) error
}

func encodeBroadcast(msg types.Broadcast) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast %s: %w", msg.Key, err)
	}
	return b, nil
}

func decodeBroadcast(payload []byte) (types.Broadcast, error) {
	var msg types.Broadcast
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode broadcast: %w", err)
	}
	return msg, nil
}

// LocalBus is an in-process Broadcaster and Subscriber. Slow subscribers
// lose messages rather than blocking the publisher.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]chan types.Broadcast
	next   int
	buffer int
	closed bool
}

// NewLocalBus creates a bus whose subscribers buffer up to buffer messages.
func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = 32
	}
	return &LocalBus{subs: make(map[int]chan types.Broadcast), buffer: buffer}
}

func (b *LocalBus) Broadcast(_ context.Context, msg types.Broadcast) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			slog.Debug("[TabSync] Dropping broadcast for slow subscriber", "subscriber", id, "key", msg.Key)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, fn func(types.Broadcast)) error {
	ch := make(chan types.Broadcast, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("tabsync: local bus closed")
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg)
			}
		}
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
