package tabsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	types "github.com/sebas/agentphone/api/types/v1"
)

// RedisOptions configures the Redis-backed store and broadcaster.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	// Channel is the pub/sub channel used for broadcasts.
	Channel string
}

// NewRedisClient creates a client and verifies the server answers.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Address, err)
	}
	return client, nil
}

// RedisStore stores envelopes as Redis string keys with expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client. Close closes the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// RedisBroadcaster publishes broadcasts on a Redis pub/sub channel.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

// NewRedisBroadcaster publishes on channel. The client is shared with the
// store and is not closed by the broadcaster.
func NewRedisBroadcaster(client *redis.Client, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, channel: channel}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, msg types.Broadcast) error {
	payload, err := encodeBroadcast(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, fn func(types.Broadcast)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decodeBroadcast([]byte(m.Payload))
				if err != nil {
					slog.Warn("[TabSync] Ignoring malformed redis broadcast", "channel", m.Channel, "error", err)
					continue
				}
				fn(msg)
			}
		}
	}()
	return nil
}

func (b *RedisBroadcaster) Close() error { return nil }
