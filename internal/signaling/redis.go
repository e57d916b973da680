package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearthshare/hearthcall/internal/config"
)

// RedisTransport implements Transport on a Redis instance. PUBLISH/SUBSCRIBE
// carries the live fan-out; plain keys with TTL carry presence and room
// state.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport connects to Redis and verifies the connection
func NewRedisTransport(ctx context.Context, cfg config.RedisConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	return &RedisTransport{client: client}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, channel)

	// Force the SUBSCRIBE round trip so a bad channel or dead connection
	// surfaces here instead of as a silent stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, 64),
	}
	go sub.pump()
	return sub, nil
}

func (t *RedisTransport) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.client.Set(ctx, key, value, ttl).Err()
}

func (t *RedisTransport) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (t *RedisTransport) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return t.client.Del(ctx, keys...).Err()
}

func (t *RedisTransport) Keys(ctx context.Context, pattern string) ([]string, error) {
	return t.client.Keys(ctx, pattern).Result()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
