// Package store provides the durable primitives the gateway runs on: string
// keys with TTL, set membership, and pub/sub channels, backed by Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Subscription is a live pub/sub subscription. Messages returns the payload
// stream; the channel is closed when the subscription ends.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Store is the gateway's persistence surface. All operations are single-key;
// absence is reported via ErrNotFound rather than sentinel values.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	SAdd(ctx context.Context, set, member string) error
	SRem(ctx context.Context, set, member string) error
	SMembers(ctx context.Context, set string) ([]string, error)
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// RedisStore implements Store over a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// OpenRedisStore connects to the Redis instance named by a redis:// URL.
func OpenRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisStore) SAdd(ctx context.Context, set, member string) error {
	return s.client.SAdd(ctx, set, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, set, member string) error {
	return s.client.SRem(ctx, set, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, set string) ([]string, error) {
	return s.client.SMembers(ctx, set).Result()
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription and waits for the server to confirm
// it, so events published after Subscribe returns cannot be missed.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		msgs:   make(chan string, 4),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	msgs      chan string
	done      chan struct{}
	closeOnce sync.Once
}

// pump copies payloads from the Redis subscription into the Messages channel
// until the subscription is closed. The done channel unblocks a send in
// flight so Close never leaks the goroutine.
func (r *redisSubscription) pump() {
	defer close(r.msgs)
	for msg := range r.pubsub.Channel() {
		select {
		case r.msgs <- msg.Payload:
		case <-r.done:
			return
		}
	}
}

func (r *redisSubscription) Messages() <-chan string {
	return r.msgs
}

func (r *redisSubscription) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.pubsub.Close()
	})
	return err
}
