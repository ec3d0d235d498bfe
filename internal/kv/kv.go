// Package kv wraps Redis as the pipeline's fast-path key-value and
// pub/sub capability; its one consumer in the pipeline is the
// per-client status buckets behind StatusStore. Everything sits behind
// the Client interface so tests can swap in a map-backed fake.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/circuitbreaker"
)

// Client is the capability every stage that touches Redis depends on.
type Client interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error)
	Ping(ctx context.Context) error
}

// RedisClient implements Client on top of go-redis v9.
type RedisClient struct {
	rdb     *redis.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewRedisClient dials addr/db with optional password. breaker guards
// every call; pass nil to run unprotected (tests only).
func NewRedisClient(addr, password string, db int, breaker *circuitbreaker.CircuitBreaker) *RedisClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisClient{rdb: rdb, breaker: breaker}
}

func (c *RedisClient) guard(do func() (any, error)) error {
	if c.breaker == nil {
		_, err := do()
		return err
	}
	_, err := c.breaker.Execute(do)
	return err
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.guard(func() (any, error) {
		return nil, c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := c.guard(func() (any, error) {
		v, err := c.rdb.Get(ctx, key).Result()
		out = v
		return nil, err
	})
	return out, err
}

func (c *RedisClient) Del(ctx context.Context, key string) error {
	return c.guard(func() (any, error) {
		return nil, c.rdb.Del(ctx, key).Err()
	})
}

func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	return c.guard(func() (any, error) {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return nil, c.rdb.SAdd(ctx, key, args...).Err()
	})
}

func (c *RedisClient) SRem(ctx context.Context, key string, members ...string) error {
	return c.guard(func() (any, error) {
		args := make([]interface{}, len(members))
		for i, m := range members {
			args[i] = m
		}
		return nil, c.rdb.SRem(ctx, key, args...).Err()
	})
}

func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.guard(func() (any, error) {
		v, err := c.rdb.SMembers(ctx, key).Result()
		out = v
		return nil, err
	})
	return out, err
}

func (c *RedisClient) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var out bool
	err := c.guard(func() (any, error) {
		v, err := c.rdb.SIsMember(ctx, key, member).Result()
		out = v
		return nil, err
	})
	return out, err
}

func (c *RedisClient) Publish(ctx context.Context, channel, message string) error {
	return c.guard(func() (any, error) {
		return nil, c.rdb.Publish(ctx, channel, message).Err()
	})
}

// Subscribe returns a channel of delivered messages and an unsubscribe
// func that closes the underlying pub/sub connection.
func (c *RedisClient) Subscribe(ctx context.Context, channel string) (<-chan string, func() error) {
	ps := c.rdb.Subscribe(ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			out <- msg.Payload
		}
	}()
	return out, ps.Close
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// StatusStore manages the six client-status sets (active, paused,
// blocked, deactivated, connecting-with-error, to-close) as Redis sets
// keyed "clients_status:<bucket>". A client belongs to at most one
// bucket at a time; MoveTo removes it from every other bucket first.
type StatusStore struct {
	cli    Client
	prefix string
}

// NewStatusStore builds a StatusStore over cli.
func NewStatusStore(cli Client) *StatusStore {
	return &StatusStore{cli: cli, prefix: "clients_status:"}
}

func (s *StatusStore) key(bucket string) string {
	return s.prefix + bucket
}

// MoveTo places clientName in bucket and removes it from every other
// known bucket; a client belongs to at most one bucket at a time.
func (s *StatusStore) MoveTo(ctx context.Context, clientName string, bucket string, allBuckets []string) error {
	for _, b := range allBuckets {
		if b == bucket {
			continue
		}
		if err := s.cli.SRem(ctx, s.key(b), clientName); err != nil {
			return fmt.Errorf("kv: remove %s from %s: %w", clientName, b, err)
		}
	}
	return s.cli.SAdd(ctx, s.key(bucket), clientName)
}

// Remove removes clientName from every known bucket.
func (s *StatusStore) Remove(ctx context.Context, clientName string, allBuckets []string) error {
	for _, b := range allBuckets {
		if err := s.cli.SRem(ctx, s.key(b), clientName); err != nil {
			return fmt.Errorf("kv: remove %s from %s: %w", clientName, b, err)
		}
	}
	return nil
}

// Members lists every client currently in bucket.
func (s *StatusStore) Members(ctx context.Context, bucket string) ([]string, error) {
	return s.cli.SMembers(ctx, s.key(bucket))
}

// IsMember reports whether clientName is currently in bucket.
func (s *StatusStore) IsMember(ctx context.Context, clientName, bucket string) (bool, error) {
	return s.cli.SIsMember(ctx, s.key(bucket), clientName)
}
