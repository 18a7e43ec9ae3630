// Package cache provides short-lived claim keys used to deduplicate webhook deliveries.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "fulfillment:webhook:"

// Deduper claims event ids so concurrent or repeated deliveries are processed once.
type Deduper interface {
	// Claim returns true when the caller is the first to see key within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later redelivery is processed again.
	Release(ctx context.Context, key string) error
}

// RedisDeduper claims keys with SET NX EX.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper wraps an existing client.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) (*RedisDeduper, error) {
	if client == nil {
		return nil, errors.New("cache: redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("cache: dedup ttl must be positive")
	}
	return &RedisDeduper{client: client, prefix: defaultKeyPrefix, ttl: ttl}, nil
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("cache: key is required")
	}
	ok, err := d.client.SetNX(ctx, d.prefix+key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: claim %s: %w", key, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+strings.TrimSpace(key)).Err(); err != nil {
		return fmt.Errorf("cache: release %s: %w", key, err)
	}
	return nil
}

// Ping reports whether redis is reachable.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// MemoryDeduper is a process-local Deduper for single-instance deployments and tests.
type MemoryDeduper struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[string]time.Time
}

// NewMemoryDeduper constructs a MemoryDeduper. A nil clock uses time.Now.
func NewMemoryDeduper(ttl time.Duration, clock func() time.Time) *MemoryDeduper {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryDeduper{ttl: ttl, now: clock, claims: map[string]time.Time{}}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("cache: key is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if expires, ok := d.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	d.claims[key] = now.Add(d.ttl)
	if len(d.claims) > 1024 {
		for k, exp := range d.claims {
			if !now.Before(exp) {
				delete(d.claims, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, strings.TrimSpace(key))
	return nil
}
