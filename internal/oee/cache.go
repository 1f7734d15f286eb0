package oee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps the latest snapshot per machine for the refresh interval.
type SnapshotCache interface {
	Get(ctx context.Context, machine string) (*Snapshot, bool, error)
	Set(ctx context.Context, machine string, s *Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, machine string) error
}

// RedisCache shares snapshots between service replicas.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache connects to the redis URL (redis://host:port/db) and checks the connection.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisCacheFromClient(client), nil
}

func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, keyPrefix: "mesinsight:oee"}
}

func (c *RedisCache) key(machine string) string {
	return c.keyPrefix + ":" + machine
}

func (c *RedisCache) Get(ctx context.Context, machine string) (*Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key(machine)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, machine string, s *Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(machine), data, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, machine string) error {
	return c.client.Del(ctx, c.key(machine)).Err()
}

// Close closes the redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemoryCache is the in-process fallback when no redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	snap    *Snapshot
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, machine string) (*Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[machine]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, machine)
		return nil, false, nil
	}
	return e.snap, true, nil
}

func (c *MemoryCache) Set(_ context.Context, machine string, s *Snapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[machine] = memoryEntry{snap: s, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, machine string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, machine)
	return nil
}
