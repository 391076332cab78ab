// Package cache provides a byte-oriented TTL cache with a process-local
// default and an optional Redis backend selected by configuration.
package cache

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisOpTimeout = 500 * time.Millisecond

// Cache is the minimal contract shared by the memory and Redis backends.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
	Delete(key string)
}

type memoryCache struct {
	mu sync.RWMutex
	m  map[string]memoryEntry
}

type memoryEntry struct {
	val []byte
	exp time.Time
}

// NewMemory returns the in-process backend.
func NewMemory() Cache {
	return &memoryCache{m: make(map[string]memoryEntry)}
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.val, true
}

func (c *memoryCache) Set(key string, val []byte, ttl time.Duration) {
	e := memoryEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.m[key] = e
	c.mu.Unlock()
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

type redisCache struct {
	client *redis.Client
}

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	v, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis set failed")
	}
}

func (r *redisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_ = r.client.Del(ctx, key).Err()
}

// New selects the backend: Redis when addr is non-empty, memory otherwise.
// Redis failures degrade to cache misses rather than errors.
func New(addr string) Cache {
	if addr == "" {
		return NewMemory()
	}
	log.Info().Str("addr", addr).Msg("cache: using redis backend")
	return &redisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}
