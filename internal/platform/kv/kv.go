// Package kv provides the small key/value capability used for state that lives
// outside the relational store: the per-day patient sequence counters and the
// single doctor profile.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("kv: miss")

type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// Incr atomically increments the integer stored at key and returns the
	// new value. A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)
}

// =========== Redis ===========

type RedisKV struct {
	c *redis.Client
}

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisKV{c: c}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	return r.c.Incr(ctx, key).Result()
}

func (r *RedisKV) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *RedisKV) Close() error {
	return r.c.Close()
}

// =========== In-memory ===========

// MemoryKV is a process-local KV. Values survive for the lifetime of the
// process only; TTLs are honoured lazily on read.
type MemoryKV struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

func (m *MemoryKV) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if v, ok := m.lookup(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: value at %q is not an integer", key)
		}
		n = parsed
	}
	n++
	m.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// lookup must be called with mu held.
func (m *MemoryKV) lookup(key string) (string, bool) {
	if exp, ok := m.expires[key]; ok && !m.now().Before(exp) {
		delete(m.values, key)
		delete(m.expires, key)
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}
