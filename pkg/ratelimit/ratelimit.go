// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides fixed-window attempt counters for the OPAQUE
// and token endpoints. The contract is a single Incr(key, window) returning
// the count in the current window; the in-memory counter serves single-node
// deployments and the Redis counter lets replicas share windows.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/storage"
)

// Counter counts attempts in fixed windows.
type Counter interface {
	// Incr increments the counter for key in the current window and returns
	// the resulting count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Close releases resources held by the counter.
	Close() error
}

// MemoryCounter implements Counter with an in-memory map. Buckets reset when
// their window elapses; a background sweep is unnecessary because stale
// buckets are replaced on the next increment and bounded by the key space.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count   int64
	resetAt time.Time
}

// NewMemoryCounter creates an in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Incr increments the counter for key in the current window.
func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		c.buckets[key] = b
	}
	b.count++
	return b.count, nil
}

// Close is a no-op for the in-memory counter.
func (*MemoryCounter) Close() error { return nil }

// RedisCounter implements Counter on a shared Redis instance so several
// replicas see the same windows.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr increments the counter for key, setting the window expiry on first
// increment. INCR and EXPIRE NX run in one pipeline round trip.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	redisKey := "darkauth:rl:" + key

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing rate-limit counter: %w", err)
	}
	return incr.Val(), nil
}

// Close closes the underlying Redis client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// Limiter enforces a maximum attempt count per key per window.
type Limiter struct {
	counter  Counter
	max      int64
	window   time.Duration
	settings storage.SettingsStore
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSettings makes the limiter consult the rate_limit_max_attempts and
// rate_limit_window_seconds settings rows on each check, so operators can
// tune limits without a restart. The construction values stay in effect
// while a row is absent or malformed.
func WithSettings(settings storage.SettingsStore) Option {
	return func(l *Limiter) { l.settings = settings }
}

// NewLimiter creates a Limiter over the given counter.
func NewLimiter(counter Counter, max int64, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{counter: counter, max: max, window: window}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records an attempt for key and returns a rate-limited error once the
// window budget is exhausted. Counter failures are surfaced as internal
// errors; callers decide whether to fail open.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	limit, window := l.limits(ctx)
	count, err := l.counter.Incr(ctx, key, window)
	if err != nil {
		return errors.NewInternalError("rate limiter unavailable", err)
	}
	if count > limit {
		return errors.NewRateLimitedError("too many attempts, retry later", nil)
	}
	return nil
}

// limits resolves the effective budget, preferring the settings rows.
func (l *Limiter) limits(ctx context.Context) (int64, time.Duration) {
	limit, window := l.max, l.window
	if l.settings == nil {
		return limit, window
	}
	if row, err := l.settings.GetSetting(ctx, storage.SettingRateLimitMaxAttempts); err == nil {
		if v, parseErr := strconv.ParseInt(row.Value, 10, 64); parseErr == nil && v > 0 {
			limit = v
		}
	}
	if row, err := l.settings.GetSetting(ctx, storage.SettingRateLimitWindowSeconds); err == nil {
		if v, parseErr := strconv.ParseInt(row.Value, 10, 64); parseErr == nil && v > 0 {
			window = time.Duration(v) * time.Second
		}
	}
	return limit, window
}

// Middleware limits requests per client IP. Identity-scoped limits are
// applied inside the handlers, where the identity is known.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.Allow(r.Context(), "ip:"+ClientIP(r)); err != nil {
				errors.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the caller's IP from the request, ignoring the port.
// chi's RealIP middleware has already folded trusted forwarding headers into
// RemoteAddr by the time this runs.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
