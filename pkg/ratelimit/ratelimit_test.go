// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/storage"
)

// --- Mock Types ---

// memSettings is a settings store holding fixed rows.
type memSettings map[string]string

func (m memSettings) GetSetting(_ context.Context, key string) (storage.Setting, error) {
	v, ok := m[key]
	if !ok {
		return storage.Setting{}, storage.ErrNotFound
	}
	return storage.Setting{Key: key, Value: v}, nil
}

func (m memSettings) SetSetting(_ context.Context, s storage.Setting) error {
	m[s.Key] = s.Value
	return nil
}

func (memSettings) ListSettings(context.Context, bool) ([]storage.Setting, error) {
	return nil, nil
}

// --- Tests ---

func TestMemoryCounterWindowReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemoryCounter()

	now := time.Now()
	c.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		count, err := c.Incr(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// A different key counts independently.
	count, err := c.Incr(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Past the window the bucket starts over.
	now = now.Add(61 * time.Second)
	count, err = c.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLimiterAllow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	limiter := NewLimiter(NewMemoryCounter(), 2, time.Minute)

	require.NoError(t, limiter.Allow(ctx, "ip:10.0.0.1"))
	require.NoError(t, limiter.Allow(ctx, "ip:10.0.0.1"))

	err := limiter.Allow(ctx, "ip:10.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))

	// Other keys are unaffected.
	assert.NoError(t, limiter.Allow(ctx, "ip:10.0.0.2"))
}

func TestLimiterSettingsOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	settings := memSettings{
		storage.SettingRateLimitMaxAttempts:   "1",
		storage.SettingRateLimitWindowSeconds: "120",
	}
	limiter := NewLimiter(NewMemoryCounter(), 10, time.Minute, WithSettings(settings))

	// The settings rows shrink the construction budget from 10 to 1.
	require.NoError(t, limiter.Allow(ctx, "login:u@example.com"))
	err := limiter.Allow(ctx, "login:u@example.com")
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))

	// A malformed row falls back to the construction values.
	settings[storage.SettingRateLimitMaxAttempts] = "lots"
	for i := 0; i < 9; i++ {
		assert.NoError(t, limiter.Allow(ctx, "ip:10.0.0.9"))
	}
}

func TestRedisCounter(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCounter(client)

	ctx := context.Background()
	count, err := c.Incr(ctx, "login:u@example.com", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = c.Incr(ctx, "login:u@example.com", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The window expiry was set on first increment.
	mr.FastForward(61 * time.Second)
	count, err = c.Incr(ctx, "login:u@example.com", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, c.Close())
}
