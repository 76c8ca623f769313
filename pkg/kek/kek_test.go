// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package kek

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/pkg/storage"
)

// memSettings is a minimal in-memory SettingsStore for tests.
type memSettings struct {
	mu   sync.Mutex
	rows map[string]storage.Setting
}

func newMemSettings() *memSettings {
	return &memSettings{rows: make(map[string]storage.Setting)}
}

func (m *memSettings) GetSetting(_ context.Context, key string) (storage.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	if !ok {
		return storage.Setting{}, storage.ErrNotFound
	}
	return row, nil
}

func (m *memSettings) SetSetting(_ context.Context, setting storage.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	setting.UpdatedAt = time.Now()
	m.rows[setting.Key] = setting
	return nil
}

func (m *memSettings) ListSettings(_ context.Context, includeSecure bool) ([]storage.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Setting
	for _, row := range m.rows {
		if row.Secure && !includeSecure {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func TestInitializeThenDeriveReproducesKEK(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	settings := newMemSettings()

	svc, err := Initialize(ctx, settings, "correct horse battery staple")
	require.NoError(t, err)
	require.True(t, svc.IsAvailable())

	sealed, err := svc.Wrap([]byte("secret signing key"))
	require.NoError(t, err)

	// A second launch derives the same KEK from the persisted parameters.
	again, err := Derive(ctx, settings, "correct horse battery staple")
	require.NoError(t, err)

	plaintext, err := again.Unwrap(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret signing key"), plaintext)
}

func TestDeriveWrongPassphraseFailsUnwrap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	settings := newMemSettings()

	svc, err := Initialize(ctx, settings, "right")
	require.NoError(t, err)
	sealed, err := svc.Wrap([]byte("payload"))
	require.NoError(t, err)

	wrong, err := Derive(ctx, settings, "wrong")
	require.NoError(t, err, "derivation itself succeeds; only unwrap can tell")

	_, err = wrong.Unwrap(sealed)
	assert.Error(t, err)
}

func TestDeriveUninitialized(t *testing.T) {
	t.Parallel()
	_, err := Derive(context.Background(), newMemSettings(), "pw")
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestInitializeTwiceConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	settings := newMemSettings()

	_, err := Initialize(ctx, settings, "pw")
	require.NoError(t, err)

	_, err = Initialize(ctx, settings, "pw")
	assert.Error(t, err)
}

func TestUnwrapRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	settings := newMemSettings()

	svc, err := Initialize(ctx, settings, "pw")
	require.NoError(t, err)

	sealed, err := svc.Wrap([]byte("x"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = svc.Unwrap(sealed)
	assert.Error(t, err)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	t.Parallel()
	settings := newMemSettings()

	_, err := Initialize(context.Background(), settings, "")
	assert.Error(t, err)

	_, err = Derive(context.Background(), settings, "")
	assert.Error(t, err)
}
