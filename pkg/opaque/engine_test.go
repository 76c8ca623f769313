// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package opaque

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/storage"
	"github.com/darkauth/darkauth/pkg/storage/transient"
)

// --- Mock Types ---

// memIdentityStore implements the user, OPAQUE-record and settings stores in
// memory for engine tests.
type memIdentityStore struct {
	mu       sync.Mutex
	users    map[string]storage.User         // by sub
	records  map[string]storage.OpaqueRecord // by sub
	settings map[string]storage.Setting
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{
		users:    make(map[string]storage.User),
		records:  make(map[string]storage.OpaqueRecord),
		settings: make(map[string]storage.Setting),
	}
}

func (m *memIdentityStore) GetUserBySub(_ context.Context, sub string) (storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[sub]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (m *memIdentityStore) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (m *memIdentityStore) CreateUser(_ context.Context, user storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, user.Email) {
			return storage.ErrAlreadyExists
		}
	}
	m.users[user.Sub] = user
	return nil
}

func (m *memIdentityStore) UpdateUser(_ context.Context, user storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Sub]; !ok {
		return storage.ErrNotFound
	}
	m.users[user.Sub] = user
	return nil
}

func (m *memIdentityStore) DeleteUser(_ context.Context, sub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, sub)
	delete(m.records, sub)
	return nil
}

func (m *memIdentityStore) GetOpaqueRecord(_ context.Context, sub string) (storage.OpaqueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sub]
	if !ok {
		return storage.OpaqueRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (m *memIdentityStore) UpsertOpaqueRecord(_ context.Context, record storage.OpaqueRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Sub] = record
	return nil
}

func (m *memIdentityStore) DeleteOpaqueRecord(_ context.Context, sub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sub)
	return nil
}

func (m *memIdentityStore) RegisterIdentity(ctx context.Context, user storage.User, record storage.OpaqueRecord) error {
	if err := m.CreateUser(ctx, user); err != nil {
		return err
	}
	return m.UpsertOpaqueRecord(ctx, record)
}

func (m *memIdentityStore) GetSetting(_ context.Context, key string) (storage.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[key]
	if !ok {
		return storage.Setting{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *memIdentityStore) SetSetting(_ context.Context, setting storage.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[setting.Key] = setting
	return nil
}

func (m *memIdentityStore) ListSettings(_ context.Context, _ bool) ([]storage.Setting, error) {
	return nil, nil
}

// --- Helpers ---

type engineFixture struct {
	engine *Engine
	setup  *ServerSetup
	store  *memIdentityStore
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()
	store := newMemIdentityStore()

	kekSvc, err := kek.Initialize(ctx, store, "engine test passphrase")
	require.NoError(t, err)

	setup, err := LoadOrCreateSetup(ctx, store, kekSvc)
	require.NoError(t, err)

	ts := transient.NewMemoryStore()
	t.Cleanup(func() { _ = ts.Close() })

	return &engineFixture{
		engine: NewEngine(setup, store, store, ts),
		setup:  setup,
		store:  store,
	}
}

// register runs the full registration handshake with a real OPAQUE client.
func (f *engineFixture) register(t *testing.T, email, password string) string {
	t.Helper()
	ctx := context.Background()

	client, err := f.setup.Config.Client()
	require.NoError(t, err)

	request := client.RegistrationInit([]byte(password))
	sessionID, responseBytes, err := f.engine.RegistrationStart(ctx, email, request.Serialize())
	require.NoError(t, err)

	response, err := client.Deserialize.RegistrationResponse(responseBytes)
	require.NoError(t, err)
	record, _ := client.RegistrationFinalize(response)

	sub, err := f.engine.RegistrationFinish(ctx, sessionID, record.Serialize(), "Test User")
	require.NoError(t, err)
	return sub
}

// login runs the full login handshake with a real OPAQUE client.
func (f *engineFixture) login(t *testing.T, email, password string) (*LoginResult, error) {
	t.Helper()
	ctx := context.Background()

	client, err := f.setup.Config.Client()
	require.NoError(t, err)

	ke1 := client.LoginInit([]byte(password))
	sessionID, ke2Bytes, err := f.engine.LoginStart(ctx, email, ke1.Serialize())
	require.NoError(t, err)

	ke2, err := client.Deserialize.KE2(ke2Bytes)
	if err != nil {
		return nil, err
	}
	ke3, _, err := client.LoginFinish(ke2)
	if err != nil {
		// Wrong password or fake record: the client cannot produce a valid
		// KE3. Send garbage so the server path is still exercised.
		garbage := make([]byte, 64)
		_, _ = rand.Read(garbage)
		return f.engine.LoginFinish(ctx, sessionID, garbage, nil)
	}
	return f.engine.LoginFinish(ctx, sessionID, ke3.Serialize(), nil)
}

// --- Tests ---

func TestRegisterThenLogin(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	sub := f.register(t, "u@example.com", "Passw0rd!123")

	result, err := f.login(t, "u@example.com", "Passw0rd!123")
	require.NoError(t, err)
	assert.Equal(t, sub, result.Sub)
	assert.Equal(t, "u@example.com", result.Email)
	assert.NotEmpty(t, result.SessionKey)
}

func TestLoginEmailIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.register(t, "Mixed@Example.com", "pw secret 1")

	result, err := f.login(t, "mixed@example.com", "pw secret 1")
	require.NoError(t, err)
	assert.Equal(t, "mixed@example.com", result.Email)
}

func TestWrongPasswordAndUnknownUserSameErrorClass(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.register(t, "real@example.com", "right password")

	_, errWrongPW := f.login(t, "real@example.com", "wrong password")
	require.Error(t, errWrongPW)

	_, errGhost := f.login(t, "ghost@example.com", "any password")
	require.Error(t, errGhost)

	assert.True(t, errors.IsUnauthorized(errWrongPW))
	assert.True(t, errors.IsUnauthorized(errGhost))
	assert.Equal(t, errWrongPW.Error(), errGhost.Error())
}

func TestLoginStartUnknownUserProducesWellFormedResponse(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	client, err := f.setup.Config.Client()
	require.NoError(t, err)
	ke1 := client.LoginInit([]byte("whatever"))

	sessionID, ke2Bytes, err := f.engine.LoginStart(context.Background(), "ghost@example.com", ke1.Serialize())
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	// The KE2 parses like any real response.
	_, err = client.Deserialize.KE2(ke2Bytes)
	assert.NoError(t, err)
}

func TestLoginSessionIsSingleUse(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.register(t, "once@example.com", "pw")

	client, err := f.setup.Config.Client()
	require.NoError(t, err)
	ke1 := client.LoginInit([]byte("pw"))
	sessionID, ke2Bytes, err := f.engine.LoginStart(ctx, "once@example.com", ke1.Serialize())
	require.NoError(t, err)

	ke2, err := client.Deserialize.KE2(ke2Bytes)
	require.NoError(t, err)
	ke3, _, err := client.LoginFinish(ke2)
	require.NoError(t, err)

	_, err = f.engine.LoginFinish(ctx, sessionID, ke3.Serialize(), nil)
	require.NoError(t, err)

	// Replaying finish on the same session fails as not-found.
	_, err = f.engine.LoginFinish(ctx, sessionID, ke3.Serialize(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestLoginFinishIdentityGate(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.register(t, "limited@example.com", "pw")

	client, err := f.setup.Config.Client()
	require.NoError(t, err)
	ke1 := client.LoginInit([]byte("pw"))
	sessionID, ke2Bytes, err := f.engine.LoginStart(ctx, "limited@example.com", ke1.Serialize())
	require.NoError(t, err)

	ke2, err := client.Deserialize.KE2(ke2Bytes)
	require.NoError(t, err)
	ke3, _, err := client.LoginFinish(ke2)
	require.NoError(t, err)

	// The gate sees the identity from the handshake state and its error
	// aborts the attempt before verification, even with valid credentials.
	var gated string
	_, err = f.engine.LoginFinish(ctx, sessionID, ke3.Serialize(),
		func(_ context.Context, email string) error {
			gated = email
			return errors.NewRateLimitedError("too many attempts, retry later", nil)
		})
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	assert.Equal(t, "limited@example.com", gated)

	// The session was consumed by the gated attempt.
	_, err = f.engine.LoginFinish(ctx, sessionID, ke3.Serialize(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistrationSessionExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemIdentityStore()
	kekSvc, err := kek.Initialize(ctx, store, "pw")
	require.NoError(t, err)
	setup, err := LoadOrCreateSetup(ctx, store, kekSvc)
	require.NoError(t, err)

	ts := transient.NewMemoryStore(transient.WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = ts.Close() })
	engine := NewEngine(setup, store, store, ts)

	client, err := setup.Config.Client()
	require.NoError(t, err)
	request := client.RegistrationInit([]byte("pw"))
	sessionID, _, err := engine.RegistrationStart(ctx, "slow@example.com", request.Serialize())
	require.NoError(t, err)

	// Drop the entry as the TTL sweep would.
	_, err = ts.TakeLoginState(ctx, sessionID)
	require.NoError(t, err)

	_, err = engine.RegistrationFinish(ctx, sessionID, []byte("record"), "")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	f.register(t, "dup@example.com", "pw one")

	client, err := f.setup.Config.Client()
	require.NoError(t, err)
	request := client.RegistrationInit([]byte("pw two"))
	sessionID, responseBytes, err := f.engine.RegistrationStart(ctx, "dup@example.com", request.Serialize())
	require.NoError(t, err)

	response, err := client.Deserialize.RegistrationResponse(responseBytes)
	require.NoError(t, err)
	record, _ := client.RegistrationFinalize(response)

	_, err = f.engine.RegistrationFinish(ctx, sessionID, record.Serialize(), "")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestPasswordChange(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ctx := context.Background()
	sub := f.register(t, "change@example.com", "old password")

	client, err := f.setup.Config.Client()
	require.NoError(t, err)
	request := client.RegistrationInit([]byte("new password"))
	sessionID, responseBytes, err := f.engine.RegistrationStart(ctx, "change@example.com", request.Serialize())
	require.NoError(t, err)

	response, err := client.Deserialize.RegistrationResponse(responseBytes)
	require.NoError(t, err)
	record, _ := client.RegistrationFinalize(response)
	require.NoError(t, f.engine.PasswordChangeFinish(ctx, sessionID, record.Serialize(), sub))

	_, err = f.login(t, "change@example.com", "old password")
	require.Error(t, err, "old password must stop working")

	result, err := f.login(t, "change@example.com", "new password")
	require.NoError(t, err)
	assert.Equal(t, sub, result.Sub)
}

func TestSetupRoundTripsThroughSettings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newMemIdentityStore()
	kekSvc, err := kek.Initialize(ctx, store, "pw")
	require.NoError(t, err)

	first, err := LoadOrCreateSetup(ctx, store, kekSvc)
	require.NoError(t, err)

	second, err := LoadOrCreateSetup(ctx, store, kekSvc)
	require.NoError(t, err)

	assert.Equal(t, first.SecretKey, second.SecretKey)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.OPRFSeed, second.OPRFSeed)
	assert.Equal(t, first.FakeSeed, second.FakeSeed)
}
