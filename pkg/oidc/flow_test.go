// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/keys"
	"github.com/darkauth/darkauth/pkg/otp"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
)

// --- Mock Types ---

// memStore backs a full flow in memory: clients, users, pending auths, codes,
// sessions, signing keys, policy and settings.
type memStore struct {
	mu       sync.Mutex
	clients  map[string]storage.Client
	users    map[string]storage.User
	pending  map[string]storage.PendingAuth
	codes    map[string]storage.AuthCode
	sessions map[string]storage.Session
	keys     []storage.SigningKey
	groups   map[string][]storage.Group
	roles    map[string][]storage.Role
	perms    map[string][]string
	settings map[string]storage.Setting
}

func newMemStore() *memStore {
	return &memStore{
		clients:  make(map[string]storage.Client),
		users:    make(map[string]storage.User),
		pending:  make(map[string]storage.PendingAuth),
		codes:    make(map[string]storage.AuthCode),
		sessions: make(map[string]storage.Session),
		groups:   make(map[string][]storage.Group),
		roles:    make(map[string][]storage.Role),
		perms:    make(map[string][]string),
		settings: make(map[string]storage.Setting),
	}
}

func (m *memStore) GetClient(_ context.Context, clientID string) (storage.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListClients(context.Context) ([]storage.Client, error) { return nil, nil }

func (m *memStore) UpsertClient(_ context.Context, c storage.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ClientID] = c
	return nil
}

func (m *memStore) DeleteClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, clientID)
	return nil
}

func (m *memStore) GetUserBySub(_ context.Context, sub string) (storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[sub]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (m *memStore) CreateUser(_ context.Context, u storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Sub]; ok {
		return storage.ErrAlreadyExists
	}
	m.users[u.Sub] = u
	return nil
}

func (m *memStore) UpdateUser(_ context.Context, u storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Sub]; !ok {
		return storage.ErrNotFound
	}
	m.users[u.Sub] = u
	return nil
}

func (m *memStore) DeleteUser(_ context.Context, sub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, sub)
	return nil
}

func (m *memStore) CreatePendingAuth(_ context.Context, pa storage.PendingAuth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[pa.RequestID] = pa
	return nil
}

func (m *memStore) GetPendingAuth(_ context.Context, requestID string) (storage.PendingAuth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.pending[requestID]
	if !ok {
		return storage.PendingAuth{}, storage.ErrNotFound
	}
	return pa, nil
}

func (m *memStore) BindPendingAuthSubject(_ context.Context, requestID, sub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.pending[requestID]
	if !ok {
		return storage.ErrNotFound
	}
	pa.UserSub = sub
	m.pending[requestID] = pa
	return nil
}

func (m *memStore) ConsumePendingAuth(_ context.Context, requestID string) (storage.PendingAuth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.pending[requestID]
	if !ok || !pa.ExpiresAt.After(time.Now()) {
		return storage.PendingAuth{}, storage.ErrNotFound
	}
	delete(m.pending, requestID)
	return pa, nil
}

func (m *memStore) SweepExpiredPendingAuth(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) CreateCode(_ context.Context, code storage.AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.CodeHash] = code
	return nil
}

func (m *memStore) ConsumeCode(_ context.Context, codeHash string) (storage.AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.codes[codeHash]
	if !ok || !code.ExpiresAt.After(time.Now()) {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	delete(m.codes, codeHash)
	return code, nil
}

func (m *memStore) SweepExpiredCodes(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memStore) CreateSession(_ context.Context, s storage.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *memStore) TouchSession(_ context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeenAt = seenAt
		m.sessions[id] = s
	}
	return nil
}

func (m *memStore) SetSessionOTPVerified(_ context.Context, id string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.OTPVerified = true
	s.OTPVerifiedAt = &verifiedAt
	m.sessions[id] = s
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) SweepExpiredSessions(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memStore) ListActiveSigningKeys(_ context.Context) ([]storage.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.SigningKey
	for _, k := range m.keys {
		if k.Active {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memStore) ListSigningKeys(_ context.Context) ([]storage.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.SigningKey, len(m.keys))
	copy(out, m.keys)
	return out, nil
}

func (m *memStore) InsertSigningKey(_ context.Context, key storage.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.Active {
		for i := range m.keys {
			m.keys[i].Active = false
		}
	}
	m.keys = append(m.keys, key)
	return nil
}

func (m *memStore) RetireSigningKey(_ context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for i := range m.keys {
		if m.keys[i].Kid == kid {
			m.keys[i].RetiredAt = &now
			m.keys[i].Active = false
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memStore) UpsertGroup(context.Context, storage.Group) error        { return nil }
func (m *memStore) UpsertRole(context.Context, storage.Role) error          { return nil }
func (m *memStore) AssignUserToGroup(context.Context, string, string) error { return nil }
func (m *memStore) AssignRoleToUser(context.Context, string, string) error  { return nil }
func (m *memStore) SetRolePermissions(context.Context, string, []string) error {
	return nil
}

func (m *memStore) ListGroupsForUser(_ context.Context, sub string) ([]storage.Group, error) {
	return m.groups[sub], nil
}

func (m *memStore) ListRolesForUser(_ context.Context, sub string) ([]storage.Role, error) {
	return m.roles[sub], nil
}

func (m *memStore) ListPermissionsForUser(_ context.Context, sub string) ([]string, error) {
	out := append([]string(nil), m.perms[sub]...)
	sort.Strings(out)
	return out, nil
}

func (m *memStore) GetSetting(_ context.Context, key string) (storage.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.settings[key]
	if !ok {
		return storage.Setting{}, storage.ErrNotFound
	}
	return row, nil
}

func (m *memStore) SetSetting(_ context.Context, setting storage.Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[setting.Key] = setting
	return nil
}

func (m *memStore) ListSettings(context.Context, bool) ([]storage.Setting, error) {
	return nil, nil
}

// --- Helpers ---

const (
	testIssuer      = "https://auth.example.com"
	testClientID    = "demo-app"
	testRedirectURI = "https://app.example.com/callback"
	testSub         = "user-1"
)

type flowFixture struct {
	store    *memStore
	provider *Provider
	sessions *session.Manager
	keys     *keys.Manager
	kek      *kek.Service
}

func newFlowFixture(t *testing.T) *flowFixture {
	return newFlowFixtureWithIssuer(t, testIssuer)
}

func newFlowFixtureWithIssuer(t *testing.T, issuer string) *flowFixture {
	t.Helper()
	ctx := context.Background()
	store := newMemStore()

	kekSvc, err := kek.Initialize(ctx, store, "flow test passphrase")
	require.NoError(t, err)

	km := keys.NewManager(store, kekSvc)
	require.NoError(t, km.EnsureKey(ctx))

	sessions := session.NewManager(store, storage.CohortUser, false)

	require.NoError(t, store.UpsertClient(ctx, storage.Client{
		ClientID:          testClientID,
		Name:              "Demo App",
		Kind:              storage.ClientKindPublic,
		RedirectURIs:      []string{testRedirectURI},
		RequirePKCE:       true,
		ZKDelivery:        storage.ZKDeliveryFragmentJWE,
		TokenEndpointAuth: storage.TokenAuthNone,
		AllowedScopes: []storage.ScopeDescriptor{
			{Key: "openid"}, {Key: "profile"}, {Key: "email"},
		},
		AllowedZKOrigins: []string{"https://app.example.com/"},
	}))
	require.NoError(t, store.CreateUser(ctx, storage.User{
		Sub:        testSub,
		Email:      "user@example.com",
		Name:       "Test User",
		WrappedDRK: []byte("wrapped-drk-material"),
	}))
	store.perms[testSub] = []string{"read:notes", "write:notes"}
	store.groups[testSub] = []storage.Group{{Key: "staff", EnableLogin: true}}

	provider := NewProvider(Config{
		Issuer:   issuer,
		Clients:  store,
		Pending:  store,
		Codes:    store,
		Users:    store,
		Policy:   store,
		Settings: store,
		Keys:     km,
		KEK:      kekSvc,
		Sessions: sessions,
		StepUp:   otp.NewPolicy(store),
	})
	return &flowFixture{store: store, provider: provider, sessions: sessions, keys: km, kek: kekSvc}
}

func (f *flowFixture) login(t *testing.T) (*storage.Session, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	sess, err := f.sessions.Establish(context.Background(), rec, testSub, "")
	require.NoError(t, err)
	return sess, rec.Result().Cookies()
}

// authorize runs GET /authorize and returns the request id from the redirect.
func (f *flowFixture) authorize(t *testing.T, params url.Values, cookies []*http.Cookie) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.provider.Authorize(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	requestID := loc.Query().Get("request_id")
	require.NotEmpty(t, requestID)
	return requestID
}

// consent runs POST /consent as sess and returns the code from the redirect.
func (f *flowFixture) consent(t *testing.T, sess *storage.Session, requestID string) string {
	t.Helper()
	rec := f.consentRaw(t, sess, requestID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp consentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	redirect, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *flowFixture) consentRaw(t *testing.T, sess *storage.Session, requestID string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(consentRequest{RequestID: requestID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/consent", bytes.NewReader(body))
	req = req.WithContext(session.WithSession(req.Context(), sess))
	rec := httptest.NewRecorder()
	f.provider.Consent(rec, req)
	return rec
}

func (f *flowFixture) token(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.provider.Token(rec, req)
	return rec
}

// ephemeralZKKey generates the client-side P-256 pair and its public JWK.
func ephemeralZKKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	jwk, err := (&jose.JSONWebKey{Key: &priv.PublicKey}).MarshalJSON()
	require.NoError(t, err)
	return priv, string(jwk)
}

func (f *flowFixture) parseToken(t *testing.T, raw string) jwt.MapClaims {
	t.Helper()
	active, err := f.keys.Active()
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, active.Kid, tok.Header["kid"])
		return &active.PrivateKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	return claims
}

func wrongVerifier(t *testing.T) string {
	t.Helper()
	return crypto.GeneratePKCEVerifier()
}

// --- Tests ---

func TestAuthorizationCodeFlowWithZKDelivery(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	sess, cookies := f.login(t)

	ephemeral, zkPub := ephemeralZKKey(t)
	verifier := crypto.GeneratePKCEVerifier()

	requestID := f.authorize(t, url.Values{
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid profile"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6_WzA2Mj"},
		"code_challenge":        {crypto.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
		"zk_pub":                {zkPub},
	}, cookies)

	code := f.consent(t, sess, requestID)

	rec := f.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "openid profile", resp.Scope)
	assert.Positive(t, resp.ExpiresIn)

	idClaims := f.parseToken(t, resp.IDToken)
	assert.Equal(t, testIssuer, idClaims["iss"])
	assert.Equal(t, testSub, idClaims["sub"])
	assert.Equal(t, testClientID, idClaims["aud"])
	assert.Equal(t, "n-0S6_WzA2Mj", idClaims["nonce"])
	assert.Equal(t, "user@example.com", idClaims["email"])
	assert.Contains(t, idClaims["amr"], "pwd")
	assert.NotContains(t, idClaims["amr"], "otp")
	assert.Contains(t, idClaims["permissions"], "read:notes")
	assert.Contains(t, idClaims["groups"], "staff")

	accessClaims := f.parseToken(t, resp.AccessToken)
	assert.Equal(t, testSub, accessClaims["sub"])

	// Only the holder of the ephemeral private key can open the DRK-JWE.
	require.NotEmpty(t, resp.DRKJWE)
	jwe, err := jose.ParseEncrypted(resp.DRKJWE,
		[]jose.KeyAlgorithm{jose.ECDH_ES_A256KW},
		[]jose.ContentEncryption{jose.A256GCM})
	require.NoError(t, err)
	plaintext, err := jwe.Decrypt(ephemeral)
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped-drk-material"), plaintext)
}

func TestTokenWrongVerifierBurnsCode(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	sess, cookies := f.login(t)

	verifier := crypto.GeneratePKCEVerifier()
	requestID := f.authorize(t, url.Values{
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"response_type":  {"code"},
		"scope":          {"openid"},
		"code_challenge": {crypto.ComputePKCEChallenge(verifier)},
	}, cookies)
	code := f.consent(t, sess, requestID)

	rec := f.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {wrongVerifier(t)},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")

	// The failed attempt consumed the code; the right verifier is now too late.
	rec = f.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestCodeRedemptionIsSingleUse(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	sess, cookies := f.login(t)

	verifier := crypto.GeneratePKCEVerifier()
	requestID := f.authorize(t, url.Values{
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"response_type":  {"code"},
		"scope":          {"openid"},
		"code_challenge": {crypto.ComputePKCEChallenge(verifier)},
	}, cookies)
	code := f.consent(t, sess, requestID)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	require.Equal(t, http.StatusOK, f.token(t, form).Code)

	rec := f.token(t, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	verifier := crypto.GeneratePKCEVerifier()
	challenge := crypto.ComputePKCEChallenge(verifier)

	base := func() url.Values {
		return url.Values{
			"client_id":      {testClientID},
			"redirect_uri":   {testRedirectURI},
			"response_type":  {"code"},
			"scope":          {"openid"},
			"code_challenge": {challenge},
		}
	}

	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"unknown client", func(v url.Values) { v.Set("client_id", "nope") }},
		{"unregistered redirect uri", func(v url.Values) { v.Set("redirect_uri", "https://evil.example.com/cb") }},
		{"wrong response type", func(v url.Values) { v.Set("response_type", "token") }},
		{"scope not allowed", func(v url.Values) { v.Set("scope", "openid admin") }},
		{"missing challenge for public client", func(v url.Values) { v.Del("code_challenge") }},
		{"plain challenge method", func(v url.Values) { v.Set("code_challenge_method", "plain") }},
		{"zk_pub with private component", func(v url.Values) {
			v.Set("zk_pub", `{"kty":"EC","crv":"P-256","x":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","y":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","d":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}`)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			params := base()
			tc.mutate(params)
			req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
			rec := httptest.NewRecorder()
			f.provider.Authorize(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAuthorizeRejectsZKPubWhenDeliveryDisabled(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	ctx := context.Background()

	client, err := f.store.GetClient(ctx, testClientID)
	require.NoError(t, err)
	client.ZKDelivery = storage.ZKDeliveryNone
	require.NoError(t, f.store.UpsertClient(ctx, client))

	_, zkPub := ephemeralZKKey(t)
	verifier := crypto.GeneratePKCEVerifier()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+url.Values{
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"response_type":  {"code"},
		"scope":          {"openid"},
		"code_challenge": {crypto.ComputePKCEChallenge(verifier)},
		"zk_pub":         {zkPub},
	}.Encode(), nil)
	rec := httptest.NewRecorder()
	f.provider.Authorize(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsentRejectsForeignSubject(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	_, cookies := f.login(t)

	verifier := crypto.GeneratePKCEVerifier()
	requestID := f.authorize(t, url.Values{
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"response_type":  {"code"},
		"scope":          {"openid"},
		"code_challenge": {crypto.ComputePKCEChallenge(verifier)},
	}, cookies)

	intruder := &storage.Session{ID: "other", Cohort: storage.CohortUser, Sub: "user-2"}
	rec := f.consentRaw(t, intruder, requestID)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConsentRequiresStepUpWhenPolicyDemands(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	f.store.groups[testSub] = []storage.Group{{Key: "secure", EnableLogin: true, RequireOTP: true}}
	sess, cookies := f.login(t)

	verifier := crypto.GeneratePKCEVerifier()
	requestID := f.authorize(t, url.Values{
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"response_type":  {"code"},
		"scope":          {"openid"},
		"code_challenge": {crypto.ComputePKCEChallenge(verifier)},
	}, cookies)

	rec := f.consentRaw(t, sess, requestID)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "otp_required")

	// Elevating the session unblocks the same request id.
	sess.OTPVerified = true
	code := f.consent(t, sess, requestID)

	tokenRec := f.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, tokenRec.Code, tokenRec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &resp))
	claims := f.parseToken(t, resp.IDToken)
	assert.Contains(t, claims["amr"], "otp")
}

func TestConsentDenyRedirectsWithAccessDenied(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	sess, cookies := f.login(t)

	verifier := crypto.GeneratePKCEVerifier()
	requestID := f.authorize(t, url.Values{
		"client_id":      {testClientID},
		"redirect_uri":   {testRedirectURI},
		"response_type":  {"code"},
		"scope":          {"openid"},
		"state":          {"abc"},
		"code_challenge": {crypto.ComputePKCEChallenge(verifier)},
	}, cookies)

	deny := false
	body, err := json.Marshal(consentRequest{RequestID: requestID, Approve: &deny})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/consent", bytes.NewReader(body))
	req = req.WithContext(session.WithSession(req.Context(), sess))
	rec := httptest.NewRecorder()
	f.provider.Consent(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp consentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	redirect, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "access_denied", redirect.Query().Get("error"))
	assert.Equal(t, "abc", redirect.Query().Get("state"))

	// The request id is spent either way.
	assert.Equal(t, http.StatusNotFound, f.consentRaw(t, sess, requestID).Code)
}

func TestConfidentialClientAuthentication(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	ctx := context.Background()

	secretEnc, err := f.kek.Wrap([]byte("s3cret"))
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertClient(ctx, storage.Client{
		ClientID:          "backend",
		Kind:              storage.ClientKindConfidential,
		RedirectURIs:      []string{testRedirectURI},
		TokenEndpointAuth: storage.TokenAuthClientSecretBasic,
		SecretEnc:         secretEnc,
		AllowedScopes:     []storage.ScopeDescriptor{{Key: "openid"}},
	}))
	sess, cookies := f.login(t)

	requestID := f.authorize(t, url.Values{
		"client_id":     {"backend"},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"openid"},
	}, cookies)
	code := f.consent(t, sess, requestID)

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {testRedirectURI},
	}

	// Wrong secret, then no credentials at all.
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend", "wrong")
	rec := httptest.NewRecorder()
	f.provider.Token(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized_client")

	// Failed auth happens before redemption, so the code is still live.
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend", "s3cret")
	rec = httptest.NewRecorder()
	f.provider.Token(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTokensVerifyAcrossRotation(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	ctx := context.Background()

	before, err := f.keys.Active()
	require.NoError(t, err)
	token, _, err := f.provider.MintAccessToken(ctx, testSub, []string{"pwd"})
	require.NoError(t, err)

	_, err = f.keys.Rotate(ctx)
	require.NoError(t, err)

	// The old key left the active slot but stays in the JWKS.
	jwks := f.keys.JWKS()
	kids := make([]string, 0, len(jwks.Keys))
	for _, k := range jwks.Keys {
		kids = append(kids, k.KeyID)
	}
	assert.Contains(t, kids, before.Kid)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		matches := jwks.Key(kid)
		require.NotEmpty(t, matches)
		return matches[0].Key, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal(t, testSub, claims["sub"])
}

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)

	rec := httptest.NewRecorder()
	f.provider.Discovery(rec, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc discoveryDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+"/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+"/token", doc.TokenEndpoint)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)

	rec = httptest.NewRecorder()
	f.provider.JWKS(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"d"`)
}

func TestIssuerSettingOverridesConfiguredIssuer(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSetting(ctx, storage.Setting{
		Key: storage.SettingIssuer, Value: "https://id.example.net",
	}))

	// Discovery and freshly minted tokens both pick up the row.
	rec := httptest.NewRecorder()
	f.provider.Discovery(rec, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var doc discoveryDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://id.example.net", doc.Issuer)
	assert.Equal(t, "https://id.example.net/token", doc.TokenEndpoint)

	token, _, err := f.provider.MintAccessToken(ctx, testSub, []string{"pwd"})
	require.NoError(t, err)
	claims := f.parseToken(t, token)
	assert.Equal(t, "https://id.example.net", claims["iss"])
}

func TestRequirePKCEDefaultSetting(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	ctx := context.Background()

	// A confidential client with no per-client PKCE requirement.
	require.NoError(t, f.store.UpsertClient(ctx, storage.Client{
		ClientID:          "backend",
		Kind:              storage.ClientKindConfidential,
		RedirectURIs:      []string{"https://backend.example.com/cb"},
		TokenEndpointAuth: storage.TokenAuthClientSecretBasic,
		AllowedScopes:     []storage.ScopeDescriptor{{Key: "openid"}},
	}))
	params := url.Values{
		"client_id":     {"backend"},
		"redirect_uri":  {"https://backend.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid"},
	}

	rec := httptest.NewRecorder()
	f.provider.Authorize(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))
	assert.Equal(t, http.StatusFound, rec.Code, "without the setting the client may omit the challenge")

	require.NoError(t, f.store.SetSetting(ctx, storage.Setting{
		Key: storage.SettingRequirePKCEDefault, Value: "true",
	}))
	rec = httptest.NewRecorder()
	f.provider.Authorize(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "the setting makes the challenge mandatory for every client")
}

func TestPublicOriginPrefixesConsentRedirect(t *testing.T) {
	t.Parallel()
	f := newFlowFixture(t)
	require.NoError(t, f.store.SetSetting(context.Background(), storage.Setting{
		Key: storage.SettingPublicOrigin, Value: "https://id.example.com/",
	}))

	verifier := crypto.GeneratePKCEVerifier()
	params := url.Values{
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"code_challenge":        {crypto.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}
	rec := httptest.NewRecorder()
	f.provider.Authorize(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, "https://id.example.com/?request_id="), loc)
}
