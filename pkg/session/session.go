// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package session issues and validates the server-side sessions of both
// cohorts, the paired double-submit CSRF tokens and the same-origin gate
// every state-changing request passes through.
package session

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/storage"
)

// Cookie names. The __Host- prefix pins cookies to this host, Path=/ and a
// secure context.
const (
	UserCookieName      = "__Host-DarkAuth-User"
	UserCSRFCookieName  = "__Host-DarkAuth-User-Csrf"
	AdminCookieName     = "__Host-DarkAuth-Admin"
	AdminCSRFCookieName = "__Host-DarkAuth-Admin-Csrf"
)

// CSRFHeader is the request header that must echo the CSRF cookie on
// non-idempotent requests.
const CSRFHeader = "x-csrf-token"

// Defaults for session lifetime.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxLifetime = 12 * time.Hour
)

const tokenBytes = 32

// Manager issues and validates sessions for one cohort. The user and admin
// surfaces each run their own Manager; the two session domains never mix.
type Manager struct {
	store  storage.SessionStore
	cohort storage.Cohort
	secure bool
	idle   time.Duration
	max    time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout overrides the inactivity window.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idle = d }
}

// WithMaxLifetime overrides the absolute session cap.
func WithMaxLifetime(d time.Duration) Option {
	return func(m *Manager) { m.max = d }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// SettingsOptions derives lifetime options from the session_idle_minutes and
// session_max_hours settings rows. Absent or malformed rows contribute
// nothing, leaving the defaults in place.
func SettingsOptions(ctx context.Context, settings storage.SettingsStore) []Option {
	var opts []Option
	if settings == nil {
		return opts
	}
	if row, err := settings.GetSetting(ctx, storage.SettingSessionIdleMinutes); err == nil {
		if v, parseErr := strconv.ParseInt(row.Value, 10, 64); parseErr == nil && v > 0 {
			opts = append(opts, WithIdleTimeout(time.Duration(v)*time.Minute))
		}
	}
	if row, err := settings.GetSetting(ctx, storage.SettingSessionMaxHours); err == nil {
		if v, parseErr := strconv.ParseInt(row.Value, 10, 64); parseErr == nil && v > 0 {
			opts = append(opts, WithMaxLifetime(time.Duration(v)*time.Hour))
		}
	}
	return opts
}

// NewManager creates a Manager for the given cohort. secure controls the
// Secure cookie attribute; development setups on plain HTTP disable it.
func NewManager(store storage.SessionStore, cohort storage.Cohort, secure bool, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		cohort: cohort,
		secure: secure,
		idle:   DefaultIdleTimeout,
		max:    DefaultMaxLifetime,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cohort returns the session domain this manager serves.
func (m *Manager) Cohort() storage.Cohort { return m.cohort }

func (m *Manager) cookieNames() (session, csrf string) {
	if m.cohort == storage.CohortAdmin {
		return AdminCookieName, AdminCSRFCookieName
	}
	return UserCookieName, UserCSRFCookieName
}

// Establish creates a session for sub, stores it with a bound CSRF token and
// sets both cookies. adminRole is empty for user sessions.
func (m *Manager) Establish(ctx context.Context, w http.ResponseWriter, sub, adminRole string) (*storage.Session, error) {
	id, err := crypto.RandomBytes(tokenBytes)
	if err != nil {
		return nil, err
	}
	csrfToken, err := crypto.RandomBytes(tokenBytes)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sess := storage.Session{
		ID:         crypto.Base64URLEncode(id),
		Cohort:     m.cohort,
		Sub:        sub,
		AdminRole:  adminRole,
		CSRFToken:  crypto.Base64URLEncode(csrfToken),
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(m.max),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, errors.NewInternalError("failed to create session", err)
	}

	sessionName, csrfName := m.cookieNames()
	http.SetCookie(w, m.cookie(sessionName, sess.ID, true))
	http.SetCookie(w, m.cookie(csrfName, sess.CSRFToken, false))
	return &sess, nil
}

// Current loads the session referenced by the request cookie, enforces the
// idle and absolute expirations and touches last-seen. A missing, unknown or
// expired session yields an unauthorized error.
func (m *Manager) Current(ctx context.Context, r *http.Request) (*storage.Session, error) {
	sessionName, _ := m.cookieNames()
	cookie, err := r.Cookie(sessionName)
	if err != nil || cookie.Value == "" {
		return nil, errors.NewUnauthorizedError("no session", nil)
	}

	sess, err := m.store.GetSession(ctx, cookie.Value)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.NewUnauthorizedError("no session", nil)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load session", err)
	}
	if sess.Cohort != m.cohort {
		return nil, errors.NewUnauthorizedError("no session", nil)
	}

	now := m.now().UTC()
	if now.After(sess.ExpiresAt) || now.After(sess.LastSeenAt.Add(m.idle)) {
		_ = m.store.DeleteSession(ctx, sess.ID)
		return nil, errors.NewUnauthorizedError("session expired", nil)
	}

	// Last-writer-wins; failures only shorten the idle window.
	_ = m.store.TouchSession(ctx, sess.ID, now)
	sess.LastSeenAt = now
	return &sess, nil
}

// MarkOTPVerified records successful step-up on the request's session.
func (m *Manager) MarkOTPVerified(ctx context.Context, r *http.Request) (*storage.Session, error) {
	sess, err := m.Current(ctx, r)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := m.store.SetSessionOTPVerified(ctx, sess.ID, now); err != nil {
		return nil, errors.NewInternalError("failed to update session", err)
	}
	sess.OTPVerified = true
	sess.OTPVerifiedAt = &now
	return sess, nil
}

// Destroy invalidates the request's session server-side and expires both
// cookies. Destroying an absent session is not an error.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	sessionName, csrfName := m.cookieNames()
	if cookie, err := r.Cookie(sessionName); err == nil && cookie.Value != "" {
		if err := m.store.DeleteSession(ctx, cookie.Value); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			return errors.NewInternalError("failed to delete session", err)
		}
	}
	http.SetCookie(w, m.expiredCookie(sessionName, true))
	http.SetCookie(w, m.expiredCookie(csrfName, false))
	return nil
}

func (m *Manager) cookie(name, value string, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: httpOnly,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (m *Manager) expiredCookie(name string, httpOnly bool) *http.Cookie {
	c := m.cookie(name, "", httpOnly)
	c.MaxAge = -1
	return c
}

type contextKey struct{}

// FromContext returns the session injected by RequireAuth.
func FromContext(ctx context.Context) (*storage.Session, bool) {
	sess, ok := ctx.Value(contextKey{}).(*storage.Session)
	return sess, ok
}

// WithSession returns a context carrying the given session. Exposed for
// handler tests.
func WithSession(ctx context.Context, sess *storage.Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// RequireAuth loads the request's session and injects it into the context,
// rejecting unauthenticated requests.
func (m *Manager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.Current(r.Context(), r)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}
