// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package oidc implements the authorization core: the authorize, consent and
// token endpoints of the code+PKCE flow, zero-knowledge DRK delivery over
// ECDH-ES JWE, discovery and JWKS publication.
package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/keys"
	"github.com/darkauth/darkauth/pkg/metrics"
	"github.com/darkauth/darkauth/pkg/otp"
	"github.com/darkauth/darkauth/pkg/ratelimit"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
)

// Flow lifetimes.
const (
	// PendingAuthTTL bounds the window between /authorize and consent.
	PendingAuthTTL = 5 * time.Minute
	// CodeTTL bounds the window between consent and redemption.
	CodeTTL = 60 * time.Second

	// DefaultAccessTokenTTL applies when the settings row is absent.
	DefaultAccessTokenTTL = 10 * time.Minute
	// DefaultIDTokenTTL applies when the settings row is absent.
	DefaultIDTokenTTL = 5 * time.Minute
)

const maxBodyBytes = 16 * 1024

// Config wires a Provider's collaborators.
type Config struct {
	Issuer string

	Clients  storage.ClientStore
	Pending  storage.PendingAuthStore
	Codes    storage.CodeStore
	Users    storage.UserStore
	Policy   storage.PolicyStore
	Settings storage.SettingsStore

	Keys     *keys.Manager
	KEK      *kek.Service
	Sessions *session.Manager
	StepUp   *otp.Policy
	Limiter  *ratelimit.Limiter
	Audit    *audit.Recorder
	Metrics  *metrics.Metrics

	// ConsentPath is the landing page /authorize redirects to with the
	// request id. Defaults to "/".
	ConsentPath string
}

// Provider serves the OIDC endpoints. It also implements the access-token
// minter used by the OPAQUE login handlers.
type Provider struct {
	cfg Config
	now func() time.Time
}

// NewProvider creates a Provider.
func NewProvider(cfg Config) *Provider {
	if cfg.ConsentPath == "" {
		cfg.ConsentPath = "/"
	}
	return &Provider{cfg: cfg, now: time.Now}
}

// Routes registers the OIDC endpoints on r.
func (p *Provider) Routes(r chi.Router) {
	r.Get("/authorize", p.Authorize)
	r.Post("/token", p.Token)
	r.Get("/.well-known/openid-configuration", p.Discovery)
	r.Get("/.well-known/jwks.json", p.JWKS)
}

// ConsentRoutes registers the endpoints that need an authenticated session.
func (p *Provider) ConsentRoutes(r chi.Router) {
	r.Post("/consent", p.Consent)
}

func (p *Provider) accessTokenTTL(ctx context.Context) time.Duration {
	return p.settingDuration(ctx, storage.SettingAccessTokenTTLSeconds, DefaultAccessTokenTTL)
}

func (p *Provider) idTokenTTL(ctx context.Context) time.Duration {
	return p.settingDuration(ctx, storage.SettingIDTokenTTLSeconds, DefaultIDTokenTTL)
}

// settingDuration reads a seconds-valued setting, falling back to def on a
// missing row or a malformed value.
func (p *Provider) settingDuration(ctx context.Context, key string, def time.Duration) time.Duration {
	row, err := p.cfg.Settings.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	seconds, err := strconv.ParseInt(row.Value, 10, 64)
	if err != nil || seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// issuer resolves the issuer identity stamped into tokens and discovery: the
// issuer settings row when present, the configured value otherwise.
func (p *Provider) issuer(ctx context.Context) string {
	if row, err := p.cfg.Settings.GetSetting(ctx, storage.SettingIssuer); err == nil && row.Value != "" {
		return row.Value
	}
	return p.cfg.Issuer
}

// publicOrigin returns the browser-facing origin consent redirects are
// prefixed with, with any trailing slash stripped. Empty when the row is
// absent, in which case redirects stay relative.
func (p *Provider) publicOrigin(ctx context.Context) string {
	row, err := p.cfg.Settings.GetSetting(ctx, storage.SettingPublicOrigin)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(row.Value, "/")
}

// settingBool reads a boolean setting, falling back to def on a missing row
// or a malformed value.
func (p *Provider) settingBool(ctx context.Context, key string, def bool) bool {
	row, err := p.cfg.Settings.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	v, err := strconv.ParseBool(row.Value)
	if err != nil {
		return def
	}
	return v
}

func (p *Provider) allow(ctx context.Context, key string) error {
	if p.cfg.Limiter == nil {
		return nil
	}
	return p.cfg.Limiter.Allow(ctx, key)
}

func (p *Provider) record(ctx context.Context, actor, event, resourceType, resourceID, outcome string, details map[string]any) {
	if p.cfg.Audit != nil {
		p.cfg.Audit.Record(ctx, actor, event, resourceType, resourceID, outcome, details)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewValidationError("malformed request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
