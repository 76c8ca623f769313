// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package opaque

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/metrics"
	"github.com/darkauth/darkauth/pkg/ratelimit"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
)

// maxBodyBytes bounds request bodies on the OPAQUE endpoints. Protocol
// messages are under 1 KiB; anything bigger is not a handshake.
const maxBodyBytes = 1 << 16

// AccessTokenMinter mints the bearer token returned by login finish.
type AccessTokenMinter interface {
	// MintAccessToken signs an access token for sub with the given amr.
	MintAccessToken(ctx context.Context, sub string, amr []string) (token string, expiresIn int64, err error)
}

// StepUpPolicy decides whether an identity must present a second factor.
type StepUpPolicy interface {
	// RequireOTP reports whether policy demands TOTP step-up for sub.
	RequireOTP(ctx context.Context, sub string) (bool, error)
}

// AdminRoleResolver maps a subject to its admin role. An empty role means
// the subject has no admin access.
type AdminRoleResolver func(ctx context.Context, sub string) (string, error)

// HandlerConfig wires a Handler's collaborators.
type HandlerConfig struct {
	Engine   *Engine
	Sessions *session.Manager
	Minter   AccessTokenMinter
	Policy   StepUpPolicy
	Limiter  *ratelimit.Limiter
	Audit    *audit.Recorder
	Metrics  *metrics.Metrics
	Settings storage.SettingsStore

	// AllowSelfRegister mounts the registration endpoints, gated at request
	// time by the self_registration_enabled setting.
	AllowSelfRegister bool

	// AdminRole resolves admin access for the admin cohort; nil for the
	// user cohort.
	AdminRole AdminRoleResolver
}

// Handler serves the OPAQUE endpoints for one cohort.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{cfg: cfg}
}

// Routes registers the OPAQUE endpoints on r. The caller mounts the result
// under its cohort prefix.
func (h *Handler) Routes(r chi.Router) {
	if h.cfg.AllowSelfRegister {
		r.Post("/opaque/register/start", h.RegisterStart)
		r.Post("/opaque/register/finish", h.RegisterFinish)
	}
	r.Post("/opaque/login/start", h.LoginStart)
	r.Post("/opaque/login/finish", h.LoginFinish)
	r.Post("/password/change/start", h.PasswordChangeStart)
	r.Post("/password/change/finish", h.PasswordChangeFinish)
}

// Wire shapes. OPAQUE protocol messages travel as unpadded base64url.

type registerStartRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Request string `json:"request"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
}

type registerFinishRequest struct {
	SessionID string `json:"sessionId"`
	Record    string `json:"record"`
	Name      string `json:"name,omitempty"`
}

type loginStartRequest struct {
	Email   string `json:"email"`
	Request string `json:"request"`
}

type loginFinishRequest struct {
	SessionID string `json:"sessionId"`
	Finish    string `json:"finish"`
}

type loginFinishResponse struct {
	Sub         string `json:"sub"`
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	OTPRequired bool   `json:"otpRequired"`
}

// RegisterStart handles POST /opaque/register/start.
func (h *Handler) RegisterStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerStartRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := h.checkSelfRegistration(ctx); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	email := NormalizeEmail(req.Email)
	if err := ValidateEmail(email); err != nil {
		errors.WriteHTTP(w, errors.NewValidationError("malformed email address", nil))
		return
	}
	if err := h.allowIdentity(ctx, "register", email); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	message, err := crypto.Base64URLDecode(req.Request)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	sessionID, response, err := h.cfg.Engine.RegistrationStart(ctx, email, message)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID: sessionID,
		Response:  crypto.Base64URLEncode(response),
	})
}

// RegisterFinish handles POST /opaque/register/finish.
func (h *Handler) RegisterFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := h.checkSelfRegistration(ctx); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	record, err := crypto.Base64URLDecode(req.Record)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	sub, err := h.cfg.Engine.RegistrationFinish(ctx, req.SessionID, record, req.Name)
	if err != nil {
		h.cfg.Audit.Record(ctx, "", audit.EventTypeRegisterFinish, h.resourceType(), "", audit.OutcomeFailure, nil)
		errors.WriteHTTP(w, err)
		return
	}

	h.cfg.Audit.Record(ctx, sub, audit.EventTypeRegisterFinish, h.resourceType(), sub, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"sub": sub})
}

// LoginStart handles POST /opaque/login/start. Responses for unknown
// identities are indistinguishable from real ones.
func (h *Handler) LoginStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginStartRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	email := NormalizeEmail(req.Email)
	if err := h.allowIdentity(ctx, "login", email); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	message, err := crypto.Base64URLDecode(req.Request)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	sessionID, response, err := h.cfg.Engine.LoginStart(ctx, email, message)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID: sessionID,
		Response:  crypto.Base64URLEncode(response),
	})
}

// LoginFinish handles POST /opaque/login/finish. On success it establishes a
// session, consults the step-up policy and returns an access token together
// with the otpRequired flag.
func (h *Handler) LoginFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	message, err := crypto.Base64URLDecode(req.Finish)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	result, err := h.cfg.Engine.LoginFinish(ctx, req.SessionID, message,
		func(ctx context.Context, email string) error {
			return h.allowIdentity(ctx, "login", email)
		})
	if err != nil {
		h.observeLogin("failure")
		h.cfg.Audit.Record(ctx, "", audit.EventTypeLoginFinish, h.resourceType(), "", audit.OutcomeFailure, nil)
		errors.WriteHTTP(w, err)
		return
	}

	adminRole := ""
	if h.cfg.AdminRole != nil {
		adminRole, err = h.cfg.AdminRole(ctx, result.Sub)
		if err != nil {
			errors.WriteHTTP(w, errors.NewInternalError("failed to resolve admin role", err))
			return
		}
		if adminRole == "" {
			h.observeLogin("failure")
			errors.WriteHTTP(w, errors.NewUnauthorizedError("invalid credentials", nil))
			return
		}
	}

	otpRequired, err := h.cfg.Policy.RequireOTP(ctx, result.Sub)
	if err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to evaluate policy", err))
		return
	}

	if _, err := h.cfg.Sessions.Establish(ctx, w, result.Sub, adminRole); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	token, expiresIn, err := h.cfg.Minter.MintAccessToken(ctx, result.Sub, []string{"pwd"})
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	h.observeLogin("success")
	h.cfg.Audit.Record(ctx, result.Sub, audit.EventTypeLoginFinish, h.resourceType(), result.Sub, audit.OutcomeSuccess,
		map[string]any{"otp_required": otpRequired})
	writeJSON(w, http.StatusOK, loginFinishResponse{
		Sub:         result.Sub,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		OTPRequired: otpRequired,
	})
}

// PasswordChangeStart handles POST /password/change/start for an
// authenticated session. It is an OPAQUE registration start bound to the
// caller's own email.
func (h *Handler) PasswordChangeStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.cfg.Sessions.Current(ctx, r)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	user, err := h.cfg.Engine.users.GetUserBySub(ctx, sess.Sub)
	if err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to load user", err))
		return
	}

	var req struct {
		Request string `json:"request"`
	}
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	message, err := crypto.Base64URLDecode(req.Request)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	sessionID, response, err := h.cfg.Engine.RegistrationStart(ctx, user.Email, message)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID: sessionID,
		Response:  crypto.Base64URLEncode(response),
	})
}

// PasswordChangeFinish handles POST /password/change/finish, replacing the
// caller's OPAQUE record.
func (h *Handler) PasswordChangeFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.cfg.Sessions.Current(ctx, r)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	var req registerFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	record, err := crypto.Base64URLDecode(req.Record)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	if err := h.cfg.Engine.PasswordChangeFinish(ctx, req.SessionID, record, sess.Sub); err != nil {
		h.cfg.Audit.Record(ctx, sess.Sub, audit.EventTypePasswordChange, h.resourceType(), sess.Sub, audit.OutcomeFailure, nil)
		errors.WriteHTTP(w, err)
		return
	}

	h.cfg.Audit.Record(ctx, sess.Sub, audit.EventTypePasswordChange, h.resourceType(), sess.Sub, audit.OutcomeSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) checkSelfRegistration(ctx context.Context) error {
	row, err := h.cfg.Settings.GetSetting(ctx, storage.SettingSelfRegistrationEnabled)
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewForbiddenError("self-registration is disabled", nil)
	}
	if err != nil {
		return errors.NewInternalError("failed to load settings", err)
	}
	if row.Value != "true" {
		return errors.NewForbiddenError("self-registration is disabled", nil)
	}
	return nil
}

// allowIdentity applies the per-identity rate limit.
func (h *Handler) allowIdentity(ctx context.Context, op, email string) error {
	if h.cfg.Limiter == nil {
		return nil
	}
	return h.cfg.Limiter.Allow(ctx, op+":"+email)
}

func (h *Handler) observeLogin(outcome string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.LoginAttempts.WithLabelValues(string(h.cfg.Sessions.Cohort()), outcome).Inc()
	}
}

func (h *Handler) resourceType() string {
	if h.cfg.Sessions.Cohort() == storage.CohortAdmin {
		return audit.ResourceAdmin
	}
	return audit.ResourceUser
}

// decodeJSON parses a bounded JSON request body.
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
