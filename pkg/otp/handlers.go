// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package otp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/metrics"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
)

const maxBodyBytes = 4096

// Handler serves the TOTP endpoints for one cohort. All routes require an
// authenticated session; the router wraps them with RequireAuth.
type Handler struct {
	engine   *Engine
	sessions *session.Manager
	users    storage.UserStore
	issuer   string
	audit    *audit.Recorder
	metrics  *metrics.Metrics
}

// NewHandler creates a Handler.
func NewHandler(engine *Engine, sessions *session.Manager, users storage.UserStore, issuer string, rec *audit.Recorder, m *metrics.Metrics) *Handler {
	return &Handler{
		engine:   engine,
		sessions: sessions,
		users:    users,
		issuer:   issuer,
		audit:    rec,
		metrics:  m,
	}
}

// Routes registers the OTP endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/setup/init", h.SetupInit)
	r.Post("/setup/verify", h.SetupVerify)
	r.Post("/verify", h.Verify)
	r.Post("/reauth", h.Verify)
	r.Post("/disable", h.Disable)
	r.Get("/status", h.Status)
}

type codeRequest struct {
	Code string `json:"code"`
}

// SetupInit handles POST /otp/setup/init.
func (h *Handler) SetupInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}

	account := sess.Sub
	if user, err := h.users.GetUserBySub(ctx, sess.Sub); err == nil {
		account = user.Email
	}

	enrolment, err := h.engine.SetupInit(ctx, sess.Cohort, sess.Sub, h.issuer, account)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":           enrolment.SecretBase32,
		"provisioning_uri": enrolment.ProvisioningURI,
	})
}

// SetupVerify handles POST /otp/setup/verify. Success elevates the session
// and returns the backup codes, shown exactly once.
func (h *Handler) SetupVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	backupCodes, err := h.engine.SetupVerify(ctx, sess.Cohort, sess.Sub, req.Code)
	if err != nil {
		h.audit.Record(ctx, sess.Sub, audit.EventTypeOTPSetup, string(sess.Cohort), sess.Sub, audit.OutcomeFailure, nil)
		errors.WriteHTTP(w, err)
		return
	}
	if _, err := h.sessions.MarkOTPVerified(ctx, r); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	h.audit.Record(ctx, sess.Sub, audit.EventTypeOTPSetup, string(sess.Cohort), sess.Sub, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"backup_codes": backupCodes,
	})
}

// Verify handles POST /otp/verify and /otp/reauth. Success elevates the
// session; tokens minted afterwards carry "otp" in amr.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	if err := h.engine.Verify(ctx, sess.Cohort, sess.Sub, req.Code); err != nil {
		h.observe("failure")
		h.audit.Record(ctx, sess.Sub, audit.EventTypeOTPVerify, string(sess.Cohort), sess.Sub, audit.OutcomeFailure, nil)
		errors.WriteHTTP(w, err)
		return
	}
	if _, err := h.sessions.MarkOTPVerified(ctx, r); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	h.observe("success")
	h.audit.Record(ctx, sess.Sub, audit.EventTypeOTPVerify, string(sess.Cohort), sess.Sub, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Disable handles POST /otp/disable. The caller must present a valid code;
// an attacker holding only the session cookie cannot silently drop the
// second factor.
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	if err := h.engine.Verify(ctx, sess.Cohort, sess.Sub, req.Code); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := h.engine.Disable(ctx, sess.Cohort, sess.Sub); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	h.audit.Record(ctx, sess.Sub, audit.EventTypeOTPDisable, string(sess.Cohort), sess.Sub, audit.OutcomeSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /otp/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}

	exists, verified, err := h.engine.Enrolled(ctx, sess.Cohort, sess.Sub)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"enrolled": exists,
		"verified": verified,
		"elevated": sess.OTPVerified,
	})
}

func (h *Handler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.OTPVerifies.WithLabelValues(outcome).Inc()
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
