// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
)

// maxWrappedDRKBytes bounds the opaque client blob. It holds one wrapped key,
// not documents.
const maxWrappedDRKBytes = 8 * 1024

// apiHandler serves the small session-facing API of one cohort.
type apiHandler struct {
	sessions *session.Manager
	users    storage.UserStore
	audit    *audit.Recorder
}

type sessionStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Sub           string `json:"sub,omitempty"`
	Cohort        string `json:"cohort,omitempty"`
	AdminRole     string `json:"adminRole,omitempty"`
	OTPVerified   bool   `json:"otpVerified,omitempty"`
}

// sessionStatus handles GET /api/session. Anonymous callers get a negative
// answer rather than an error so the UI can poll it.
func (h *apiHandler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Current(r.Context(), r)
	if err != nil {
		writeJSON(w, http.StatusOK, sessionStatusResponse{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, sessionStatusResponse{
		Authenticated: true,
		Sub:           sess.Sub,
		Cohort:        string(sess.Cohort),
		AdminRole:     sess.AdminRole,
		OTPVerified:   sess.OTPVerified,
	})
}

// logout handles POST /logout: the server side of the session dies and the
// cookies are expired on the response.
func (h *apiHandler) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sub := ""
	if sess, ok := session.FromContext(ctx); ok {
		sub = sess.Sub
	}
	if err := h.sessions.Destroy(ctx, w, r); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if h.audit != nil {
		h.audit.Record(ctx, sub, audit.EventTypeLogout, audit.ResourceSession, "", audit.OutcomeSuccess, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

type wrappedDRKResponse struct {
	WrappedDRK string `json:"wrappedDrk"`
}

// getWrappedDRK handles GET /api/user/wrapped-drk. The blob is opaque to the
// server; only its owner can read it and only over an authenticated session.
func (h *apiHandler) getWrappedDRK(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}
	user, err := h.users.GetUserBySub(ctx, sess.Sub)
	if err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to load user", err))
		return
	}
	if len(user.WrappedDRK) == 0 {
		errors.WriteHTTP(w, errors.NewNotFoundError("no wrapped key stored", nil))
		return
	}
	writeJSON(w, http.StatusOK, wrappedDRKResponse{
		WrappedDRK: crypto.Base64URLEncode(user.WrappedDRK),
	})
}

// putWrappedDRK handles PUT /api/user/wrapped-drk, replacing the caller's
// blob.
func (h *apiHandler) putWrappedDRK(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}

	var req wrappedDRKResponse
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	blob, err := crypto.Base64URLDecode(req.WrappedDRK)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if len(blob) == 0 || len(blob) > maxWrappedDRKBytes {
		errors.WriteHTTP(w, errors.NewValidationError("wrappedDrk has an invalid size", nil))
		return
	}

	user, err := h.users.GetUserBySub(ctx, sess.Sub)
	if err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to load user", err))
		return
	}
	user.WrappedDRK = blob
	if err := h.users.UpdateUser(ctx, user); err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to store wrapped key", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxWrappedDRKBytes*2))
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
