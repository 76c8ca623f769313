// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package install implements the first-run bootstrap: while the system is
// uninitialized every endpoint except /install/* is gated off, a one-time
// token is printed to the operator console, and the flow creates the first
// admin identity over OPAQUE before flipping the initialized flag.
package install

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/keys"
	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/opaque"
	"github.com/darkauth/darkauth/pkg/storage"
)

// AdminRoleKey is the role granted to the bootstrap admin.
const AdminRoleKey = "admin"

const (
	tokenBytes   = 32
	maxBodyBytes = 1 << 16
)

// Installer owns the install token and serves the bootstrap endpoints. The
// token lives only in process memory and dies with completion.
type Installer struct {
	settings storage.SettingsStore
	policy   storage.PolicyStore
	engine   *opaque.Engine
	keys     *keys.Manager
	audit    *audit.Recorder

	mu          sync.Mutex
	token       string
	firstAdmin  string
	initialized bool
}

// New creates an Installer. When the system is already initialized no token
// is minted and the endpoints reject everything.
func New(ctx context.Context, settings storage.SettingsStore, policy storage.PolicyStore, engine *opaque.Engine, km *keys.Manager, rec *audit.Recorder) (*Installer, error) {
	ins := &Installer{
		settings: settings,
		policy:   policy,
		engine:   engine,
		keys:     km,
		audit:    rec,
	}

	initialized, err := systemInitialized(ctx, settings)
	if err != nil {
		return nil, err
	}
	ins.initialized = initialized
	if initialized {
		return ins, nil
	}

	raw, err := crypto.RandomBytes(tokenBytes)
	if err != nil {
		return nil, err
	}
	ins.token = crypto.Base64URLEncode(raw)

	// The operator copies this from the console into the install UI. It is
	// deliberately not written anywhere durable.
	logger.Infof("System is uninitialized. Install token: %s", ins.token)
	return ins, nil
}

// Initialized reports whether the install flow has completed.
func (ins *Installer) Initialized() bool {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.initialized
}

// Gate blocks every route except /install/* until the system is initialized,
// and removes /install/* afterwards.
func (ins *Installer) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isInstallRoute := strings.HasPrefix(r.URL.Path, "/install/")
		if ins.Initialized() {
			if isInstallRoute {
				errors.WriteHTTP(w, errors.NewNotFoundError("not found", nil))
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if !isInstallRoute {
			errors.WriteHTTP(w, errors.NewForbiddenError("system is not initialized", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes registers the install endpoints on r.
func (ins *Installer) Routes(r chi.Router) {
	r.Post("/install/opaque/start", ins.OpaqueStart)
	r.Post("/install/opaque/finish", ins.OpaqueFinish)
	r.Post("/install/complete", ins.Complete)
}

type installStartRequest struct {
	Token   string `json:"token"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Request string `json:"request"`
}

type installFinishRequest struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	Record    string `json:"record"`
	Name      string `json:"name,omitempty"`
}

type installCompleteRequest struct {
	Token string `json:"token"`
}

// OpaqueStart handles POST /install/opaque/start: OPAQUE registration start
// for the first admin.
func (ins *Installer) OpaqueStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req installStartRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := ins.checkToken(req.Token); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	email := opaque.NormalizeEmail(req.Email)
	if err := opaque.ValidateEmail(email); err != nil {
		errors.WriteHTTP(w, errors.NewValidationError("malformed email address", nil))
		return
	}
	message, err := crypto.Base64URLDecode(req.Request)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	sessionID, response, err := ins.engine.RegistrationStart(ctx, email, message)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"response":  crypto.Base64URLEncode(response),
	})
}

// OpaqueFinish handles POST /install/opaque/finish, creating the admin
// identity and remembering it for Complete.
func (ins *Installer) OpaqueFinish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req installFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := ins.checkToken(req.Token); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	record, err := crypto.Base64URLDecode(req.Record)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	sub, err := ins.engine.RegistrationFinish(ctx, req.SessionID, record, req.Name)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	ins.mu.Lock()
	ins.firstAdmin = sub
	ins.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"sub": sub})
}

// Complete handles POST /install/complete: grants the admin role, writes the
// default settings, makes sure a signing key exists and flips the initialized
// flag. The flag is written last so a partial failure leaves the system
// uninitialized and the flow can be retried.
func (ins *Installer) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req installCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := ins.checkToken(req.Token); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	ins.mu.Lock()
	firstAdmin := ins.firstAdmin
	ins.mu.Unlock()
	if firstAdmin == "" {
		errors.WriteHTTP(w, errors.NewConflictError("no admin identity registered yet", nil))
		return
	}

	if err := ins.policy.UpsertRole(ctx, storage.Role{Key: AdminRoleKey, Name: "Administrator"}); err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to create admin role", err))
		return
	}
	if err := ins.policy.AssignRoleToUser(ctx, firstAdmin, AdminRoleKey); err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to assign admin role", err))
		return
	}

	if err := ins.keys.EnsureKey(ctx); err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to provision signing key", err))
		return
	}

	now := time.Now().UTC()
	defaults := []storage.Setting{
		{Key: storage.SettingSelfRegistrationEnabled, Value: "true", UpdatedAt: now},
		{Key: storage.SettingSystemInitialized, Value: "true", UpdatedAt: now},
	}
	for _, s := range defaults {
		if err := ins.writeDefault(ctx, s); err != nil {
			errors.WriteHTTP(w, err)
			return
		}
	}

	ins.mu.Lock()
	ins.initialized = true
	ins.token = ""
	ins.firstAdmin = ""
	ins.mu.Unlock()

	if ins.audit != nil {
		ins.audit.Record(ctx, firstAdmin, audit.EventTypeInstallCompleted, audit.ResourceSystem, "", audit.OutcomeSuccess, nil)
	}
	logger.Infow("Install completed", "admin_sub", firstAdmin)
	w.WriteHeader(http.StatusNoContent)
}

// writeDefault stores a setting, keeping any value an operator set earlier in
// the flow. The initialized flag is always written.
func (ins *Installer) writeDefault(ctx context.Context, s storage.Setting) error {
	if s.Key != storage.SettingSystemInitialized {
		if _, err := ins.settings.GetSetting(ctx, s.Key); err == nil {
			return nil
		} else if !stderrors.Is(err, storage.ErrNotFound) {
			return errors.NewInternalError("failed to load settings", err)
		}
	}
	if err := ins.settings.SetSetting(ctx, s); err != nil {
		return errors.NewInternalError("failed to store settings", err)
	}
	return nil
}

func (ins *Installer) checkToken(presented string) error {
	ins.mu.Lock()
	token := ins.token
	initialized := ins.initialized
	ins.mu.Unlock()

	if initialized || token == "" {
		return errors.NewForbiddenError("system is already initialized", nil)
	}
	if !crypto.ConstantTimeEqual([]byte(token), []byte(presented)) {
		return errors.NewUnauthorizedError("invalid install token", nil)
	}
	return nil
}

func systemInitialized(ctx context.Context, settings storage.SettingsStore) (bool, error) {
	row, err := settings.GetSetting(ctx, storage.SettingSystemInitialized)
	if stderrors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Value == "true", nil
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
