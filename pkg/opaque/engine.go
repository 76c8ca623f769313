// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package opaque implements the server side of the OPAQUE aPAKE over the
// ristretto255 suite, together with the HTTP handlers for registration,
// login and password change. The server never sees a password or anything it
// can be recovered from.
//
// Logging in this package is deliberately sparse: operation names and
// outcomes only. Envelopes, OPRF state, seeds and protocol messages are
// never written to any log.
package opaque

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	lib "github.com/bytemare/opaque"
	"github.com/google/uuid"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/storage"
)

// SessionTTL bounds the lifetime of a transient handshake session between
// start and finish.
const SessionTTL = 2 * time.Minute

const credentialIDSize = 32

// Transient session kinds.
const (
	kindRegistration = "registration"
	kindLogin        = "login"
)

// transientState is the serialized handshake state stored between start and
// finish, keyed by the server-minted session id.
type transientState struct {
	Kind  string `json:"kind"`
	Email string `json:"email"`
	Sub   string `json:"sub,omitempty"`
	Fake  bool   `json:"fake,omitempty"`
	// CredentialID is carried through registration so finish can persist it.
	CredentialID string `json:"credentialId,omitempty"`
	// AKEState is the serialized server AKE state for login sessions.
	AKEState string `json:"akeState,omitempty"`
}

// LoginResult identifies the authenticated user after a successful finish.
type LoginResult struct {
	Sub   string
	Email string
	// SessionKey is the OPAQUE session key shared with the client. The core
	// does not use it for transport security but exposes it for export-key
	// style derivations on the client.
	SessionKey []byte
}

// Engine is the server half of the OPAQUE protocol. It is stateless between
// requests; handshake state lives in the transient store.
type Engine struct {
	setup     *ServerSetup
	users     storage.UserStore
	records   storage.OpaqueRecordStore
	transient storage.TransientLoginStore
}

// NewEngine creates an Engine over the given setup and stores.
func NewEngine(setup *ServerSetup, users storage.UserStore, records storage.OpaqueRecordStore, transient storage.TransientLoginStore) *Engine {
	return &Engine{setup: setup, users: users, records: records, transient: transient}
}

// RegistrationStart evaluates the blinded registration request and opens a
// transient registration session. The response carries the OPRF evaluation
// and the server public key.
func (e *Engine) RegistrationStart(ctx context.Context, email string, request []byte) (string, []byte, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", nil, errors.NewValidationError("email is required", nil)
	}

	server, err := e.setup.Config.Server()
	if err != nil {
		return "", nil, errors.NewCryptoError("handshake failed", err)
	}
	regRequest, err := server.Deserialize.RegistrationRequest(request)
	if err != nil {
		return "", nil, errors.NewValidationError("malformed registration request", err)
	}

	credentialID, err := crypto.RandomBytes(credentialIDSize)
	if err != nil {
		return "", nil, err
	}
	serverPublicKey, err := server.Deserialize.DecodeAkePublicKey(e.setup.PublicKey)
	if err != nil {
		return "", nil, errors.NewCryptoError("handshake failed", err)
	}
	response := server.RegistrationResponse(regRequest, serverPublicKey, credentialID, e.setup.OPRFSeed)

	sessionID, err := e.putState(ctx, transientState{
		Kind:         kindRegistration,
		Email:        email,
		CredentialID: crypto.Base64URLEncode(credentialID),
	})
	if err != nil {
		return "", nil, err
	}

	logger.Debugw("OPAQUE registration_start", "outcome", "ok")
	return sessionID, response.Serialize(), nil
}

// RegistrationFinish validates the client record, creates the user and its
// OPAQUE record in one transaction and destroys the transient session. A
// taken identity fails with a conflict.
func (e *Engine) RegistrationFinish(ctx context.Context, sessionID string, record []byte, name string) (string, error) {
	state, err := e.takeState(ctx, sessionID, kindRegistration)
	if err != nil {
		return "", err
	}
	credentialID, err := e.validateRecord(state, record)
	if err != nil {
		return "", err
	}

	sub := uuid.NewString()
	now := time.Now().UTC()
	err = e.records.RegisterIdentity(ctx,
		storage.User{Sub: sub, Email: state.Email, Name: name, CreatedAt: now, UpdatedAt: now},
		storage.OpaqueRecord{Sub: sub, Record: record, CredentialID: credentialID, UpdatedAt: now},
	)
	if stderrors.Is(err, storage.ErrAlreadyExists) {
		return "", errors.NewConflictError("identity already registered", nil)
	}
	if err != nil {
		return "", errors.NewInternalError("failed to persist registration", err)
	}

	logger.Infow("OPAQUE registration_finish", "outcome", "ok")
	return sub, nil
}

// PasswordChangeFinish replaces the OPAQUE record of an existing user. The
// transient session must have been started with the user's own email.
func (e *Engine) PasswordChangeFinish(ctx context.Context, sessionID string, record []byte, sub string) error {
	state, err := e.takeState(ctx, sessionID, kindRegistration)
	if err != nil {
		return err
	}
	credentialID, err := e.validateRecord(state, record)
	if err != nil {
		return err
	}

	user, err := e.users.GetUserBySub(ctx, sub)
	if err != nil {
		return errors.NewUnauthorizedError("invalid credentials", nil)
	}
	if NormalizeEmail(user.Email) != state.Email {
		return errors.NewUnauthorizedError("invalid credentials", nil)
	}

	if err := e.records.UpsertOpaqueRecord(ctx, storage.OpaqueRecord{
		Sub:          sub,
		Record:       record,
		CredentialID: credentialID,
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		return errors.NewInternalError("failed to persist registration", err)
	}

	logger.Infow("OPAQUE password_change", "outcome", "ok")
	return nil
}

// LoginStart answers a KE1 message with KE2. When the identity does not
// exist a fake credential record is substituted so the response is
// indistinguishable from a real one; the attempt then fails at finish with
// the same error as a wrong password.
func (e *Engine) LoginStart(ctx context.Context, email string, ke1 []byte) (string, []byte, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", nil, errors.NewValidationError("email is required", nil)
	}

	server, err := e.setup.Config.Server()
	if err != nil {
		return "", nil, errors.NewCryptoError("handshake failed", err)
	}
	if err := server.SetKeyMaterial(nil, e.setup.SecretKey, e.setup.PublicKey, e.setup.OPRFSeed); err != nil {
		return "", nil, errors.NewCryptoError("handshake failed", err)
	}
	parsedKE1, err := server.Deserialize.KE1(ke1)
	if err != nil {
		return "", nil, errors.NewValidationError("malformed login request", err)
	}

	clientRecord, sub, fake, err := e.lookupRecord(ctx, server, email)
	if err != nil {
		return "", nil, err
	}

	ke2, err := server.LoginInit(parsedKE1, clientRecord)
	if err != nil {
		return "", nil, errors.NewCryptoError("handshake failed", err)
	}

	sessionID, err := e.putState(ctx, transientState{
		Kind:     kindLogin,
		Email:    email,
		Sub:      sub,
		Fake:     fake,
		AKEState: crypto.Base64URLEncode(server.SerializeState()),
	})
	if err != nil {
		return "", nil, err
	}

	logger.Debugw("OPAQUE login_start", "outcome", "ok")
	return sessionID, ke2.Serialize(), nil
}

// LoginFinish validates KE3 against the stored handshake state. The
// transient session is destroyed whatever the outcome. Unknown identities
// and wrong passwords are indistinguishable here.
//
// identityGate, when non-nil, runs against the attempted identity before the
// handshake is verified; a returned error aborts the attempt. The handlers
// use it for identity-scoped rate limits at finish, where the request body
// carries only the session id.
func (e *Engine) LoginFinish(ctx context.Context, sessionID string, ke3 []byte, identityGate func(ctx context.Context, email string) error) (*LoginResult, error) {
	state, err := e.takeState(ctx, sessionID, kindLogin)
	if err != nil {
		return nil, err
	}
	if identityGate != nil {
		if err := identityGate(ctx, state.Email); err != nil {
			return nil, err
		}
	}

	server, err := e.setup.Config.Server()
	if err != nil {
		return nil, errors.NewCryptoError("handshake failed", err)
	}
	akeState, err := crypto.Base64URLDecode(state.AKEState)
	if err != nil {
		return nil, errors.NewCryptoError("handshake failed", err)
	}
	if err := server.SetAKEState(akeState); err != nil {
		return nil, errors.NewCryptoError("handshake failed", err)
	}

	parsedKE3, err := server.Deserialize.KE3(ke3)
	if err != nil {
		logger.Infow("OPAQUE login_finish", "outcome", "invalid_credentials")
		return nil, errors.NewUnauthorizedError("invalid credentials", nil)
	}
	if err := server.LoginFinish(parsedKE3); err != nil || state.Fake {
		logger.Infow("OPAQUE login_finish", "outcome", "invalid_credentials")
		return nil, errors.NewUnauthorizedError("invalid credentials", nil)
	}

	logger.Infow("OPAQUE login_finish", "outcome", "ok")
	return &LoginResult{Sub: state.Sub, Email: state.Email, SessionKey: server.SessionKey()}, nil
}

// lookupRecord loads the user's credential record, or fabricates one for
// unknown identities. The fake credential identifier is derived
// deterministically from the email so repeated probes see consistent
// responses.
func (e *Engine) lookupRecord(ctx context.Context, server *lib.Server, email string) (*lib.ClientRecord, string, bool, error) {
	user, err := e.users.GetUserByEmail(ctx, email)
	if err == nil {
		rec, recErr := e.records.GetOpaqueRecord(ctx, user.Sub)
		if recErr == nil {
			parsed, parseErr := server.Deserialize.RegistrationRecord(rec.Record)
			if parseErr != nil {
				return nil, "", false, errors.NewCryptoError("handshake failed", parseErr)
			}
			// ClientIdentity stays nil: both sides then default to the
			// public keys, matching what the client signed at registration.
			return &lib.ClientRecord{
				CredentialIdentifier: rec.CredentialID,
				RegistrationRecord:   parsed,
			}, user.Sub, false, nil
		}
		if !stderrors.Is(recErr, storage.ErrNotFound) {
			return nil, "", false, errors.NewInternalError("failed to load credentials", recErr)
		}
		// Registered user without an OPAQUE record: treat as unknown.
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, "", false, errors.NewInternalError("failed to load credentials", err)
	}

	fakeCredentialID, err := crypto.DeriveKey(e.setup.FakeSeed, nil, []byte("fake-credential:"+email), credentialIDSize)
	if err != nil {
		return nil, "", false, err
	}
	fakeRecord, err := e.setup.Config.GetFakeRecord(fakeCredentialID)
	if err != nil {
		return nil, "", false, errors.NewCryptoError("handshake failed", err)
	}
	return fakeRecord, "", true, nil
}

func (e *Engine) validateRecord(state transientState, record []byte) ([]byte, error) {
	server, err := e.setup.Config.Server()
	if err != nil {
		return nil, errors.NewCryptoError("handshake failed", err)
	}
	if _, err := server.Deserialize.RegistrationRecord(record); err != nil {
		return nil, errors.NewValidationError("malformed registration record", err)
	}
	credentialID, err := crypto.Base64URLDecode(state.CredentialID)
	if err != nil {
		return nil, errors.NewCryptoError("handshake failed", err)
	}
	return credentialID, nil
}

func (e *Engine) putState(ctx context.Context, state transientState) (string, error) {
	idBytes, err := crypto.RandomBytes(32)
	if err != nil {
		return "", err
	}
	sessionID := crypto.Base64URLEncode(idBytes)

	encoded, err := json.Marshal(state)
	if err != nil {
		return "", errors.NewInternalError("failed to store handshake state", err)
	}
	if err := e.transient.CreateLoginState(ctx, sessionID, encoded, SessionTTL); err != nil {
		return "", errors.NewInternalError("failed to store handshake state", err)
	}
	return sessionID, nil
}

// takeState removes and parses the transient state. Unknown, expired and
// already-used sessions all surface the same not-found error.
func (e *Engine) takeState(ctx context.Context, sessionID, wantKind string) (transientState, error) {
	raw, err := e.transient.TakeLoginState(ctx, sessionID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return transientState{}, errors.NewNotFoundError("login session not found or expired", nil)
	}
	if err != nil {
		return transientState{}, errors.NewInternalError("failed to load handshake state", err)
	}

	var state transientState
	if err := json.Unmarshal(raw, &state); err != nil {
		return transientState{}, errors.NewInternalError("failed to load handshake state", err)
	}
	if state.Kind != wantKind {
		return transientState{}, errors.NewNotFoundError("login session not found or expired", nil)
	}
	return state, nil
}

// NormalizeEmail lowercases and trims an email for case-insensitive
// matching. Validation beyond the basic shape happens at registration.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail performs the minimal structural check applied at
// registration time.
func ValidateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || len(email) > 254 {
		return fmt.Errorf("malformed email address")
	}
	return nil
}
