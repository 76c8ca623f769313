// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	stderrors "errors"
	"net/http"
	"net/url"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
)

// codeBytes is the entropy of an authorization code. Only its SHA-256 is
// stored.
const codeBytes = 32

type consentRequest struct {
	RequestID string   `json:"requestId"`
	Approve   *bool    `json:"approve,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

type consentResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

// Consent handles POST /consent. Approval consumes the pending authorization
// and mints the one-time code; denial consumes it and redirects back with
// access_denied. Either way the request id is spent.
func (p *Provider) Consent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := session.FromContext(ctx)
	if !ok {
		errors.WriteHTTP(w, errors.NewUnauthorizedError("no session", nil))
		return
	}

	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if req.RequestID == "" {
		errors.WriteHTTP(w, errors.NewValidationError("requestId is required", nil))
		return
	}

	pending, err := p.cfg.Pending.GetPendingAuth(ctx, req.RequestID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			errors.WriteHTTP(w, errors.NewNotFoundError("authorization request not found or expired", nil))
			return
		}
		errors.WriteHTTP(w, errors.NewInternalError("failed to load authorization request", err))
		return
	}
	if !pending.ExpiresAt.After(p.now()) {
		errors.WriteHTTP(w, errors.NewNotFoundError("authorization request not found or expired", nil))
		return
	}
	// A pending record bound at authorize time can only be completed by the
	// same account.
	if pending.UserSub != "" && pending.UserSub != sess.Sub {
		errors.WriteHTTP(w, errors.NewForbiddenError("authorization request belongs to a different account", nil))
		return
	}
	// The record is unbound when the user authenticated after /authorize.
	// Bind it now so no other account can complete this request.
	if pending.UserSub == "" {
		if err := p.cfg.Pending.BindPendingAuthSubject(ctx, pending.RequestID, sess.Sub); err != nil {
			errors.WriteHTTP(w, errors.NewNotFoundError("authorization request not found or expired", nil))
			return
		}
		pending.UserSub = sess.Sub
	}

	client, err := p.cfg.Clients.GetClient(ctx, pending.ClientID)
	if err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to load client", err))
		return
	}

	if req.Approve != nil && !*req.Approve {
		p.deny(w, r, sess.Sub, pending)
		return
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = pending.Scopes
	}
	if len(scopes) == 0 {
		scopes = client.AllowedScopeKeys()
	}
	for _, s := range scopes {
		if !client.AllowsScope(s) {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("scope "+s+" is not allowed for this client", nil))
			return
		}
	}

	// Step-up gate: no code leaves the server while policy demands a second
	// factor the session has not presented.
	if p.cfg.StepUp != nil {
		required, err := p.cfg.StepUp.RequireOTP(ctx, sess.Sub)
		if err != nil {
			errors.WriteHTTP(w, errors.NewInternalError("failed to evaluate step-up policy", err))
			return
		}
		if required && !sess.OTPVerified {
			errors.WriteHTTP(w, errors.NewForbiddenError("otp_required", nil))
			return
		}
	}

	// Consume before minting: of two concurrent consents exactly one wins.
	if _, err := p.cfg.Pending.ConsumePendingAuth(ctx, req.RequestID); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			errors.WriteHTTP(w, errors.NewNotFoundError("authorization request not found or expired", nil))
			return
		}
		errors.WriteHTTP(w, errors.NewInternalError("failed to consume authorization request", err))
		return
	}

	rawCode, err := crypto.RandomBytes(codeBytes)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	code := crypto.Base64URLEncode(rawCode)

	now := p.now().UTC()
	record := storage.AuthCode{
		CodeHash:            crypto.Base64URLEncode(crypto.SHA256([]byte(code))),
		ClientID:            pending.ClientID,
		UserSub:             sess.Sub,
		RedirectURI:         pending.RedirectURI,
		Scopes:              scopes,
		Nonce:               pending.Nonce,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		ZKPubKid:            pending.ZKPubKid,
		ZKPubJWK:            pending.ZKPubJWK,
		OTPVerified:         sess.OTPVerified,
		IssuedAt:            now,
		ExpiresAt:           now.Add(CodeTTL),
	}
	if err := p.cfg.Codes.CreateCode(ctx, record); err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to store authorization code", err))
		return
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CodesIssued.Inc()
	}
	p.record(ctx, sess.Sub, audit.EventTypeCodeIssued, audit.ResourceClient, pending.ClientID, audit.OutcomeSuccess, nil)

	writeJSON(w, http.StatusOK, consentResponse{
		RedirectURL: redirectWith(pending.RedirectURI, url.Values{"code": {code}, "state": {pending.State}}),
	})
}

func (p *Provider) deny(w http.ResponseWriter, r *http.Request, sub string, pending storage.PendingAuth) {
	ctx := r.Context()
	if _, err := p.cfg.Pending.ConsumePendingAuth(ctx, pending.RequestID); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		errors.WriteHTTP(w, errors.NewInternalError("failed to consume authorization request", err))
		return
	}
	p.record(ctx, sub, audit.EventTypeConsent, audit.ResourceClient, pending.ClientID, audit.OutcomeDenied, nil)
	writeJSON(w, http.StatusOK, consentResponse{
		RedirectURL: redirectWith(pending.RedirectURI, url.Values{"error": {"access_denied"}, "state": {pending.State}}),
	})
}

// redirectWith appends query parameters to a redirect URI, preserving any it
// already carries. Empty values are dropped.
func redirectWith(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			if v != "" {
				q.Set(key, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
