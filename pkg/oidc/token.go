// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/storage"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
	DRKJWE      string `json:"drk_jwe,omitempty"`
}

// Token handles POST /token: authorization_code redemption with PKCE, client
// authentication and, for zero-knowledge flows, DRK-JWE delivery.
func (p *Provider) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if p.cfg.Metrics != nil {
		defer p.cfg.Metrics.ObserveTokenRequest(p.now())
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		errors.WriteHTTP(w, errors.NewInvalidRequestError("malformed form body", err))
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		errors.WriteHTTP(w, errors.NewInvalidRequestError("grant_type must be authorization_code", nil))
		return
	}
	// nonce is an authorize-time parameter; at redemption it is dropped and
	// the value recorded with the code is the only one that counts.
	r.PostForm.Del("nonce")

	client, err := p.authenticateClient(r)
	if err != nil {
		p.redeemFailed(ctx, "", err)
		errors.WriteHTTP(w, err)
		return
	}

	if err := p.allow(ctx, "token:"+client.ClientID); err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	code := r.PostForm.Get("code")
	if code == "" {
		errors.WriteHTTP(w, errors.NewInvalidRequestError("code is required", nil))
		return
	}
	record, err := p.cfg.Codes.ConsumeCode(ctx, crypto.Base64URLEncode(crypto.SHA256([]byte(code))))
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			grantErr := errors.NewInvalidGrantError("authorization code is invalid, expired or already used", nil)
			p.redeemFailed(ctx, client.ClientID, grantErr)
			errors.WriteHTTP(w, grantErr)
			return
		}
		errors.WriteHTTP(w, errors.NewInternalError("failed to redeem authorization code", err))
		return
	}

	// From here the code is spent; every failure burns it.
	if err := p.validateRedemption(client, record, r); err != nil {
		p.redeemFailed(ctx, client.ClientID, err)
		errors.WriteHTTP(w, err)
		return
	}

	scopes, err := grantedScopes(client, record, r.PostForm.Get("scope"))
	if err != nil {
		p.redeemFailed(ctx, client.ClientID, err)
		errors.WriteHTTP(w, err)
		return
	}

	user, err := p.cfg.Users.GetUserBySub(ctx, record.UserSub)
	if err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to load user", err))
		return
	}

	amr := []string{"pwd"}
	if record.OTPVerified {
		amr = append(amr, "otp")
	}

	idToken, err := p.mintIDToken(ctx, &user, client.ClientID, record.Nonce, amr)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	accessToken, expiresIn, err := p.mintAccessToken(ctx, user.Sub, client.ClientID, scopes, amr)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}

	resp := tokenResponse{
		AccessToken: accessToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Scope:       strings.Join(scopes, " "),
	}
	if record.ZKPubKid != "" {
		jwe, err := p.sealDRK(&user, record.ZKPubJWK)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		resp.DRKJWE = jwe
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CodesRedeemed.WithLabelValues("success").Inc()
	}
	p.record(ctx, user.Sub, audit.EventTypeCodeRedeemed, audit.ResourceClient, client.ClientID, audit.OutcomeSuccess, nil)
	logger.Debugw("Authorization code redeemed", "client_id", client.ClientID)

	writeJSON(w, http.StatusOK, resp)
}

// authenticateClient resolves and authenticates the caller. Public clients
// present no secret; confidential clients use client_secret_basic against the
// KEK-wrapped stored secret.
func (p *Provider) authenticateClient(r *http.Request) (*storage.Client, error) {
	basicID, basicSecret, hasBasic := r.BasicAuth()
	clientID := r.PostForm.Get("client_id")
	if hasBasic {
		clientID = basicID
	}
	if clientID == "" {
		return nil, errors.NewInvalidClientError("client_id is required", nil)
	}

	client, err := p.cfg.Clients.GetClient(r.Context(), clientID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewInvalidClientError("unknown client", nil)
		}
		return nil, errors.NewInternalError("failed to load client", err)
	}

	switch client.TokenEndpointAuth {
	case storage.TokenAuthNone:
		return &client, nil
	case storage.TokenAuthClientSecretBasic:
		if !hasBasic {
			return nil, errors.NewUnauthorizedClientError("client authentication required", nil)
		}
		secret, err := p.cfg.KEK.Unwrap(client.SecretEnc)
		if err != nil {
			return nil, errors.NewInternalError("failed to unwrap client secret", err)
		}
		if !crypto.ConstantTimeEqual(secret, []byte(basicSecret)) {
			return nil, errors.NewUnauthorizedClientError("client authentication failed", nil)
		}
		return &client, nil
	default:
		return nil, errors.NewUnauthorizedClientError("unsupported client authentication method", nil)
	}
}

func (p *Provider) validateRedemption(client *storage.Client, record storage.AuthCode, r *http.Request) error {
	if record.ClientID != client.ClientID {
		return errors.NewInvalidGrantError("authorization code was issued to a different client", nil)
	}
	if !record.ExpiresAt.After(p.now()) {
		return errors.NewInvalidGrantError("authorization code is invalid, expired or already used", nil)
	}
	if uri := r.PostForm.Get("redirect_uri"); uri != record.RedirectURI {
		return errors.NewInvalidGrantError("redirect_uri does not match the authorization request", nil)
	}

	if record.CodeChallenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		if verifier == "" {
			return errors.NewInvalidRequestError("code_verifier is required", nil)
		}
		if !crypto.VerifyPKCEChallenge(verifier, record.CodeChallenge) {
			return errors.NewInvalidRequestError("code_verifier does not match the challenge", nil)
		}
	}
	return nil
}

// grantedScopes computes the scope set of the tokens: the requested subset of
// the client's allowed scopes, or the set allocated at consent when the
// request names none.
func grantedScopes(client *storage.Client, record storage.AuthCode, raw string) ([]string, error) {
	requested := splitScopes(raw)
	if len(requested) == 0 {
		if len(record.Scopes) > 0 {
			return record.Scopes, nil
		}
		return client.AllowedScopeKeys(), nil
	}
	for _, s := range requested {
		if !client.AllowsScope(s) {
			return nil, errors.NewInvalidRequestError("scope "+s+" is not allowed for this client", nil)
		}
	}
	return requested, nil
}

func (p *Provider) redeemFailed(ctx context.Context, clientID string, err error) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.CodesRedeemed.WithLabelValues("failure").Inc()
	}
	p.record(ctx, "", audit.EventTypeCodeRedeemed, audit.ResourceClient, clientID, audit.OutcomeFailure, map[string]any{
		"error": err.Error(),
	})
}
