// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/storage"
)

// requestIDBytes is the entropy of a pending-authorization request id.
const requestIDBytes = 32

// Authorize handles GET /authorize. A valid request produces a pending
// authorization and redirects the browser to the consent page carrying the
// request id; the code is only minted after consent.
func (p *Provider) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	// Client and redirect_uri validate first: until both are known good,
	// errors must not follow the redirect.
	client, err := p.cfg.Clients.GetClient(ctx, q.Get("client_id"))
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("unknown client", nil))
			return
		}
		errors.WriteHTTP(w, errors.NewInternalError("failed to load client", err))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !containsString(client.RedirectURIs, redirectURI) {
		errors.WriteHTTP(w, errors.NewInvalidRequestError("redirect_uri is not registered for this client", nil))
		return
	}

	if q.Get("response_type") != "code" {
		errors.WriteHTTP(w, errors.NewInvalidRequestError("response_type must be code", nil))
		return
	}

	scopes := splitScopes(q.Get("scope"))
	for _, s := range scopes {
		if !client.AllowsScope(s) {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("scope "+s+" is not allowed for this client", nil))
			return
		}
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge == "" {
		// Public clients and clients flagged require_pkce always need a
		// challenge; the require_pkce_default setting extends that to all
		// clients.
		if client.Kind == storage.ClientKindPublic || client.RequirePKCE ||
			p.settingBool(ctx, storage.SettingRequirePKCEDefault, false) {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("code_challenge is required for this client", nil))
			return
		}
	} else {
		if method != "" && method != crypto.PKCEChallengeMethodS256 {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("code_challenge_method must be S256", nil))
			return
		}
		method = crypto.PKCEChallengeMethodS256
		if len(challenge) < 43 || len(challenge) > 128 {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("code_challenge has an invalid length", nil))
			return
		}
	}

	var zkPubKid, zkPubJWK string
	if raw := q.Get("zk_pub"); raw != "" {
		if client.ZKDelivery != storage.ZKDeliveryFragmentJWE {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("client does not support zero-knowledge delivery", nil))
			return
		}
		parsed, err := crypto.ParseZKPublicKey(raw)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		if !originAllowed(redirectURI, client.AllowedZKOrigins) {
			errors.WriteHTTP(w, errors.NewInvalidRequestError("redirect_uri origin is not allowed for zero-knowledge delivery", nil))
			return
		}
		zkPubKid, zkPubJWK = parsed.Kid, raw
	} else if client.ZKRequired {
		errors.WriteHTTP(w, errors.NewInvalidRequestError("zk_pub is required for this client", nil))
		return
	}

	idBytes, err := crypto.RandomBytes(requestIDBytes)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	requestID := crypto.Base64URLEncode(idBytes)

	// An existing session binds the pending record to its subject so a
	// different account cannot consent to it later.
	userSub := ""
	if sess, err := p.cfg.Sessions.Current(ctx, r); err == nil {
		userSub = sess.Sub
	}

	now := p.now().UTC()
	pending := storage.PendingAuth{
		RequestID:           requestID,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		Scopes:              scopes,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ZKPubKid:            zkPubKid,
		ZKPubJWK:            zkPubJWK,
		UserSub:             userSub,
		Origin:              originOf(redirectURI),
		CreatedAt:           now,
		ExpiresAt:           now.Add(PendingAuthTTL),
	}
	if err := p.cfg.Pending.CreatePendingAuth(ctx, pending); err != nil {
		errors.WriteHTTP(w, errors.NewInternalError("failed to stage authorization", err))
		return
	}

	logger.Debugw("Authorization staged", "client_id", client.ClientID, "bound", userSub != "")

	// With a public_origin setting the redirect is absolute, so the consent
	// UI can live behind a different host than the API.
	target := p.publicOrigin(ctx) + p.cfg.ConsentPath + "?request_id=" + url.QueryEscape(requestID)
	http.Redirect(w, r, target, http.StatusFound)
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// originOf returns scheme://host of a URI, empty when unparseable.
func originOf(rawURI string) string {
	u, err := url.Parse(rawURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// originAllowed reports whether the redirect URI's origin is in the allow
// list. Entries are compared with any trailing slash stripped.
func originAllowed(redirectURI string, allowed []string) bool {
	origin := originOf(redirectURI)
	if origin == "" {
		return false
	}
	for _, entry := range allowed {
		if strings.TrimSuffix(entry, "/") == origin {
			return true
		}
	}
	return false
}
