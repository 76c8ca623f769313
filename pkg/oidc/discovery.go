// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"net/http"

	"github.com/darkauth/darkauth/pkg/keys"
)

// discoveryDocument is the subset of RFC 8414 / OIDC Discovery metadata the
// core publishes.
type discoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
}

// Discovery handles GET /.well-known/openid-configuration.
func (p *Provider) Discovery(w http.ResponseWriter, r *http.Request) {
	issuer := p.issuer(r.Context())
	doc := discoveryDocument{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/authorize",
		TokenEndpoint:                    issuer + "/token",
		JWKSURI:                          issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{"authorization_code"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{keys.SigningAlgorithm},
		TokenEndpointAuthMethods:         []string{"none", "client_secret_basic"},
		CodeChallengeMethodsSupported:    []string{"S256"},
		ScopesSupported:                  []string{"openid", "profile", "email"},
		ClaimsSupported:                  []string{"iss", "sub", "aud", "iat", "exp", "email", "name", "amr", "nonce", "permissions", "groups"},
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, doc)
}

// JWKS handles GET /.well-known/jwks.json. Retired keys are absent; rotated
// but unretired keys remain so outstanding tokens keep verifying.
func (p *Provider) JWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, p.cfg.Keys.JWKS())
}
