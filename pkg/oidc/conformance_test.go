// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkauth/darkauth/pkg/crypto"
)

// TestTokensVerifyWithStandardClients redeems a code over the wire and checks
// that off-the-shelf OIDC tooling accepts the result: go-oidc drives
// discovery and verifies the ID token, and the access token verifies against
// the JWKS endpoint.
func TestTokensVerifyWithStandardClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// The issuer has to be the server's own URL, which exists only after
	// the listener starts, so route through an indirection.
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	f := newFlowFixtureWithIssuer(t, ts.URL)
	router := chi.NewRouter()
	f.provider.Routes(router)
	handler = router

	sess, cookies := f.login(t)
	verifier := crypto.GeneratePKCEVerifier()
	requestID := f.authorize(t, url.Values{
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid profile email"},
		"state":                 {"conformance-state"},
		"nonce":                 {"conformance-nonce"},
		"code_challenge":        {crypto.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}, cookies)
	code := f.consent(t, sess, requestID)

	resp, err := http.PostForm(ts.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {testClientID},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.IDToken)
	require.NotEmpty(t, tr.AccessToken)

	// ID token through go-oidc discovery and verification.
	rp, err := gooidc.NewProvider(ctx, ts.URL)
	require.NoError(t, err)
	idToken, err := rp.Verifier(&gooidc.Config{
		ClientID:             testClientID,
		SupportedSigningAlgs: []string{gooidc.ES256},
	}).Verify(ctx, tr.IDToken)
	require.NoError(t, err)
	assert.Equal(t, testSub, idToken.Subject)
	assert.Equal(t, ts.URL, idToken.Issuer)
	assert.Equal(t, "conformance-nonce", idToken.Nonce)

	// Access token against the published JWKS.
	set, err := jwk.Fetch(ctx, ts.URL+"/.well-known/jwks.json")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tr.AccessToken, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		key, found := set.LookupKeyID(kid)
		require.True(t, found, "kid %q not in JWKS", kid)
		var raw any
		require.NoError(t, jwk.Export(key, &raw))
		return raw, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	assert.Equal(t, ts.URL, claims["iss"])
	assert.Equal(t, testSub, claims["sub"])
	assert.Equal(t, testClientID, claims["client_id"])
}
