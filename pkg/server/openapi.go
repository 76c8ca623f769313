// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// openAPI handles GET /openapi with a machine-readable description of the
// user surface. The document is built in code so it cannot drift from the
// mounted routes.
func (s *Server) openAPI(w http.ResponseWriter, _ *http.Request) {
	doc := s.openAPIDocument()
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) openAPIDocument() *openapi3.T {
	op := func(summary string) *openapi3.Operation {
		o := openapi3.NewOperation()
		o.Summary = summary
		o.Responses = openapi3.NewResponses()
		return o
	}

	paths := openapi3.NewPaths(
		openapi3.WithPath("/authorize", &openapi3.PathItem{
			Get: op("Begin an OIDC authorization-code flow"),
		}),
		openapi3.WithPath("/consent", &openapi3.PathItem{
			Post: op("Approve or deny a pending authorization"),
		}),
		openapi3.WithPath("/token", &openapi3.PathItem{
			Post: op("Redeem an authorization code for tokens"),
		}),
		openapi3.WithPath("/.well-known/openid-configuration", &openapi3.PathItem{
			Get: op("OIDC discovery document"),
		}),
		openapi3.WithPath("/.well-known/jwks.json", &openapi3.PathItem{
			Get: op("Public signing keys"),
		}),
		openapi3.WithPath("/api/user/opaque/register/start", &openapi3.PathItem{
			Post: op("Begin OPAQUE registration"),
		}),
		openapi3.WithPath("/api/user/opaque/register/finish", &openapi3.PathItem{
			Post: op("Complete OPAQUE registration"),
		}),
		openapi3.WithPath("/api/user/opaque/login/start", &openapi3.PathItem{
			Post: op("Begin OPAQUE login"),
		}),
		openapi3.WithPath("/api/user/opaque/login/finish", &openapi3.PathItem{
			Post: op("Complete OPAQUE login"),
		}),
		openapi3.WithPath("/api/user/password/change/start", &openapi3.PathItem{
			Post: op("Begin a password change"),
		}),
		openapi3.WithPath("/api/user/password/change/finish", &openapi3.PathItem{
			Post: op("Complete a password change"),
		}),
		openapi3.WithPath("/api/otp/setup/init", &openapi3.PathItem{
			Post: op("Begin TOTP enrolment"),
		}),
		openapi3.WithPath("/api/otp/setup/verify", &openapi3.PathItem{
			Post: op("Verify the first TOTP code and receive backup codes"),
		}),
		openapi3.WithPath("/api/otp/verify", &openapi3.PathItem{
			Post: op("Verify a TOTP or backup code"),
		}),
		openapi3.WithPath("/api/otp/reauth", &openapi3.PathItem{
			Post: op("Re-elevate the session with a TOTP code"),
		}),
		openapi3.WithPath("/api/user/wrapped-drk", &openapi3.PathItem{
			Get: op("Fetch the caller's wrapped key blob"),
			Put: op("Replace the caller's wrapped key blob"),
		}),
		openapi3.WithPath("/api/session", &openapi3.PathItem{
			Get: op("Current session status"),
		}),
		openapi3.WithPath("/logout", &openapi3.PathItem{
			Post: op("Destroy the current session"),
		}),
	)

	return &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "DarkAuth",
			Description: "Zero-knowledge OIDC identity provider, user surface.",
			Version:     "1.0",
		},
		Servers: openapi3.Servers{{URL: s.cfg.Issuer}},
		Paths:   paths,
	}
}
