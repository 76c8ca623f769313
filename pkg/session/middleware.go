// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net/http"
	"net/url"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
)

// idempotent reports whether the method cannot change server state and so
// skips the same-origin and CSRF gates.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// sameOrigin reports whether the request satisfies at least one of the
// accepted same-origin signals: Sec-Fetch-Site, Origin or Referer. Requests
// carrying none of the three are rejected; every browser that can hold our
// cookies sends at least one.
//
// The first header present decides alone, which is stricter than accepting
// any match: a request whose Sec-Fetch-Site says cross-site is rejected even
// if its Referer looks local. Browsers never send contradictory values, so
// the only requests the stricter reading turns away are forged ones.
func sameOrigin(r *http.Request) bool {
	if site := r.Header.Get("Sec-Fetch-Site"); site != "" {
		return site == "same-origin"
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		return hostEquals(origin, r.Host)
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		return hostEquals(referer, r.Host)
	}
	return false
}

func hostEquals(rawURL, host string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Host == host
}

// Protect enforces the same-origin policy and the double-submit CSRF check
// on non-idempotent methods, before any business logic runs. The CSRF check
// applies whenever a session cookie accompanies the request: the header must
// equal the CSRF cookie, compared in constant time.
func (m *Manager) Protect(next http.Handler) http.Handler {
	sessionName, csrfName := m.cookieNames()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if idempotent(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		if !sameOrigin(r) {
			errors.WriteHTTP(w, errors.NewForbiddenError("cross-origin request rejected", nil))
			return
		}

		if cookie, err := r.Cookie(sessionName); err == nil && cookie.Value != "" {
			csrfCookie, err := r.Cookie(csrfName)
			if err != nil || csrfCookie.Value == "" {
				errors.WriteHTTP(w, errors.NewForbiddenError("missing CSRF token", nil))
				return
			}
			header := r.Header.Get(CSRFHeader)
			if header == "" || !crypto.ConstantTimeEqual([]byte(header), []byte(csrfCookie.Value)) {
				errors.WriteHTTP(w, errors.NewForbiddenError("missing CSRF token", nil))
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}
