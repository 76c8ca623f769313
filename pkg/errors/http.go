// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// wireError is the JSON error body shared by all endpoints. The shape follows
// the OAuth2 error convention so OIDC clients can parse every failure the
// same way.
type wireError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// serverErrorCode is the wire code used for crypto and internal failures.
// Detail for those stays in server logs only.
const serverErrorCode = "server_error"

// Status maps an error to its HTTP status code. Unknown error values are
// treated as internal.
func Status(err error) int {
	t, ok := kindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch t {
	case ErrValidation, ErrInvalidRequest, ErrInvalidGrant:
		return http.StatusBadRequest
	case ErrUnauthorized, ErrUnauthorizedClient, ErrInvalidClient:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WireCode returns the "error" field value for the response body. Crypto and
// internal kinds collapse to server_error so no cryptographic or database
// detail can leak.
func WireCode(err error) string {
	t, ok := kindOf(err)
	if !ok || t == ErrCrypto || t == ErrInternal {
		return serverErrorCode
	}
	return t
}

// WriteHTTP renders err as the standard JSON error body. Messages of crypto
// and internal errors are replaced with a fixed description.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := Status(err)
	body := wireError{Error: WireCode(err)}

	if body.Error == serverErrorCode {
		body.Description = "internal server error"
	} else {
		var e *Error
		if errors.As(err, &e) {
			body.Description = e.Message
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
