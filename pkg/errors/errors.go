// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed error values used across the
// authentication core. Every failure a handler can surface is one of the
// kinds below; raw library and database errors are wrapped as the cause and
// never shown to clients.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrValidation is returned when the request shape or semantics is wrong
	ErrValidation = "validation_error"

	// ErrUnauthorized is returned when credentials or session are missing or invalid
	ErrUnauthorized = "unauthorized"

	// ErrForbidden is returned when the caller is authenticated but not permitted
	ErrForbidden = "forbidden"

	// ErrNotFound is returned when the resource does not exist for the caller
	ErrNotFound = "not_found"

	// ErrConflict is returned on a uniqueness violation
	ErrConflict = "conflict"

	// ErrInvalidRequest is the OAuth2-shaped malformed-request error
	ErrInvalidRequest = "invalid_request"

	// ErrInvalidGrant is returned when an authorization code is missing, expired or already used
	ErrInvalidGrant = "invalid_grant"

	// ErrUnauthorizedClient is returned when client authentication fails
	ErrUnauthorizedClient = "unauthorized_client"

	// ErrInvalidClient is returned when the client is unknown or misconfigured
	ErrInvalidClient = "invalid_client"

	// ErrRateLimited is returned when too many attempts were made in the current window
	ErrRateLimited = "rate_limited"

	// ErrCrypto is an opaque failure from a cryptographic operation; the
	// underlying reason is never surfaced to clients
	ErrCrypto = "crypto"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewUnauthorizedClientError creates a new unauthorized client error
func NewUnauthorizedClientError(message string, cause error) *Error {
	return NewError(ErrUnauthorizedClient, message, cause)
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(ErrInvalidClient, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewCryptoError creates a new crypto error. The message is a fixed, generic
// description; the cause carries the detail for server-side logs only.
func NewCryptoError(message string, cause error) *Error {
	return NewError(ErrCrypto, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// kindOf extracts the error type, unwrapping as needed.
func kindOf(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrValidation
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrUnauthorized
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrForbidden
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrNotFound
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrConflict
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrInvalidRequest
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrInvalidGrant
}

// IsUnauthorizedClient checks if the error is an unauthorized client error
func IsUnauthorizedClient(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrUnauthorizedClient
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrInvalidClient
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrRateLimited
}

// IsCrypto checks if the error is a crypto error
func IsCrypto(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrCrypto
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	t, ok := kindOf(err)
	return ok && t == ErrInternal
}
