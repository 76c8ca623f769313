// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package sqlcore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/darkauth/darkauth/pkg/storage"
)

const pendingAuthColumns = `request_id, client_id, redirect_uri, state, nonce, scopes,
	code_challenge, code_challenge_method, zk_pub_kid, zk_pub_jwk, user_sub, origin,
	created_at, expires_at`

const authCodeColumns = `code_hash, client_id, user_sub, redirect_uri, scopes, nonce,
	code_challenge, code_challenge_method, zk_pub_kid, zk_pub_jwk, otp_verified,
	issued_at, expires_at`

// CreatePendingAuth stores a new pending authorization.
func (s *Store) CreatePendingAuth(ctx context.Context, pa storage.PendingAuth) error {
	scopes, err := encodeStrings(pa.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO pending_auth (
			request_id, client_id, redirect_uri, state, nonce, scopes,
			code_challenge, code_challenge_method, zk_pub_kid, zk_pub_jwk,
			user_sub, origin, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pa.RequestID, pa.ClientID, pa.RedirectURI, pa.State, pa.Nonce, scopes,
		pa.CodeChallenge, pa.CodeChallengeMethod, pa.ZKPubKid, pa.ZKPubJWK,
		pa.UserSub, pa.Origin, millis(pa.CreatedAt), millis(pa.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting pending auth: %w", err)
	}
	return nil
}

// GetPendingAuth retrieves an unexpired pending authorization. Expired rows
// are indistinguishable from absent ones.
func (s *Store) GetPendingAuth(ctx context.Context, requestID string) (storage.PendingAuth, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+pendingAuthColumns+` FROM pending_auth
		WHERE request_id = ? AND expires_at > ?`),
		requestID, millis(nowUTC()),
	)
	return scanPendingAuth(row)
}

// BindPendingAuthSubject sets the subject once authentication completed.
func (s *Store) BindPendingAuthSubject(ctx context.Context, requestID, sub string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pending_auth SET user_sub = ?
		WHERE request_id = ? AND expires_at > ?`),
		sub, requestID, millis(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("binding pending auth subject: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ConsumePendingAuth atomically deletes and returns an unexpired pending
// authorization. Concurrent consumers see exactly one success.
func (s *Store) ConsumePendingAuth(ctx context.Context, requestID string) (storage.PendingAuth, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		DELETE FROM pending_auth
		WHERE request_id = ? AND expires_at > ?
		RETURNING `+pendingAuthColumns),
		requestID, millis(nowUTC()),
	)
	return scanPendingAuth(row)
}

// SweepExpiredPendingAuth deletes expired records, returning the count.
func (s *Store) SweepExpiredPendingAuth(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM pending_auth WHERE expires_at <= ?`), millis(now))
	if err != nil {
		return 0, fmt.Errorf("sweeping pending auth: %w", err)
	}
	return res.RowsAffected()
}

// CreateCode stores a new authorization code record. The plaintext code
// never reaches this layer; CodeHash is its SHA-256.
func (s *Store) CreateCode(ctx context.Context, code storage.AuthCode) error {
	scopes, err := encodeStrings(code.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO auth_codes (
			code_hash, client_id, user_sub, redirect_uri, scopes, nonce,
			code_challenge, code_challenge_method, zk_pub_kid, zk_pub_jwk,
			otp_verified, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		code.CodeHash, code.ClientID, code.UserSub, code.RedirectURI, scopes,
		code.Nonce, code.CodeChallenge, code.CodeChallengeMethod,
		code.ZKPubKid, code.ZKPubJWK, code.OTPVerified,
		millis(code.IssuedAt), millis(code.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting auth code: %w", err)
	}
	return nil
}

// ConsumeCode atomically deletes and returns the unexpired code with the
// given hash. A replayed code finds no row and fails like an unknown one.
func (s *Store) ConsumeCode(ctx context.Context, codeHash string) (storage.AuthCode, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		DELETE FROM auth_codes
		WHERE code_hash = ? AND expires_at > ?
		RETURNING `+authCodeColumns),
		codeHash, millis(nowUTC()),
	)
	return scanAuthCode(row)
}

// SweepExpiredCodes deletes expired codes, returning the count.
func (s *Store) SweepExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM auth_codes WHERE expires_at <= ?`), millis(now))
	if err != nil {
		return 0, fmt.Errorf("sweeping auth codes: %w", err)
	}
	return res.RowsAffected()
}

func scanPendingAuth(sc scanner) (storage.PendingAuth, error) {
	var (
		pa        storage.PendingAuth
		scopes    string
		createdAt int64
		expiresAt int64
	)
	err := sc.Scan(
		&pa.RequestID, &pa.ClientID, &pa.RedirectURI, &pa.State, &pa.Nonce,
		&scopes, &pa.CodeChallenge, &pa.CodeChallengeMethod,
		&pa.ZKPubKid, &pa.ZKPubJWK, &pa.UserSub, &pa.Origin,
		&createdAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PendingAuth{}, storage.ErrNotFound
		}
		return storage.PendingAuth{}, fmt.Errorf("scanning pending auth row: %w", err)
	}
	if pa.Scopes, err = decodeStrings(scopes); err != nil {
		return storage.PendingAuth{}, fmt.Errorf("decoding scopes: %w", err)
	}
	pa.CreatedAt = fromMillis(createdAt)
	pa.ExpiresAt = fromMillis(expiresAt)
	return pa, nil
}

func scanAuthCode(sc scanner) (storage.AuthCode, error) {
	var (
		code      storage.AuthCode
		scopes    string
		issuedAt  int64
		expiresAt int64
	)
	err := sc.Scan(
		&code.CodeHash, &code.ClientID, &code.UserSub, &code.RedirectURI,
		&scopes, &code.Nonce, &code.CodeChallenge, &code.CodeChallengeMethod,
		&code.ZKPubKid, &code.ZKPubJWK, &code.OTPVerified,
		&issuedAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AuthCode{}, storage.ErrNotFound
		}
		return storage.AuthCode{}, fmt.Errorf("scanning auth code row: %w", err)
	}
	if code.Scopes, err = decodeStrings(scopes); err != nil {
		return storage.AuthCode{}, fmt.Errorf("decoding scopes: %w", err)
	}
	code.IssuedAt = fromMillis(issuedAt)
	code.ExpiresAt = fromMillis(expiresAt)
	return code, nil
}
