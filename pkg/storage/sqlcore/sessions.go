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

const sessionColumns = `id, cohort, sub, admin_role, csrf_token, otp_verified,
	otp_verified_at, created_at, last_seen_at, expires_at`

// CreateSession stores a new session.
func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (
			id, cohort, sub, admin_role, csrf_token, otp_verified,
			otp_verified_at, created_at, last_seen_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, string(sess.Cohort), sess.Sub, sess.AdminRole, sess.CSRFToken,
		sess.OTPVerified, nullMillis(sess.OTPVerifiedAt),
		millis(sess.CreatedAt), millis(sess.LastSeenAt), millis(sess.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Expiry policy (idle and absolute)
// is enforced by the session layer, not here.
func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

// TouchSession updates the last-seen timestamp. Concurrent touches are
// last-writer-wins, which is fine for idle tracking.
func (s *Store) TouchSession(ctx context.Context, id string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE sessions SET last_seen_at = ? WHERE id = ?`),
		millis(seenAt), id,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
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

// SetSessionOTPVerified marks the session OTP-elevated.
func (s *Store) SetSessionOTPVerified(ctx context.Context, id string, verifiedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sessions SET otp_verified = ?, otp_verified_at = ? WHERE id = ?`),
		true, millis(verifiedAt), id,
	)
	if err != nil {
		return fmt.Errorf("marking session otp-verified: %w", err)
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

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
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

// SweepExpiredSessions removes sessions past their absolute expiry.
func (s *Store) SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM sessions WHERE expires_at <= ?`), millis(now))
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(sc scanner) (storage.Session, error) {
	var (
		sess          storage.Session
		cohort        string
		otpVerifiedAt sql.NullInt64
		createdAt     int64
		lastSeenAt    int64
		expiresAt     int64
	)
	err := sc.Scan(
		&sess.ID, &cohort, &sess.Sub, &sess.AdminRole, &sess.CSRFToken,
		&sess.OTPVerified, &otpVerifiedAt, &createdAt, &lastSeenAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("scanning session row: %w", err)
	}
	sess.Cohort = storage.Cohort(cohort)
	sess.OTPVerifiedAt = timeFromNull(otpVerifiedAt)
	sess.CreatedAt = fromMillis(createdAt)
	sess.LastSeenAt = fromMillis(lastSeenAt)
	sess.ExpiresAt = fromMillis(expiresAt)
	return sess, nil
}
