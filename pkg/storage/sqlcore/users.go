// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package sqlcore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/darkauth/darkauth/pkg/storage"
)

// userColumns is the SELECT column list shared by the user queries.
const userColumns = `sub, email, name, wrapped_drk, created_at, updated_at`

// GetUserBySub retrieves a user by subject.
func (s *Store) GetUserBySub(ctx context.Context, sub string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE sub = ?`), sub)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email, matched case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?)`), email)
	return scanUser(row)
}

// CreateUser stores a new user.
func (s *Store) CreateUser(ctx context.Context, user storage.User) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (sub, email, name, wrapped_drk, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		user.Sub, user.Email, user.Name, user.WrappedDRK,
		millis(user.CreatedAt), millis(user.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// UpdateUser modifies name, email and wrapped-DRK of an existing user.
func (s *Store) UpdateUser(ctx context.Context, user storage.User) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE users SET email = ?, name = ?, wrapped_drk = ?, updated_at = ?
		WHERE sub = ?`),
		user.Email, user.Name, user.WrappedDRK, millis(user.UpdatedAt), user.Sub,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("updating user: %w", err)
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

// DeleteUser removes a user. Dependent rows (OPAQUE record, group and role
// assignments) go with it via ON DELETE CASCADE; sessions and OTP records
// are keyed by cohort and cleaned up here explicitly.
func (s *Store) DeleteUser(ctx context.Context, sub string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM users WHERE sub = ?`), sub)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM sessions WHERE cohort = ? AND sub = ?`),
		string(storage.CohortUser), sub,
	); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM otp_records WHERE cohort = ? AND sub = ?`),
		string(storage.CohortUser), sub,
	); err != nil {
		return fmt.Errorf("deleting otp record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM otp_backup_codes WHERE cohort = ? AND sub = ?`),
		string(storage.CohortUser), sub,
	); err != nil {
		return fmt.Errorf("deleting otp backup codes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetOpaqueRecord retrieves a user's OPAQUE registration record.
func (s *Store) GetOpaqueRecord(ctx context.Context, sub string) (storage.OpaqueRecord, error) {
	var (
		rec       storage.OpaqueRecord
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT sub, record, credential_id, updated_at
		FROM opaque_records WHERE sub = ?`), sub,
	).Scan(&rec.Sub, &rec.Record, &rec.CredentialID, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OpaqueRecord{}, storage.ErrNotFound
		}
		return storage.OpaqueRecord{}, fmt.Errorf("scanning opaque record: %w", err)
	}
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// UpsertOpaqueRecord stores or replaces a user's OPAQUE registration record.
func (s *Store) UpsertOpaqueRecord(ctx context.Context, record storage.OpaqueRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO opaque_records (sub, record, credential_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (sub) DO UPDATE SET
			record = excluded.record,
			credential_id = excluded.credential_id,
			updated_at = excluded.updated_at`),
		record.Sub, record.Record, record.CredentialID, millis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting opaque record: %w", err)
	}
	return nil
}

// DeleteOpaqueRecord removes a user's OPAQUE registration record.
func (s *Store) DeleteOpaqueRecord(ctx context.Context, sub string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM opaque_records WHERE sub = ?`), sub)
	if err != nil {
		return fmt.Errorf("deleting opaque record: %w", err)
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

// RegisterIdentity creates the user and its OPAQUE record in one
// transaction, so a half-registered identity can never be observed.
func (s *Store) RegisterIdentity(ctx context.Context, user storage.User, record storage.OpaqueRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO users (sub, email, name, wrapped_drk, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		user.Sub, user.Email, user.Name, user.WrappedDRK,
		millis(user.CreatedAt), millis(user.UpdatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO opaque_records (sub, record, credential_id, updated_at)
		VALUES (?, ?, ?, ?)`),
		record.Sub, record.Record, record.CredentialID, millis(record.UpdatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting opaque record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// scanUser scans one user row.
func scanUser(sc scanner) (storage.User, error) {
	var (
		u          storage.User
		wrappedDRK []byte
		createdAt  int64
		updatedAt  int64
	)
	err := sc.Scan(&u.Sub, &u.Email, &u.Name, &wrappedDRK, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("scanning user row: %w", err)
	}
	u.WrappedDRK = wrappedDRK
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}
