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

// GetOTPRecord retrieves an identity's OTP record.
func (s *Store) GetOTPRecord(ctx context.Context, cohort storage.Cohort, sub string) (storage.OTPRecord, error) {
	var (
		rec       storage.OTPRecord
		c         string
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT cohort, sub, secret_enc, verified, last_used_step, created_at, updated_at
		FROM otp_records WHERE cohort = ? AND sub = ?`),
		string(cohort), sub,
	).Scan(&c, &rec.Sub, &rec.SecretEnc, &rec.Verified, &rec.LastUsedStep,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OTPRecord{}, storage.ErrNotFound
		}
		return storage.OTPRecord{}, fmt.Errorf("scanning otp record: %w", err)
	}
	rec.Cohort = storage.Cohort(c)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

// UpsertOTPRecord stores or replaces an identity's OTP record.
func (s *Store) UpsertOTPRecord(ctx context.Context, record storage.OTPRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO otp_records (cohort, sub, secret_enc, verified, last_used_step, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cohort, sub) DO UPDATE SET
			secret_enc = excluded.secret_enc,
			verified = excluded.verified,
			last_used_step = excluded.last_used_step,
			updated_at = excluded.updated_at`),
		string(record.Cohort), record.Sub, record.SecretEnc, record.Verified,
		record.LastUsedStep, millis(record.CreatedAt), millis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting otp record: %w", err)
	}
	return nil
}

// DeleteOTPRecord removes the OTP record and its backup codes.
func (s *Store) DeleteOTPRecord(ctx context.Context, cohort storage.Cohort, sub string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM otp_records WHERE cohort = ? AND sub = ?`),
		string(cohort), sub,
	)
	if err != nil {
		return fmt.Errorf("deleting otp record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM otp_backup_codes WHERE cohort = ? AND sub = ?`),
		string(cohort), sub,
	); err != nil {
		return fmt.Errorf("deleting otp backup codes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// AdvanceOTPStep persists a newly accepted step iff it is greater than the
// stored one. The guarded UPDATE makes concurrent verifications race-free:
// exactly one of two attempts with the same step wins.
func (s *Store) AdvanceOTPStep(ctx context.Context, cohort storage.Cohort, sub string, step int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE otp_records SET last_used_step = ?, updated_at = ?
		WHERE cohort = ? AND sub = ? AND last_used_step < ?`),
		step, millis(nowUTC()), string(cohort), sub, step,
	)
	if err != nil {
		return false, fmt.Errorf("advancing otp step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected == 1, nil
}

// ReplaceBackupCodes replaces all backup codes for an identity.
func (s *Store) ReplaceBackupCodes(ctx context.Context, cohort storage.Cohort, sub string, codeHashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM otp_backup_codes WHERE cohort = ? AND sub = ?`),
		string(cohort), sub,
	); err != nil {
		return fmt.Errorf("deleting old backup codes: %w", err)
	}

	now := millis(nowUTC())
	for _, hash := range codeHashes {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO otp_backup_codes (cohort, sub, code_hash, created_at)
			VALUES (?, ?, ?, ?)`),
			string(cohort), sub, hash, now,
		); err != nil {
			return fmt.Errorf("inserting backup code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ConsumeBackupCode deletes a backup code by hash. Returns false when no
// such code exists, which covers both never-issued and already-used codes.
func (s *Store) ConsumeBackupCode(ctx context.Context, cohort storage.Cohort, sub string, codeHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM otp_backup_codes
		WHERE cohort = ? AND sub = ? AND code_hash = ?`),
		string(cohort), sub, codeHash,
	)
	if err != nil {
		return false, fmt.Errorf("consuming backup code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected == 1, nil
}
