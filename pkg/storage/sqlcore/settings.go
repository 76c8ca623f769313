// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package sqlcore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/darkauth/darkauth/pkg/storage"
)

// GetSetting retrieves one setting.
func (s *Store) GetSetting(ctx context.Context, key string) (storage.Setting, error) {
	var (
		setting   storage.Setting
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT key, value, secure, updated_at FROM settings WHERE key = ?`), key,
	).Scan(&setting.Key, &setting.Value, &setting.Secure, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Setting{}, storage.ErrNotFound
		}
		return storage.Setting{}, fmt.Errorf("scanning setting: %w", err)
	}
	setting.UpdatedAt = fromMillis(updatedAt)
	return setting, nil
}

// SetSetting stores or replaces one setting.
func (s *Store) SetSetting(ctx context.Context, setting storage.Setting) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settings (key, value, secure, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			secure = excluded.secure,
			updated_at = excluded.updated_at`),
		setting.Key, setting.Value, setting.Secure, millis(setting.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting setting: %w", err)
	}
	return nil
}

// ListSettings returns all settings ordered by key. When includeSecure is
// false, secure rows are omitted entirely rather than redacted.
func (s *Store) ListSettings(ctx context.Context, includeSecure bool) ([]storage.Setting, error) {
	query := `SELECT key, value, secure, updated_at FROM settings`
	var args []any
	if !includeSecure {
		query += ` WHERE secure = ?`
		args = append(args, false)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var settings []storage.Setting
	for rows.Next() {
		var (
			setting   storage.Setting
			updatedAt int64
		)
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.Secure, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}
		setting.UpdatedAt = fromMillis(updatedAt)
		settings = append(settings, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating setting rows: %w", err)
	}
	return settings, nil
}

// WriteAudit appends one audit entry.
func (s *Store) WriteAudit(ctx context.Context, entry storage.AuditEntry) error {
	var details any
	if entry.Details != nil {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		details = string(data)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO audit_log (at, actor, event, resource_type, resource_id, outcome, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		millis(entry.At), entry.Actor, entry.Event,
		entry.ResourceType, entry.ResourceID, entry.Outcome, details,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}
