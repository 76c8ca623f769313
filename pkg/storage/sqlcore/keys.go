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

const signingKeyColumns = `kid, algorithm, private_key_enc, public_jwk, active, created_at, retired_at`

// ListActiveSigningKeys returns keys with the active flag set.
func (s *Store) ListActiveSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	return s.querySigningKeys(ctx,
		s.q(`SELECT `+signingKeyColumns+` FROM signing_keys WHERE active = ? ORDER BY created_at DESC`),
		true)
}

// ListSigningKeys returns every key, newest first, including retired ones.
func (s *Store) ListSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	return s.querySigningKeys(ctx,
		s.q(`SELECT `+signingKeyColumns+` FROM signing_keys ORDER BY created_at DESC`))
}

// InsertSigningKey stores a new key. When key.Active is set, any previously
// active key is deactivated in the same transaction so at most one key is
// active at a time.
func (s *Store) InsertSigningKey(ctx context.Context, key storage.SigningKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if key.Active {
		if _, err := tx.ExecContext(ctx,
			s.q(`UPDATE signing_keys SET active = ? WHERE active = ?`), false, true,
		); err != nil {
			return fmt.Errorf("deactivating previous keys: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO signing_keys (kid, algorithm, private_key_enc, public_jwk, active, created_at, retired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		key.Kid, key.Algorithm, key.PrivateKeyEnc, key.PublicJWK,
		key.Active, millis(key.CreatedAt), nullMillis(key.RetiredAt),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting signing key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RetireSigningKey marks a key retired. Retired keys are dropped from the
// published JWKS; tokens they signed stop verifying, which is the point of
// retiring a compromised key.
func (s *Store) RetireSigningKey(ctx context.Context, kid string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE signing_keys SET active = ?, retired_at = ?
		WHERE kid = ? AND retired_at IS NULL`),
		false, millis(nowUTC()), kid,
	)
	if err != nil {
		return fmt.Errorf("retiring signing key: %w", err)
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

func (s *Store) querySigningKeys(ctx context.Context, query string, args ...any) ([]storage.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying signing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []storage.SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signing key rows: %w", err)
	}
	return keys, nil
}

func scanSigningKey(sc scanner) (storage.SigningKey, error) {
	var (
		k         storage.SigningKey
		createdAt int64
		retiredAt sql.NullInt64
	)
	err := sc.Scan(&k.Kid, &k.Algorithm, &k.PrivateKeyEnc, &k.PublicJWK,
		&k.Active, &createdAt, &retiredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SigningKey{}, storage.ErrNotFound
		}
		return storage.SigningKey{}, fmt.Errorf("scanning signing key row: %w", err)
	}
	k.CreatedAt = fromMillis(createdAt)
	k.RetiredAt = timeFromNull(retiredAt)
	return k, nil
}
