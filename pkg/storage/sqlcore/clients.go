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

// clientColumns is the SELECT column list shared by the client queries.
const clientColumns = `client_id, name, kind, redirect_uris, post_logout_redirect_uris,
	require_pkce, zk_delivery, zk_required, token_endpoint_auth, secret_enc,
	allowed_scopes, allowed_zk_origins, created_at, updated_at`

// GetClient retrieves a client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (storage.Client, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+clientColumns+` FROM clients WHERE client_id = ?`), clientID)
	return scanClient(row)
}

// ListClients returns all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) ([]storage.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+clientColumns+` FROM clients ORDER BY client_id`))
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating client rows: %w", err)
	}
	return clients, nil
}

// UpsertClient stores or replaces a client.
func (s *Store) UpsertClient(ctx context.Context, client storage.Client) error {
	redirects, err := encodeStrings(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding redirect uris: %w", err)
	}
	postLogout, err := encodeStrings(client.PostLogoutRedirectURIs)
	if err != nil {
		return fmt.Errorf("encoding post-logout redirect uris: %w", err)
	}
	scopes, err := encodeScopes(client.AllowedScopes)
	if err != nil {
		return fmt.Errorf("encoding allowed scopes: %w", err)
	}
	origins, err := encodeStrings(client.AllowedZKOrigins)
	if err != nil {
		return fmt.Errorf("encoding allowed origins: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO clients (
			client_id, name, kind, redirect_uris, post_logout_redirect_uris,
			require_pkce, zk_delivery, zk_required, token_endpoint_auth,
			secret_enc, allowed_scopes, allowed_zk_origins, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			redirect_uris = excluded.redirect_uris,
			post_logout_redirect_uris = excluded.post_logout_redirect_uris,
			require_pkce = excluded.require_pkce,
			zk_delivery = excluded.zk_delivery,
			zk_required = excluded.zk_required,
			token_endpoint_auth = excluded.token_endpoint_auth,
			secret_enc = excluded.secret_enc,
			allowed_scopes = excluded.allowed_scopes,
			allowed_zk_origins = excluded.allowed_zk_origins,
			updated_at = excluded.updated_at`),
		client.ClientID, client.Name, client.Kind, redirects, postLogout,
		client.RequirePKCE, client.ZKDelivery, client.ZKRequired,
		client.TokenEndpointAuth, client.SecretEnc, scopes, origins,
		millis(client.CreatedAt), millis(client.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}
	return nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM clients WHERE client_id = ?`), clientID)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
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

// scanClient scans one client row.
func scanClient(sc scanner) (storage.Client, error) {
	var (
		c          storage.Client
		redirects  string
		postLogout string
		scopes     string
		origins    string
		secretEnc  []byte
		createdAt  int64
		updatedAt  int64
	)
	err := sc.Scan(
		&c.ClientID, &c.Name, &c.Kind, &redirects, &postLogout,
		&c.RequirePKCE, &c.ZKDelivery, &c.ZKRequired, &c.TokenEndpointAuth,
		&secretEnc, &scopes, &origins, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Client{}, storage.ErrNotFound
		}
		return storage.Client{}, fmt.Errorf("scanning client row: %w", err)
	}

	if c.RedirectURIs, err = decodeStrings(redirects); err != nil {
		return storage.Client{}, fmt.Errorf("decoding redirect uris: %w", err)
	}
	if c.PostLogoutRedirectURIs, err = decodeStrings(postLogout); err != nil {
		return storage.Client{}, fmt.Errorf("decoding post-logout redirect uris: %w", err)
	}
	if c.AllowedScopes, err = decodeScopes(scopes); err != nil {
		return storage.Client{}, fmt.Errorf("decoding allowed scopes: %w", err)
	}
	if c.AllowedZKOrigins, err = decodeStrings(origins); err != nil {
		return storage.Client{}, fmt.Errorf("decoding allowed origins: %w", err)
	}
	c.SecretEnc = secretEnc
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// encodeStrings marshals a string slice for a TEXT column.
func encodeStrings(values []string) (string, error) {
	if values == nil {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeStrings unmarshals a TEXT column into a string slice.
func decodeStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}

// encodeScopes marshals scope descriptors for a TEXT column.
func encodeScopes(scopes []storage.ScopeDescriptor) (string, error) {
	if scopes == nil {
		return "[]", nil
	}
	data, err := json.Marshal(scopes)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeScopes unmarshals a TEXT column into scope descriptors.
func decodeScopes(data string) ([]storage.ScopeDescriptor, error) {
	if data == "" {
		return nil, nil
	}
	var result []storage.ScopeDescriptor
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}
