// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package sqlcore

import (
	"context"
	"fmt"

	"github.com/darkauth/darkauth/pkg/storage"
)

// UpsertGroup stores or replaces a group.
func (s *Store) UpsertGroup(ctx context.Context, group storage.Group) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO "groups" (key, name, enable_login, require_otp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			name = excluded.name,
			enable_login = excluded.enable_login,
			require_otp = excluded.require_otp`),
		group.Key, group.Name, group.EnableLogin, group.RequireOTP,
	)
	if err != nil {
		return fmt.Errorf("upserting group: %w", err)
	}
	return nil
}

// UpsertRole stores or replaces a role.
func (s *Store) UpsertRole(ctx context.Context, role storage.Role) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO roles (key, name, require_otp)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			name = excluded.name,
			require_otp = excluded.require_otp`),
		role.Key, role.Name, role.RequireOTP,
	)
	if err != nil {
		return fmt.Errorf("upserting role: %w", err)
	}
	return nil
}

// AssignUserToGroup adds a user-group edge; repeating an assignment is a
// no-op.
func (s *Store) AssignUserToGroup(ctx context.Context, sub, groupKey string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO user_groups (user_sub, group_key) VALUES (?, ?)
		ON CONFLICT (user_sub, group_key) DO NOTHING`),
		sub, groupKey,
	)
	if err != nil {
		return fmt.Errorf("assigning user to group: %w", err)
	}
	return nil
}

// AssignRoleToUser adds a user-role edge; repeating an assignment is a
// no-op.
func (s *Store) AssignRoleToUser(ctx context.Context, sub, roleKey string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO user_roles (user_sub, role_key) VALUES (?, ?)
		ON CONFLICT (user_sub, role_key) DO NOTHING`),
		sub, roleKey,
	)
	if err != nil {
		return fmt.Errorf("assigning role to user: %w", err)
	}
	return nil
}

// SetRolePermissions replaces a role's permission set.
func (s *Store) SetRolePermissions(ctx context.Context, roleKey string, permissions []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM role_permissions WHERE role_key = ?`), roleKey,
	); err != nil {
		return fmt.Errorf("deleting old permissions: %w", err)
	}

	for _, perm := range permissions {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO role_permissions (role_key, permission) VALUES (?, ?)`),
			roleKey, perm,
		); err != nil {
			return fmt.Errorf("inserting permission %q: %w", perm, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListGroupsForUser returns the groups a user belongs to.
func (s *Store) ListGroupsForUser(ctx context.Context, sub string) ([]storage.Group, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT g.key, g.name, g.enable_login, g.require_otp
		FROM "groups" g
		JOIN user_groups ug ON ug.group_key = g.key
		WHERE ug.user_sub = ?
		ORDER BY g.key`),
		sub,
	)
	if err != nil {
		return nil, fmt.Errorf("querying user groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []storage.Group
	for rows.Next() {
		var g storage.Group
		if err := rows.Scan(&g.Key, &g.Name, &g.EnableLogin, &g.RequireOTP); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group rows: %w", err)
	}
	return groups, nil
}

// ListRolesForUser returns the user's directly assigned roles.
func (s *Store) ListRolesForUser(ctx context.Context, sub string) ([]storage.Role, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT r.key, r.name, r.require_otp
		FROM roles r
		JOIN user_roles ur ON ur.role_key = r.key
		WHERE ur.user_sub = ?
		ORDER BY r.key`),
		sub,
	)
	if err != nil {
		return nil, fmt.Errorf("querying user roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []storage.Role
	for rows.Next() {
		var r storage.Role
		if err := rows.Scan(&r.Key, &r.Name, &r.RequireOTP); err != nil {
			return nil, fmt.Errorf("scanning role row: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating role rows: %w", err)
	}
	return roles, nil
}

// ListPermissionsForUser returns the union of permissions over the user's
// roles, sorted.
func (s *Store) ListPermissionsForUser(ctx context.Context, sub string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT DISTINCT rp.permission
		FROM role_permissions rp
		JOIN user_roles ur ON ur.role_key = rp.role_key
		WHERE ur.user_sub = ?
		ORDER BY rp.permission`),
		sub,
	)
	if err != nil {
		return nil, fmt.Errorf("querying user permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning permission row: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permission rows: %w", err)
	}
	return perms, nil
}
