// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package otp

import (
	"context"

	"github.com/darkauth/darkauth/pkg/storage"
)

// Policy computes the effective step-up requirement from group and role
// membership. The graph is queried at use time; nothing is cached.
type Policy struct {
	store storage.PolicyStore
}

// NewPolicy creates a Policy over the given store.
func NewPolicy(store storage.PolicyStore) *Policy {
	return &Policy{store: store}
}

// RequireOTP reports whether any login-enabled group or any role of the user
// demands a second factor.
func (p *Policy) RequireOTP(ctx context.Context, sub string) (bool, error) {
	groups, err := p.store.ListGroupsForUser(ctx, sub)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.EnableLogin && g.RequireOTP {
			return true, nil
		}
	}

	roles, err := p.store.ListRolesForUser(ctx, sub)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.RequireOTP {
			return true, nil
		}
	}
	return false, nil
}
