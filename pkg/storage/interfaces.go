// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the narrow repository contract the authentication
// core runs against, together with the record types it persists. The SQL
// implementation lives in storage/sqlcore; the short-TTL login-session store
// lives in storage/transient.
package storage

import (
	"context"
	"time"
)

// UserStore manages end-user identities.
type UserStore interface {
	// GetUserBySub retrieves a user by subject.
	GetUserBySub(ctx context.Context, sub string) (User, error)
	// GetUserByEmail retrieves a user by email (matched case-insensitively).
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// CreateUser stores a new user. Returns ErrAlreadyExists on a sub or
	// email collision.
	CreateUser(ctx context.Context, user User) error
	// UpdateUser modifies name, email and wrapped-DRK of an existing user.
	UpdateUser(ctx context.Context, user User) error
	// DeleteUser removes a user and everything hanging off it.
	DeleteUser(ctx context.Context, sub string) error
}

// OpaqueRecordStore manages the durable OPAQUE registration records.
type OpaqueRecordStore interface {
	// GetOpaqueRecord retrieves a user's OPAQUE record.
	GetOpaqueRecord(ctx context.Context, sub string) (OpaqueRecord, error)
	// UpsertOpaqueRecord stores or replaces a user's OPAQUE record.
	UpsertOpaqueRecord(ctx context.Context, record OpaqueRecord) error
	// DeleteOpaqueRecord removes a user's OPAQUE record.
	DeleteOpaqueRecord(ctx context.Context, sub string) error
	// RegisterIdentity creates the user and its OPAQUE record in one
	// transaction. Returns ErrAlreadyExists when the identity is taken.
	RegisterIdentity(ctx context.Context, user User, record OpaqueRecord) error
}

// ClientStore manages registered OIDC clients.
type ClientStore interface {
	// GetClient retrieves a client by id.
	GetClient(ctx context.Context, clientID string) (Client, error)
	// ListClients returns all clients ordered by id.
	ListClients(ctx context.Context) ([]Client, error)
	// UpsertClient stores or replaces a client.
	UpsertClient(ctx context.Context, client Client) error
	// DeleteClient removes a client.
	DeleteClient(ctx context.Context, clientID string) error
}

// SigningKeyStore manages the signing-key set.
type SigningKeyStore interface {
	// ListActiveSigningKeys returns keys with the active flag set.
	ListActiveSigningKeys(ctx context.Context) ([]SigningKey, error)
	// ListSigningKeys returns every key, newest first, including retired ones.
	ListSigningKeys(ctx context.Context) ([]SigningKey, error)
	// InsertSigningKey stores a new key. When key.Active is set, any
	// previously active key is deactivated in the same transaction so at
	// most one key is active at a time.
	InsertSigningKey(ctx context.Context, key SigningKey) error
	// RetireSigningKey marks a key retired; retired keys leave the JWKS.
	RetireSigningKey(ctx context.Context, kid string) error
}

// PendingAuthStore manages the staging records between /authorize and code
// issuance.
type PendingAuthStore interface {
	// CreatePendingAuth stores a new pending authorization.
	CreatePendingAuth(ctx context.Context, pa PendingAuth) error
	// GetPendingAuth retrieves an unexpired pending authorization.
	GetPendingAuth(ctx context.Context, requestID string) (PendingAuth, error)
	// BindPendingAuthSubject sets the subject once it is known.
	BindPendingAuthSubject(ctx context.Context, requestID, sub string) error
	// ConsumePendingAuth atomically deletes and returns an unexpired
	// pending authorization; at most one caller wins.
	ConsumePendingAuth(ctx context.Context, requestID string) (PendingAuth, error)
	// SweepExpiredPendingAuth deletes expired records, returning the count.
	SweepExpiredPendingAuth(ctx context.Context, now time.Time) (int64, error)
}

// CodeStore manages one-time authorization codes, stored hashed.
type CodeStore interface {
	// CreateCode stores a new authorization code record.
	CreateCode(ctx context.Context, code AuthCode) error
	// ConsumeCode atomically deletes and returns the unexpired code with
	// the given hash. Two concurrent redemptions see exactly one success.
	ConsumeCode(ctx context.Context, codeHash string) (AuthCode, error)
	// SweepExpiredCodes deletes expired codes, returning the count.
	SweepExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore manages server-side sessions for both cohorts.
type SessionStore interface {
	// CreateSession stores a new session.
	CreateSession(ctx context.Context, s Session) error
	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (Session, error)
	// TouchSession updates last-seen; last-writer-wins.
	TouchSession(ctx context.Context, id string, seenAt time.Time) error
	// SetSessionOTPVerified marks the session OTP-elevated.
	SetSessionOTPVerified(ctx context.Context, id string, verifiedAt time.Time) error
	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, id string) error
	// SweepExpiredSessions removes sessions past their absolute expiry.
	SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// OTPStore manages TOTP enrolments and hashed backup codes.
type OTPStore interface {
	// GetOTPRecord retrieves an identity's OTP record.
	GetOTPRecord(ctx context.Context, cohort Cohort, sub string) (OTPRecord, error)
	// UpsertOTPRecord stores or replaces an identity's OTP record.
	UpsertOTPRecord(ctx context.Context, record OTPRecord) error
	// DeleteOTPRecord removes the OTP record and its backup codes.
	DeleteOTPRecord(ctx context.Context, cohort Cohort, sub string) error
	// AdvanceOTPStep persists a newly accepted step iff it is greater than
	// the stored one, returning false when another attempt got there first.
	AdvanceOTPStep(ctx context.Context, cohort Cohort, sub string, step int64) (bool, error)
	// ReplaceBackupCodes replaces all backup codes for an identity.
	ReplaceBackupCodes(ctx context.Context, cohort Cohort, sub string, codeHashes []string) error
	// ConsumeBackupCode deletes a backup code by hash, returning false when
	// no such code exists (already used or never issued).
	ConsumeBackupCode(ctx context.Context, cohort Cohort, sub string, codeHash string) (bool, error)
}

// PolicyStore manages groups, roles and their user assignments.
type PolicyStore interface {
	// UpsertGroup stores or replaces a group.
	UpsertGroup(ctx context.Context, group Group) error
	// UpsertRole stores or replaces a role.
	UpsertRole(ctx context.Context, role Role) error
	// AssignUserToGroup adds a user-group edge; idempotent.
	AssignUserToGroup(ctx context.Context, sub, groupKey string) error
	// AssignRoleToUser adds a user-role edge; idempotent.
	AssignRoleToUser(ctx context.Context, sub, roleKey string) error
	// SetRolePermissions replaces a role's permission set.
	SetRolePermissions(ctx context.Context, roleKey string, permissions []string) error
	// ListGroupsForUser returns the groups a user belongs to.
	ListGroupsForUser(ctx context.Context, sub string) ([]Group, error)
	// ListRolesForUser returns the user's directly assigned roles.
	ListRolesForUser(ctx context.Context, sub string) ([]Role, error)
	// ListPermissionsForUser returns the union of permissions over the
	// user's roles, sorted.
	ListPermissionsForUser(ctx context.Context, sub string) ([]string, error)
}

// SettingsStore manages the typed key/value settings rows.
type SettingsStore interface {
	// GetSetting retrieves one setting.
	GetSetting(ctx context.Context, key string) (Setting, error)
	// SetSetting stores or replaces one setting.
	SetSetting(ctx context.Context, setting Setting) error
	// ListSettings returns all settings. When includeSecure is false,
	// secure rows are omitted.
	ListSettings(ctx context.Context, includeSecure bool) ([]Setting, error)
}

// AuditStore appends audit entries. Entries are never mutated.
type AuditStore interface {
	// WriteAudit appends one audit entry.
	WriteAudit(ctx context.Context, entry AuditEntry) error
}

// Store is the full persistence contract of the authentication core.
type Store interface {
	UserStore
	OpaqueRecordStore
	ClientStore
	SigningKeyStore
	PendingAuthStore
	CodeStore
	SessionStore
	OTPStore
	PolicyStore
	SettingsStore
	AuditStore

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error
}

// TransientLoginStore holds serialized OPAQUE protocol state between start
// and finish. Entries are single-use and expire on their own; Take removes
// the entry so a second finish cannot observe it.
type TransientLoginStore interface {
	// CreateLoginState stores state under sessionID with the given TTL.
	CreateLoginState(ctx context.Context, sessionID string, state []byte, ttl time.Duration) error
	// TakeLoginState atomically removes and returns the state for
	// sessionID. Returns ErrNotFound for unknown, expired or already
	// taken sessions.
	TakeLoginState(ctx context.Context, sessionID string) ([]byte, error)
	// Close stops background expiry work.
	Close() error
}
