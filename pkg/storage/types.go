// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"time"
)

// Cohort separates the two disjoint session and OTP identity spaces.
type Cohort string

// Session and OTP identity cohorts.
const (
	CohortUser  Cohort = "user"
	CohortAdmin Cohort = "admin"
)

// Client kinds.
const (
	ClientKindPublic       = "public"
	ClientKindConfidential = "confidential"
)

// ZK delivery modes for a client.
const (
	ZKDeliveryNone        = "none"
	ZKDeliveryFragmentJWE = "fragment-jwe"
)

// Token endpoint authentication methods.
const (
	TokenAuthNone              = "none"
	TokenAuthClientSecretBasic = "client_secret_basic"
)

// User is an end-user identity. The subject is server-generated and opaque;
// the email is unique case-insensitively (normalized to lower case before it
// reaches this layer).
type User struct {
	Sub        string
	Email      string
	Name       string
	WrappedDRK []byte // opaque client-held key material; nil when unset
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OpaqueRecord is the durable server half of a user's OPAQUE credentials.
// Record holds the serialized registration record; the envelope inside it is
// opaque to the server.
type OpaqueRecord struct {
	Sub          string
	Record       []byte
	CredentialID []byte
	UpdatedAt    time.Time
}

// ScopeDescriptor is one scope a client may request.
type ScopeDescriptor struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// Client is a registered OIDC client.
type Client struct {
	ClientID               string
	Name                   string
	Kind                   string // public | confidential
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	RequirePKCE            bool
	ZKDelivery             string // none | fragment-jwe
	ZKRequired             bool
	TokenEndpointAuth      string // none | client_secret_basic
	SecretEnc              []byte // KEK-wrapped secret, confidential clients only
	AllowedScopes          []ScopeDescriptor
	AllowedZKOrigins       []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// AllowsScope reports whether key is in the client's allowed scope set.
func (c *Client) AllowsScope(key string) bool {
	for _, s := range c.AllowedScopes {
		if s.Key == key {
			return true
		}
	}
	return false
}

// AllowedScopeKeys returns the ordered scope keys the client may request.
func (c *Client) AllowedScopeKeys() []string {
	keys := make([]string, 0, len(c.AllowedScopes))
	for _, s := range c.AllowedScopes {
		keys = append(keys, s.Key)
	}
	return keys
}

// SigningKey is one entry in the signing-key set. PrivateKeyEnc is the
// KEK-wrapped PKCS#8 private key; PublicJWK is its public half in JWK form.
type SigningKey struct {
	Kid           string
	Algorithm     string
	PrivateKeyEnc []byte
	PublicJWK     string
	Active        bool
	CreatedAt     time.Time
	RetiredAt     *time.Time
}

// PendingAuth is the staging record between /authorize and code issuance.
type PendingAuth struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	State               string
	Nonce               string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	ZKPubKid            string
	ZKPubJWK            string // original zk_pub, needed for DRK-JWE at /token
	UserSub             string // set once the subject is known
	Origin              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthCode is a one-time authorization code, stored hashed. The token
// endpoint redeems it atomically: delete-returning, at most once.
type AuthCode struct {
	CodeHash            string // base64url(SHA-256(code))
	ClientID            string
	UserSub             string
	RedirectURI         string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ZKPubKid            string
	ZKPubJWK            string
	OTPVerified         bool // session was OTP-elevated at consent time
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// Session is a server-side session record keyed by the session cookie value.
type Session struct {
	ID            string
	Cohort        Cohort
	Sub           string
	AdminRole     string // admin sessions only: read | write
	CSRFToken     string
	OTPVerified   bool
	OTPVerifiedAt *time.Time
	CreatedAt     time.Time
	LastSeenAt    time.Time
	ExpiresAt     time.Time // absolute cap, independent of activity
}

// OTPRecord holds a single identity's TOTP enrolment. SecretEnc is the
// KEK-wrapped base32 secret; LastUsedStep advances monotonically and is the
// replay guard.
type OTPRecord struct {
	Cohort       Cohort
	Sub          string
	SecretEnc    []byte
	Verified     bool
	LastUsedStep int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Group carries the login and step-up policy flags for its members.
type Group struct {
	Key         string
	Name        string
	EnableLogin bool
	RequireOTP  bool
}

// Role is a named capability bundle; RequireOTP forces step-up for holders.
type Role struct {
	Key        string
	Name       string
	RequireOTP bool
}

// Setting is one typed key/value row. Secure settings are server-only and
// never returned to read-only sessions.
type Setting struct {
	Key       string
	Value     string // JSON-encoded
	Secure    bool
	UpdatedAt time.Time
}

// Well-known settings keys used by the core.
const (
	SettingKEKKDF                  = "kek_kdf"
	SettingSystemInitialized       = "isSystemInitialized"
	SettingIssuer                  = "issuer"
	SettingPublicOrigin            = "public_origin"
	SettingAccessTokenTTLSeconds   = "access_token_ttl_seconds"
	SettingIDTokenTTLSeconds       = "id_token_ttl_seconds"
	SettingRequirePKCEDefault      = "require_pkce_default"
	SettingRateLimitWindowSeconds  = "rate_limit_window_seconds"
	SettingRateLimitMaxAttempts    = "rate_limit_max_attempts"
	SettingSelfRegistrationEnabled = "self_registration_enabled"
	SettingSessionIdleMinutes      = "session_idle_minutes"
	SettingSessionMaxHours         = "session_max_hours"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID           int64
	At           time.Time
	Actor        string
	Event        string
	ResourceType string
	ResourceID   string
	Outcome      string
	Details      map[string]any
}
