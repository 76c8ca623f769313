// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package audit provides authentication-domain audit event types and the
// append-only recorder that persists them.
package audit

const (
	// EventTypeRegisterStart represents the start of an OPAQUE registration
	EventTypeRegisterStart = "opaque_register_start"
	// EventTypeRegisterFinish represents a completed OPAQUE registration
	EventTypeRegisterFinish = "opaque_register_finish"
	// EventTypeLoginStart represents the start of an OPAQUE login
	EventTypeLoginStart = "opaque_login_start"
	// EventTypeLoginFinish represents a completed OPAQUE login attempt
	EventTypeLoginFinish = "opaque_login_finish"
	// EventTypePasswordChange represents a completed password change
	EventTypePasswordChange = "password_change"
	// EventTypeLogout represents a session teardown
	EventTypeLogout = "logout"
	// EventTypeConsent represents an approved or denied consent
	EventTypeConsent = "consent"
	// EventTypeCodeIssued represents authorization-code issuance
	EventTypeCodeIssued = "code_issued"
	// EventTypeCodeRedeemed represents an authorization-code redemption attempt
	EventTypeCodeRedeemed = "code_redeemed"
	// EventTypeOTPSetup represents a TOTP enrolment
	EventTypeOTPSetup = "otp_setup"
	// EventTypeOTPVerify represents a TOTP verification attempt
	EventTypeOTPVerify = "otp_verify"
	// EventTypeOTPDisable represents clearing a TOTP enrolment
	EventTypeOTPDisable = "otp_disable"
	// EventTypeKeyRotated represents a signing-key rotation
	EventTypeKeyRotated = "signing_key_rotated"
	// EventTypeKeyRetired represents a signing-key retirement
	EventTypeKeyRetired = "signing_key_retired"
	// EventTypeInstallCompleted represents completion of the install flow
	EventTypeInstallCompleted = "install_completed"
)

// Outcomes recorded with an event.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Resource types referenced by audit entries.
const (
	ResourceUser       = "user"
	ResourceAdmin      = "admin"
	ResourceClient     = "client"
	ResourceSession    = "session"
	ResourceSigningKey = "signing_key"
	ResourceSystem     = "system"
)
