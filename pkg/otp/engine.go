// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package otp

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/storage"
)

const (
	backupCodeCount = 10
	backupCodeBytes = 5
	backupCodeChars = 8 // base32 length of backupCodeBytes
)

// Engine manages TOTP enrolments. Secrets are stored KEK-wrapped; backup
// codes are stored hashed and burn on use.
type Engine struct {
	store     storage.OTPStore
	kek       *kek.Service
	algorithm string
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAlgorithm overrides the HMAC algorithm (default SHA1 per RFC 6238).
func WithAlgorithm(algorithm string) Option {
	return func(e *Engine) { e.algorithm = algorithm }
}

// NewEngine creates an Engine.
func NewEngine(store storage.OTPStore, kekSvc *kek.Service, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		kek:       kekSvc,
		algorithm: AlgorithmSHA1,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrolment is the material returned by SetupInit, shown to the user once.
type Enrolment struct {
	SecretBase32    string
	ProvisioningURI string
}

// SetupInit generates a fresh secret for the identity and stores it
// unverified, replacing any prior unverified secret. A verified enrolment
// must be disabled before a new one can start.
func (e *Engine) SetupInit(ctx context.Context, cohort storage.Cohort, sub, issuer, account string) (*Enrolment, error) {
	existing, err := e.store.GetOTPRecord(ctx, cohort, sub)
	if err == nil && existing.Verified {
		return nil, errors.NewConflictError("OTP is already configured", nil)
	}
	if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.NewInternalError("failed to load OTP record", err)
	}

	secret, err := crypto.RandomBytes(SecretSize)
	if err != nil {
		return nil, err
	}
	sealed, err := e.kek.Wrap(secret)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	if err := e.store.UpsertOTPRecord(ctx, storage.OTPRecord{
		Cohort:       cohort,
		Sub:          sub,
		SecretEnc:    sealed,
		Verified:     false,
		LastUsedStep: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, errors.NewInternalError("failed to store OTP record", err)
	}

	secretBase32 := EncodeSecret(secret)
	return &Enrolment{
		SecretBase32:    secretBase32,
		ProvisioningURI: ProvisioningURI(issuer, account, secretBase32, e.algorithm),
	}, nil
}

// SetupVerify validates the first code against the pending secret. On
// success the enrolment is marked verified and a fresh set of single-use
// backup codes is issued; their plaintext is returned exactly once.
func (e *Engine) SetupVerify(ctx context.Context, cohort storage.Cohort, sub, code string) ([]string, error) {
	record, err := e.store.GetOTPRecord(ctx, cohort, sub)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.NewNotFoundError("no pending OTP enrolment", nil)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load OTP record", err)
	}
	if record.Verified {
		return nil, errors.NewConflictError("OTP is already configured", nil)
	}

	secret, err := e.kek.Unwrap(record.SecretEnc)
	if err != nil {
		return nil, err
	}
	step, ok := matchingStep(secret, e.algorithm, code, e.now())
	if !ok {
		return nil, errors.NewUnauthorizedError("invalid code", nil)
	}

	record.Verified = true
	record.LastUsedStep = step
	record.UpdatedAt = e.now().UTC()
	if err := e.store.UpsertOTPRecord(ctx, record); err != nil {
		return nil, errors.NewInternalError("failed to store OTP record", err)
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBackupCodes(ctx, cohort, sub, hashes); err != nil {
		return nil, errors.NewInternalError("failed to store backup codes", err)
	}
	return codes, nil
}

// Verify checks a TOTP or backup code for a verified enrolment. A TOTP code
// succeeds at most once per step: the stored last-used step only advances.
// Backup codes are deleted on first use.
func (e *Engine) Verify(ctx context.Context, cohort storage.Cohort, sub, code string) error {
	record, err := e.store.GetOTPRecord(ctx, cohort, sub)
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewUnauthorizedError("invalid code", nil)
	}
	if err != nil {
		return errors.NewInternalError("failed to load OTP record", err)
	}
	if !record.Verified {
		return errors.NewUnauthorizedError("invalid code", nil)
	}

	if len(code) != Digits || !allDigits(code) {
		return e.verifyBackupCode(ctx, cohort, sub, code)
	}

	secret, err := e.kek.Unwrap(record.SecretEnc)
	if err != nil {
		return err
	}
	step, ok := matchingStep(secret, e.algorithm, code, e.now())
	if !ok {
		return errors.NewUnauthorizedError("invalid code", nil)
	}
	if step <= record.LastUsedStep {
		return errors.NewUnauthorizedError("invalid code", nil)
	}

	advanced, err := e.store.AdvanceOTPStep(ctx, cohort, sub, step)
	if err != nil {
		return errors.NewInternalError("failed to store OTP record", err)
	}
	if !advanced {
		// A concurrent attempt used this step first.
		return errors.NewUnauthorizedError("invalid code", nil)
	}
	return nil
}

// Disable clears the identity's OTP enrolment and backup codes.
func (e *Engine) Disable(ctx context.Context, cohort storage.Cohort, sub string) error {
	if err := e.store.DeleteOTPRecord(ctx, cohort, sub); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewInternalError("failed to delete OTP record", err)
	}
	return nil
}

// Enrolled reports the identity's OTP state: whether a record exists and
// whether it is verified.
func (e *Engine) Enrolled(ctx context.Context, cohort storage.Cohort, sub string) (exists, verified bool, err error) {
	record, err := e.store.GetOTPRecord(ctx, cohort, sub)
	if stderrors.Is(err, storage.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.NewInternalError("failed to load OTP record", err)
	}
	return true, record.Verified, nil
}

func (e *Engine) verifyBackupCode(ctx context.Context, cohort storage.Cohort, sub, code string) error {
	normalized := normalizeBackupCode(code)
	if normalized == "" {
		return errors.NewUnauthorizedError("invalid code", nil)
	}
	consumed, err := e.store.ConsumeBackupCode(ctx, cohort, sub, hashBackupCode(normalized))
	if err != nil {
		return errors.NewInternalError("failed to check backup code", err)
	}
	if !consumed {
		return errors.NewUnauthorizedError("invalid code", nil)
	}
	return nil
}

func generateBackupCodes() (codes []string, hashes []string, err error) {
	for i := 0; i < backupCodeCount; i++ {
		raw, err := crypto.RandomBytes(backupCodeBytes)
		if err != nil {
			return nil, nil, err
		}
		code := EncodeSecret(raw)
		codes = append(codes, code[:4]+"-"+code[4:])
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func normalizeBackupCode(code string) string {
	var b []byte
	for _, r := range code {
		switch {
		case r == '-' || r == ' ':
			continue
		case r >= 'a' && r <= 'z':
			b = append(b, byte(r-'a'+'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7'):
			b = append(b, byte(r))
		default:
			return ""
		}
	}
	if len(b) != backupCodeChars {
		return ""
	}
	return string(b)
}

func hashBackupCode(normalized string) string {
	return crypto.Base64URLEncode(crypto.SHA256([]byte(normalized)))
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
