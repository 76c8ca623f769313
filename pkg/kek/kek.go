// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package kek derives the key-encryption key from the operator passphrase
// and wraps secrets under it: signing keys, client secrets, TOTP secrets and
// the OPAQUE server setup. The KEK exists only in process memory.
package kek

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/storage"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the derived KEK length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// ErrUninitialized is returned by Derive when no kek_kdf settings row exists
// yet. The caller enters the install flow in that case.
var ErrUninitialized = stderrors.New("kek: kdf parameters not initialized")

// KDFParams are the persisted Argon2id parameters. They are written once at
// install time so every later launch reproduces the same KEK from the same
// passphrase.
type KDFParams struct {
	Algorithm string `json:"alg"`
	Salt      string `json:"salt"` // base64url, no padding
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memoryKiB"`
	Threads   uint8  `json:"threads"`
	KeyLen    uint32 `json:"keyLen"`
}

// Service holds the derived KEK and performs wrap/unwrap operations.
type Service struct {
	key []byte
}

// Initialize generates fresh KDF parameters, persists them in the kek_kdf
// settings row and derives the KEK. Called exactly once, from the install
// flow. Fails with a conflict if parameters already exist.
func Initialize(ctx context.Context, settings storage.SettingsStore, passphrase string) (*Service, error) {
	if passphrase == "" {
		return nil, errors.NewValidationError("KEK passphrase is required", nil)
	}

	if _, err := settings.GetSetting(ctx, storage.SettingKEKKDF); err == nil {
		return nil, errors.NewConflictError("KEK parameters already initialized", nil)
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading kek_kdf setting: %w", err)
	}

	salt, err := crypto.RandomBytes(argon2SaltLen)
	if err != nil {
		return nil, err
	}

	params := KDFParams{
		Algorithm: "argon2id",
		Salt:      crypto.Base64URLEncode(salt),
		Time:      argon2Time,
		MemoryKiB: argon2Memory,
		Threads:   argon2Threads,
		KeyLen:    argon2KeyLen,
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding kek_kdf parameters: %w", err)
	}
	if err := settings.SetSetting(ctx, storage.Setting{
		Key:    storage.SettingKEKKDF,
		Value:  string(encoded),
		Secure: true,
	}); err != nil {
		return nil, fmt.Errorf("persisting kek_kdf parameters: %w", err)
	}

	return &Service{key: deriveKey(passphrase, salt, params)}, nil
}

// Derive loads the persisted KDF parameters and derives the KEK from the
// passphrase. Returns ErrUninitialized when the kek_kdf row is absent.
func Derive(ctx context.Context, settings storage.SettingsStore, passphrase string) (*Service, error) {
	if passphrase == "" {
		return nil, errors.NewValidationError("KEK passphrase is required", nil)
	}

	row, err := settings.GetSetting(ctx, storage.SettingKEKKDF)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, ErrUninitialized
	}
	if err != nil {
		return nil, fmt.Errorf("loading kek_kdf setting: %w", err)
	}

	var params KDFParams
	if err := json.Unmarshal([]byte(row.Value), &params); err != nil {
		return nil, fmt.Errorf("parsing kek_kdf parameters: %w", err)
	}
	if params.Algorithm != "argon2id" {
		return nil, fmt.Errorf("unsupported KDF algorithm %q", params.Algorithm)
	}
	salt, err := crypto.Base64URLDecode(params.Salt)
	if err != nil {
		return nil, fmt.Errorf("parsing kek_kdf salt: %w", err)
	}

	return &Service{key: deriveKey(passphrase, salt, params)}, nil
}

func deriveKey(passphrase string, salt []byte, params KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Threads, params.KeyLen)
}

// IsAvailable reports whether a KEK has been derived.
func (s *Service) IsAvailable() bool {
	return s != nil && len(s.key) == argon2KeyLen
}

// Wrap seals plaintext under the KEK with AES-256-GCM. The result is
// IV || ciphertext || tag.
func (s *Service) Wrap(plaintext []byte) ([]byte, error) {
	if !s.IsAvailable() {
		return nil, errors.NewCryptoError("key service unavailable", nil)
	}
	return crypto.EncryptAESGCM(s.key, plaintext, nil)
}

// Unwrap opens a value produced by Wrap. Any failure, including a wrong
// passphrase at derivation time, surfaces as the same opaque decrypt error.
func (s *Service) Unwrap(sealed []byte) ([]byte, error) {
	if !s.IsAvailable() {
		return nil, errors.NewCryptoError("key service unavailable", nil)
	}
	return crypto.DecryptAESGCM(s.key, sealed, nil)
}
