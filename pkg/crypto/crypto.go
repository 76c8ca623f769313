// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package crypto collects the low-level primitives shared by the KEK store,
// the OPAQUE engine and the OIDC core: HKDF-SHA256, AES-256-GCM, SHA-256,
// unpadded base64url, constant-time comparison and CSPRNG helpers.
//
// Failures never carry library detail outward; callers receive opaque
// validation or crypto errors and the cause stays in server logs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/darkauth/darkauth/pkg/errors"
)

// GCMNonceSize is the IV length used for all AES-GCM operations.
const GCMNonceSize = 12

// RandomBytes returns n bytes from the platform CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, errors.NewCryptoError("random source unavailable", err)
	}
	return buf, nil
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Base64URLEncode encodes data as unpadded base64url.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes an unpadded base64url string. Padding and
// characters outside the base64url alphabet are rejected.
func Base64URLDecode(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.NewValidationError("invalid base64url value", err)
	}
	return data, nil
}

// ConstantTimeEqual compares two byte slices in constant time. Slices of
// different lengths compare unequal without leaking where they differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HKDFExtract runs the HKDF-SHA256 extract step, producing a pseudorandom
// key from the input keying material and salt.
func HKDFExtract(secret, salt []byte) []byte {
	return hkdf.Extract(sha256.New, secret, salt)
}

// HKDFExpand runs the HKDF-SHA256 expand step over a pseudorandom key.
func HKDFExpand(prk, info []byte, length int) ([]byte, error) {
	reader := hkdf.Expand(sha256.New, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, errors.NewCryptoError("key expansion failed", err)
	}
	return out, nil
}

// DeriveKey derives length bytes from secret bound to the given context
// using the combined HKDF-SHA256 extract-and-expand.
func DeriveKey(secret, salt, context []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, context)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, errors.NewCryptoError("key derivation failed", err)
	}
	return out, nil
}

// EncryptAESGCM seals plaintext under a 32-byte key with AES-256-GCM and a
// fresh 12-byte IV. The result is IV || ciphertext || tag.
func EncryptAESGCM(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv, err := RandomBytes(GCMNonceSize)
	if err != nil {
		return nil, err
	}

	// Seal appends ciphertext+tag after the IV prefix.
	return aead.Seal(iv, iv, plaintext, additionalData), nil
}

// DecryptAESGCM opens a value produced by EncryptAESGCM. Any tampering, a
// wrong key or a truncated value all fail with the same opaque error.
func DecryptAESGCM(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < GCMNonceSize+aead.Overhead() {
		return nil, errors.NewCryptoError("decrypt failed", fmt.Errorf("ciphertext too short: %d bytes", len(sealed)))
	}

	iv, ciphertext := sealed[:GCMNonceSize], sealed[GCMNonceSize:]
	plaintext, err := aead.Open(nil, iv, ciphertext, additionalData)
	if err != nil {
		return nil, errors.NewCryptoError("decrypt failed", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.NewCryptoError("bad key length", fmt.Errorf("want 32 bytes, got %d", len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.NewCryptoError("cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewCryptoError("cipher init failed", err)
	}
	return aead, nil
}
