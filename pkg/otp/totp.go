// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package otp implements RFC 6238 TOTP step-up authentication: enrolment,
// verification with a monotonic replay guard, hashed single-use backup codes
// and the group/role policy that decides who must step up.
package otp

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // SHA-1 is the RFC 6238 default HMAC, not a collision target
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash"
	"net/url"
	"strings"
	"time"
)

// RFC 6238 parameters.
const (
	// Digits is the number of code digits.
	Digits = 6
	// Period is the time-step length.
	Period = 30 * time.Second
	// SkewSteps is the accepted clock skew in steps on either side.
	SkewSteps = 1
	// SecretSize is the generated secret length in bytes.
	SecretSize = 20
)

// Algorithm names accepted in provisioning URIs. SHA1 is the RFC 6238
// default and what authenticator apps expect.
const (
	AlgorithmSHA1   = "SHA1"
	AlgorithmSHA256 = "SHA256"
	AlgorithmSHA512 = "SHA512"
)

// b32 is the RFC 3548 alphabet without padding, matching authenticator apps.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func hashFunc(algorithm string) func() hash.Hash {
	switch algorithm {
	case AlgorithmSHA256:
		return sha256.New
	case AlgorithmSHA512:
		return sha512.New
	default:
		return sha1.New
	}
}

// StepAt returns the TOTP step counter for the given instant.
func StepAt(t time.Time) int64 {
	return t.Unix() / int64(Period/time.Second)
}

// CodeAt computes the TOTP code for a secret at a given step.
func CodeAt(secret []byte, step int64, algorithm string) string {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(step))

	mac := hmac.New(hashFunc(algorithm), secret)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 section 5.3.
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < Digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", Digits, value%mod)
}

// matchingStep returns the step whose code equals the candidate within the
// skew window around now, or false when none matches. All windows are
// checked even after a hit so timing does not reveal the matching step.
func matchingStep(secret []byte, algorithm, code string, now time.Time) (int64, bool) {
	center := StepAt(now)
	matched := int64(0)
	found := false
	for offset := int64(-SkewSteps); offset <= SkewSteps; offset++ {
		step := center + offset
		if step < 0 {
			continue
		}
		if hmac.Equal([]byte(CodeAt(secret, step, algorithm)), []byte(code)) && !found {
			matched, found = step, true
		}
	}
	return matched, found
}

// EncodeSecret renders a raw secret in the base32 form shown to users.
func EncodeSecret(secret []byte) string {
	return b32.EncodeToString(secret)
}

// DecodeSecret parses a base32 secret, tolerating lowercase and spaces.
func DecodeSecret(encoded string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(encoded, " ", ""))
	secret, err := b32.DecodeString(strings.TrimRight(normalized, "="))
	if err != nil {
		return nil, fmt.Errorf("malformed base32 secret")
	}
	return secret, nil
}

// ProvisioningURI builds the otpauth:// URI encoded into enrolment QR codes.
func ProvisioningURI(issuer, account, secretBase32, algorithm string) string {
	label := url.PathEscape(issuer + ":" + account)
	query := url.Values{}
	query.Set("secret", secretBase32)
	query.Set("issuer", issuer)
	query.Set("algorithm", algorithm)
	query.Set("digits", fmt.Sprintf("%d", Digits))
	query.Set("period", fmt.Sprintf("%d", int64(Period/time.Second)))
	return "otpauth://totp/" + label + "?" + query.Encode()
}
