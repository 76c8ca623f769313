// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	stdcrypto "crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/go-jose/go-jose/v4"

	"github.com/darkauth/darkauth/pkg/errors"
)

// p256CoordinateSize is the byte length of a P-256 affine coordinate.
const p256CoordinateSize = 32

// ECDHPublicKey is a validated P-256 public key presented by a client for
// zero-knowledge fragment delivery, together with its RFC 7638 thumbprint.
type ECDHPublicKey struct {
	Key *ecdsa.PublicKey

	// Kid is base64url(SHA-256(canonical JWK)) and identifies the key in
	// pending-authorization records.
	Kid string
}

// zkJWK is the wire shape accepted for zk_pub. Extra members such as kid or
// use are ignored; a private component is rejected before parsing.
type zkJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// ParseZKPublicKey validates a zk_pub JWK string. The key must be an EC
// P-256 public key: 32-byte base64url coordinates, a point on the curve, and
// no private component.
func ParseZKPublicKey(raw string) (*ECDHPublicKey, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, errors.NewValidationError("zk_pub is not a valid JWK object", err)
	}
	if _, hasPrivate := members["d"]; hasPrivate {
		return nil, errors.NewValidationError("zk_pub must not contain a private key component", nil)
	}

	var key zkJWK
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, errors.NewValidationError("zk_pub is not a valid JWK object", err)
	}
	if key.Kty != "EC" {
		return nil, errors.NewValidationError("zk_pub must have kty EC", nil)
	}
	if key.Crv != "P-256" {
		return nil, errors.NewValidationError("zk_pub must use curve P-256", nil)
	}

	x, err := Base64URLDecode(key.X)
	if err != nil {
		return nil, errors.NewValidationError("zk_pub x coordinate is not base64url", err)
	}
	y, err := Base64URLDecode(key.Y)
	if err != nil {
		return nil, errors.NewValidationError("zk_pub y coordinate is not base64url", err)
	}
	if len(x) != p256CoordinateSize || len(y) != p256CoordinateSize {
		return nil, errors.NewValidationError("zk_pub coordinates must be 32 bytes each", nil)
	}

	// crypto/ecdh rejects off-curve points and the point at infinity.
	uncompressed := make([]byte, 1+2*p256CoordinateSize)
	uncompressed[0] = 0x04
	copy(uncompressed[1:1+p256CoordinateSize], x)
	copy(uncompressed[1+p256CoordinateSize:], y)
	if _, err := ecdh.P256().NewPublicKey(uncompressed); err != nil {
		return nil, errors.NewValidationError("zk_pub is not a point on P-256", err)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}

	kid, err := JWKThumbprint(pub)
	if err != nil {
		return nil, err
	}

	return &ECDHPublicKey{Key: pub, Kid: kid}, nil
}

// JWKThumbprint computes the RFC 7638 JWK thumbprint of a public key:
// base64url(SHA-256(canonical JWK form)).
func JWKThumbprint(pub any) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(stdcrypto.SHA256)
	if err != nil {
		return "", errors.NewCryptoError("thumbprint failed", fmt.Errorf("compute JWK thumbprint: %w", err))
	}
	return Base64URLEncode(thumbprint), nil
}
