// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/storage"
)

// MintAccessToken signs a bearer token for an authenticated subject. It backs
// both the /token response and the token returned by OPAQUE login finish.
func (p *Provider) MintAccessToken(ctx context.Context, sub string, amr []string) (string, int64, error) {
	return p.mintAccessToken(ctx, sub, "", nil, amr)
}

func (p *Provider) mintAccessToken(ctx context.Context, sub, clientID string, scopes, amr []string) (string, int64, error) {
	ttl := p.accessTokenTTL(ctx)
	now := p.now().UTC()

	claims := jwt.MapClaims{
		"iss": p.issuer(ctx),
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"amr": amr,
	}
	if clientID != "" {
		claims["client_id"] = clientID
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}

	token, err := p.sign(claims)
	if err != nil {
		return "", 0, err
	}
	return token, int64(ttl.Seconds()), nil
}

// mintIDToken builds and signs the ID token. nonce appears only when the
// authorize request carried one; amr lists the factors of the session that
// approved the code.
func (p *Provider) mintIDToken(ctx context.Context, user *storage.User, clientID, nonce string, amr []string) (string, error) {
	ttl := p.idTokenTTL(ctx)
	now := p.now().UTC()

	claims := jwt.MapClaims{
		"iss": p.issuer(ctx),
		"sub": user.Sub,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"amr": amr,
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	if p.cfg.Policy != nil {
		permissions, err := p.cfg.Policy.ListPermissionsForUser(ctx, user.Sub)
		if err != nil {
			return "", errors.NewInternalError("failed to load permissions", err)
		}
		if len(permissions) > 0 {
			claims["permissions"] = permissions
		}
		groups, err := p.cfg.Policy.ListGroupsForUser(ctx, user.Sub)
		if err != nil {
			return "", errors.NewInternalError("failed to load groups", err)
		}
		if len(groups) > 0 {
			keys := make([]string, 0, len(groups))
			for _, g := range groups {
				keys = append(keys, g.Key)
			}
			claims["groups"] = keys
		}
	}

	return p.sign(claims)
}

func (p *Provider) sign(claims jwt.MapClaims) (string, error) {
	active, err := p.cfg.Keys.Active()
	if err != nil {
		return "", errors.NewInternalError("no signing key available", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = active.Kid
	signed, err := token.SignedString(active.PrivateKey)
	if err != nil {
		return "", errors.NewCryptoError("token signing failed", err)
	}
	return signed, nil
}

// sealDRK encrypts the user's wrapped-DRK blob to the ephemeral public key
// presented at authorize time. The server never sees the DRK itself; the blob
// stays opaque and only the holder of the matching private key can open the
// JWE. An empty string is returned when the user has no blob yet.
func (p *Provider) sealDRK(user *storage.User, zkPubJWK string) (string, error) {
	if len(user.WrappedDRK) == 0 {
		return "", nil
	}
	pub, err := crypto.ParseZKPublicKey(zkPubJWK)
	if err != nil {
		return "", err
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.ECDH_ES_A256KW, Key: pub.Key},
		nil,
	)
	if err != nil {
		return "", errors.NewCryptoError("drk encryption failed", err)
	}
	obj, err := encrypter.Encrypt(user.WrappedDRK)
	if err != nil {
		return "", errors.NewCryptoError("drk encryption failed", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", errors.NewCryptoError("drk encryption failed", err)
	}
	return compact, nil
}
