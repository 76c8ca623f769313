// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the ID/access-token signing keys: generation,
// KEK-wrapped storage, rotation and JWKS publication. Keys are ES256 over
// P-256; the private half is PKCS#8-encoded and wrapped before it touches
// the database.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/errors"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/storage"
)

// SigningAlgorithm is the JWS algorithm for every key this manager mints.
const SigningAlgorithm = "ES256"

// ErrNoSigningKey is returned when no active signing key exists. Fatal at
// startup outside the install flow.
var ErrNoSigningKey = stderrors.New("keys: no active signing key")

// ActiveKey is the unwrapped signing key handlers mint tokens with.
type ActiveKey struct {
	Kid        string
	PrivateKey *ecdsa.PrivateKey
}

// Manager loads and caches the signing-key set. The active key and the
// public JWKS are read-mostly; rotation swaps them under the write lock.
type Manager struct {
	store storage.SigningKeyStore
	kek   *kek.Service

	mu     sync.RWMutex
	active *ActiveKey
	jwks   jose.JSONWebKeySet
}

// NewManager creates a Manager. Call Load before serving.
func NewManager(store storage.SigningKeyStore, kekSvc *kek.Service) *Manager {
	return &Manager{store: store, kek: kekSvc}
}

// Load reads the key set from storage, unwraps the active private key and
// rebuilds the cached JWKS. Returns ErrNoSigningKey when no active key
// exists yet.
func (m *Manager) Load(ctx context.Context) error {
	all, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing signing keys: %w", err)
	}

	var (
		active *ActiveKey
		jwks   jose.JSONWebKeySet
	)
	for _, row := range all {
		if row.RetiredAt != nil {
			continue
		}
		var pub jose.JSONWebKey
		if err := json.Unmarshal([]byte(row.PublicJWK), &pub); err != nil {
			return fmt.Errorf("parsing public JWK for kid %s: %w", row.Kid, err)
		}
		jwks.Keys = append(jwks.Keys, pub)

		if row.Active && active == nil {
			priv, err := m.unwrapPrivateKey(row)
			if err != nil {
				return err
			}
			active = &ActiveKey{Kid: row.Kid, PrivateKey: priv}
		}
	}
	if active == nil {
		return ErrNoSigningKey
	}

	m.mu.Lock()
	m.active = active
	m.jwks = jwks
	m.mu.Unlock()
	return nil
}

// EnsureKey generates and activates a first signing key when none exists,
// then loads the set. Used by the install flow.
func (m *Manager) EnsureKey(ctx context.Context) error {
	err := m.Load(ctx)
	if !stderrors.Is(err, ErrNoSigningKey) {
		return err
	}
	if _, err := m.generate(ctx); err != nil {
		return err
	}
	return m.Load(ctx)
}

// Rotate inserts a new active key, deactivates the previous one and reloads
// the cached set. Returns the new kid. Previously issued tokens keep
// verifying: the old key stays in the JWKS until retired.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	kid, err := m.generate(ctx)
	if err != nil {
		return "", err
	}
	if err := m.Load(ctx); err != nil {
		return "", err
	}
	logger.Infow("Signing key rotated", "kid", kid)
	return kid, nil
}

// Retire removes a key from the verification set. Retiring the active key is
// rejected; rotate first.
func (m *Manager) Retire(ctx context.Context, kid string) error {
	m.mu.RLock()
	activeKid := ""
	if m.active != nil {
		activeKid = m.active.Kid
	}
	m.mu.RUnlock()
	if kid == activeKid {
		return errors.NewValidationError("cannot retire the active signing key", nil)
	}
	if err := m.store.RetireSigningKey(ctx, kid); err != nil {
		return fmt.Errorf("retiring signing key %s: %w", kid, err)
	}
	return m.Load(ctx)
}

// Active returns the current signing key.
func (m *Manager) Active() (*ActiveKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return nil, ErrNoSigningKey
	}
	return m.active, nil
}

// JWKS returns the public keys of every non-retired signing key. The result
// never contains private material.
func (m *Manager) JWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, len(m.jwks.Keys))}
	copy(out.Keys, m.jwks.Keys)
	return out
}

// generate creates a P-256 key pair, wraps the private half under the KEK
// and inserts it as the new active key.
func (m *Manager) generate(ctx context.Context) (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", errors.NewCryptoError("key generation failed", err)
	}

	kid, err := crypto.JWKThumbprint(&priv.PublicKey)
	if err != nil {
		return "", err
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", errors.NewCryptoError("key encoding failed", err)
	}
	wrapped, err := m.kek.Wrap(der)
	if err != nil {
		return "", err
	}

	pub := jose.JSONWebKey{
		Key:       &priv.PublicKey,
		KeyID:     kid,
		Algorithm: SigningAlgorithm,
		Use:       "sig",
	}
	pubJSON, err := pub.MarshalJSON()
	if err != nil {
		return "", errors.NewCryptoError("key encoding failed", err)
	}

	if err := m.store.InsertSigningKey(ctx, storage.SigningKey{
		Kid:           kid,
		Algorithm:     SigningAlgorithm,
		PrivateKeyEnc: wrapped,
		PublicJWK:     string(pubJSON),
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("inserting signing key: %w", err)
	}
	return kid, nil
}

func (m *Manager) unwrapPrivateKey(row storage.SigningKey) (*ecdsa.PrivateKey, error) {
	der, err := m.kek.Unwrap(row.PrivateKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("unwrapping signing key %s: %w", row.Kid, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.NewCryptoError("key decoding failed", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.NewCryptoError("key decoding failed", fmt.Errorf("unexpected key type %T", parsed))
	}
	return priv, nil
}
