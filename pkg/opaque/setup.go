// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

package opaque

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	lib "github.com/bytemare/opaque"

	"github.com/darkauth/darkauth/pkg/crypto"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/storage"
)

// setupSettingKey is the secure settings row holding the KEK-wrapped server
// setup. It is written once and reused on every launch; losing it
// invalidates every registered credential.
const setupSettingKey = "opaque_server_setup"

// ServerSetup is the long-term OPAQUE key material: the AKE key pair, the
// OPRF seed and a second seed used to derive credential identifiers for
// identities that do not exist.
type ServerSetup struct {
	Config    *lib.Configuration
	SecretKey []byte
	PublicKey []byte
	OPRFSeed  []byte
	FakeSeed  []byte
}

// setupWire is the JSON form sealed under the KEK.
type setupWire struct {
	Config    string `json:"config"`
	SecretKey string `json:"secretKey"`
	PublicKey string `json:"publicKey"`
	OPRFSeed  string `json:"oprfSeed"`
	FakeSeed  string `json:"fakeSeed"`
}

// LoadOrCreateSetup loads the wrapped server setup from settings, creating
// and persisting a fresh one on first launch. The ristretto255 default suite
// (OPRF over SHA-512) is fixed at creation time and recorded alongside the
// keys so registration and login always agree on it.
func LoadOrCreateSetup(ctx context.Context, settings storage.SettingsStore, kekSvc *kek.Service) (*ServerSetup, error) {
	row, err := settings.GetSetting(ctx, setupSettingKey)
	switch {
	case err == nil:
		return unsealSetup(kekSvc, []byte(row.Value))
	case stderrors.Is(err, storage.ErrNotFound):
		// First launch: generate below.
	default:
		return nil, fmt.Errorf("loading OPAQUE server setup: %w", err)
	}

	conf := lib.DefaultConfiguration()
	secretKey, publicKey := conf.KeyGen()
	fakeSeed, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	setup := &ServerSetup{
		Config:    conf,
		SecretKey: secretKey,
		PublicKey: publicKey,
		OPRFSeed:  conf.GenerateOPRFSeed(),
		FakeSeed:  fakeSeed,
	}

	sealed, err := sealSetup(kekSvc, setup)
	if err != nil {
		return nil, err
	}
	if err := settings.SetSetting(ctx, storage.Setting{
		Key:    setupSettingKey,
		Value:  string(sealed),
		Secure: true,
	}); err != nil {
		return nil, fmt.Errorf("persisting OPAQUE server setup: %w", err)
	}
	return setup, nil
}

func sealSetup(kekSvc *kek.Service, setup *ServerSetup) ([]byte, error) {
	wire := setupWire{
		Config:    crypto.Base64URLEncode(setup.Config.Serialize()),
		SecretKey: crypto.Base64URLEncode(setup.SecretKey),
		PublicKey: crypto.Base64URLEncode(setup.PublicKey),
		OPRFSeed:  crypto.Base64URLEncode(setup.OPRFSeed),
		FakeSeed:  crypto.Base64URLEncode(setup.FakeSeed),
	}
	plain, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding OPAQUE server setup: %w", err)
	}
	sealed, err := kekSvc.Wrap(plain)
	if err != nil {
		return nil, err
	}
	return []byte(crypto.Base64URLEncode(sealed)), nil
}

func unsealSetup(kekSvc *kek.Service, sealed []byte) (*ServerSetup, error) {
	raw, err := crypto.Base64URLDecode(string(sealed))
	if err != nil {
		return nil, fmt.Errorf("parsing OPAQUE server setup: %w", err)
	}
	plain, err := kekSvc.Unwrap(raw)
	if err != nil {
		return nil, err
	}

	var wire setupWire
	if err := json.Unmarshal(plain, &wire); err != nil {
		return nil, fmt.Errorf("parsing OPAQUE server setup: %w", err)
	}

	confBytes, err := crypto.Base64URLDecode(wire.Config)
	if err != nil {
		return nil, fmt.Errorf("parsing OPAQUE configuration: %w", err)
	}
	conf, err := lib.DeserializeConfiguration(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing OPAQUE configuration: %w", err)
	}

	setup := &ServerSetup{Config: conf}
	for name, pair := range map[string]struct {
		src string
		dst *[]byte
	}{
		"secret key": {wire.SecretKey, &setup.SecretKey},
		"public key": {wire.PublicKey, &setup.PublicKey},
		"OPRF seed":  {wire.OPRFSeed, &setup.OPRFSeed},
		"fake seed":  {wire.FakeSeed, &setup.FakeSeed},
	} {
		decoded, err := crypto.Base64URLDecode(pair.src)
		if err != nil {
			return nil, fmt.Errorf("parsing OPAQUE %s: %w", name, err)
		}
		*pair.dst = decoded
	}
	return setup, nil
}
