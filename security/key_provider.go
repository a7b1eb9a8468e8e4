package security

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-mandates/core"
)

// keyDocument is the JSON shape of a principal key secret. Plain non-JSON
// secrets are treated as ed25519 seed material.
type keyDocument struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`
	Seed      string `json:"seed,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

// SecretKeyProvider resolves principal signing keys from a SecretSource.
// The secret for a principal is named "<kind>/<id>".
type SecretKeyProvider struct {
	source SecretSource
}

func NewSecretKeyProvider(source SecretSource) (*SecretKeyProvider, error) {
	if source == nil {
		return nil, fmt.Errorf("security: secret source is required")
	}
	return &SecretKeyProvider{source: source}, nil
}

// PrincipalSecretName is the secret name holding principal's key.
func PrincipalSecretName(principal core.Principal) string {
	return string(principal.Kind) + "/" + strings.TrimSpace(principal.ID)
}

func (p *SecretKeyProvider) KeyMaterial(ctx context.Context, principal core.Principal) (core.KeyMaterial, error) {
	if p == nil || p.source == nil {
		return core.KeyMaterial{}, core.ErrKeyNotFound
	}
	name := PrincipalSecretName(principal)
	raw, err := p.source.SecretString(ctx, name)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return core.KeyMaterial{}, fmt.Errorf("%w: %s", core.ErrKeyNotFound, principal)
		}
		return core.KeyMaterial{}, err
	}
	material, err := ParseKeyMaterial(raw, principal.String())
	if err != nil {
		return core.KeyMaterial{}, fmt.Errorf("security: key for %s: %w", principal, err)
	}
	return material, nil
}

// ParseKeyMaterial decodes a key secret. defaultKeyID names keys whose
// document carries no kid.
func ParseKeyMaterial(raw string, defaultKeyID string) (core.KeyMaterial, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return core.KeyMaterial{}, fmt.Errorf("empty key secret")
	}
	if !strings.HasPrefix(trimmed, "{") {
		seed := sha256.Sum256([]byte(trimmed))
		privateKey := ed25519.NewKeyFromSeed(seed[:])
		return core.KeyMaterial{
			KeyID:      defaultKeyID + "#ed25519",
			Algorithm:  core.KeyAlgorithmEd25519,
			PrivateKey: privateKey,
			PublicKey:  privateKey.Public().(ed25519.PublicKey),
		}, nil
	}

	var doc keyDocument
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return core.KeyMaterial{}, fmt.Errorf("decode key document: %w", err)
	}
	keyID := strings.TrimSpace(doc.KeyID)
	if keyID == "" {
		keyID = defaultKeyID
	}

	switch core.KeyAlgorithm(strings.ToLower(strings.TrimSpace(doc.Algorithm))) {
	case core.KeyAlgorithmEd25519, "":
		material := core.KeyMaterial{KeyID: keyID, Algorithm: core.KeyAlgorithmEd25519}
		if doc.Seed != "" {
			seed, err := base64.StdEncoding.DecodeString(doc.Seed)
			if err != nil {
				return core.KeyMaterial{}, fmt.Errorf("decode seed: %w", err)
			}
			if len(seed) != ed25519.SeedSize {
				return core.KeyMaterial{}, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
			}
			privateKey := ed25519.NewKeyFromSeed(seed)
			material.PrivateKey = privateKey
			material.PublicKey = privateKey.Public().(ed25519.PublicKey)
			return material, nil
		}
		if doc.PublicKey == "" {
			return core.KeyMaterial{}, fmt.Errorf("ed25519 key needs a seed or a public_key")
		}
		publicKey, err := base64.StdEncoding.DecodeString(doc.PublicKey)
		if err != nil {
			return core.KeyMaterial{}, fmt.Errorf("decode public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return core.KeyMaterial{}, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
		}
		material.PublicKey = publicKey
		return material, nil
	case core.KeyAlgorithmHMACSHA256:
		secret, err := base64.StdEncoding.DecodeString(doc.Secret)
		if err != nil {
			return core.KeyMaterial{}, fmt.Errorf("decode hmac secret: %w", err)
		}
		if len(secret) == 0 {
			return core.KeyMaterial{}, fmt.Errorf("hmac key needs a secret")
		}
		return core.KeyMaterial{KeyID: keyID, Algorithm: core.KeyAlgorithmHMACSHA256, Secret: secret}, nil
	default:
		return core.KeyMaterial{}, fmt.Errorf("unsupported key algorithm %q", doc.Algorithm)
	}
}

// AppKeyFromSource builds the at-rest secret provider from the named secret.
func AppKeyFromSource(ctx context.Context, source SecretSource, name string, opts ...Option) (*AppKeySecretProvider, error) {
	if source == nil {
		return nil, fmt.Errorf("security: secret source is required")
	}
	value, err := source.SecretString(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("security: load app key %s: %w", name, err)
	}
	return NewAppKeySecretProviderFromString(value, opts...)
}

var _ core.KeyProvider = (*SecretKeyProvider)(nil)
