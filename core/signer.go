package core

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
)

// Ed25519SignerVerifier signs the SHA-256 digest of a payload with the
// principal's ed25519 key.
type Ed25519SignerVerifier struct {
	Keys KeyProvider
}

func NewEd25519SignerVerifier(keys KeyProvider) *Ed25519SignerVerifier {
	return &Ed25519SignerVerifier{Keys: keys}
}

func (s *Ed25519SignerVerifier) Sign(ctx context.Context, principal Principal, payload []byte) ([]byte, error) {
	material, err := resolveKey(ctx, s.keys(), principal, KeyAlgorithmEd25519)
	if err != nil {
		return nil, err
	}
	privateKey, err := ed25519PrivateKey(material)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return ed25519.Sign(privateKey, digest[:]), nil
}

func (s *Ed25519SignerVerifier) Verify(ctx context.Context, principal Principal, payload []byte, signature []byte) (bool, error) {
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	material, err := resolveKey(ctx, s.keys(), principal, KeyAlgorithmEd25519)
	if err != nil {
		return false, err
	}
	publicKey, err := ed25519PublicKey(material)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(payload)
	return ed25519.Verify(publicKey, digest[:], signature), nil
}

func (s *Ed25519SignerVerifier) keys() KeyProvider {
	if s == nil {
		return nil
	}
	return s.Keys
}

// HMACSignerVerifier authenticates payloads with a shared secret per
// principal.
type HMACSignerVerifier struct {
	Keys KeyProvider
}

func NewHMACSignerVerifier(keys KeyProvider) *HMACSignerVerifier {
	return &HMACSignerVerifier{Keys: keys}
}

func (s *HMACSignerVerifier) Sign(ctx context.Context, principal Principal, payload []byte) ([]byte, error) {
	material, err := resolveKey(ctx, s.keys(), principal, KeyAlgorithmHMACSHA256)
	if err != nil {
		return nil, err
	}
	return hmacSHA256(material.Secret, payload)
}

func (s *HMACSignerVerifier) Verify(ctx context.Context, principal Principal, payload []byte, signature []byte) (bool, error) {
	if len(signature) != sha256.Size {
		return false, nil
	}
	material, err := resolveKey(ctx, s.keys(), principal, KeyAlgorithmHMACSHA256)
	if err != nil {
		return false, err
	}
	expected, err := hmacSHA256(material.Secret, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, signature), nil
}

func (s *HMACSignerVerifier) keys() KeyProvider {
	if s == nil {
		return nil
	}
	return s.Keys
}

// KeyedSignerVerifier picks the algorithm from the key material registered
// for each principal, so users and merchants may use different schemes.
type KeyedSignerVerifier struct {
	Keys KeyProvider
}

func NewKeyedSignerVerifier(keys KeyProvider) *KeyedSignerVerifier {
	return &KeyedSignerVerifier{Keys: keys}
}

func (s *KeyedSignerVerifier) Sign(ctx context.Context, principal Principal, payload []byte) ([]byte, error) {
	delegate, err := s.delegate(ctx, principal)
	if err != nil {
		return nil, err
	}
	return delegate.Sign(ctx, principal, payload)
}

func (s *KeyedSignerVerifier) Verify(ctx context.Context, principal Principal, payload []byte, signature []byte) (bool, error) {
	delegate, err := s.delegate(ctx, principal)
	if err != nil {
		return false, err
	}
	return delegate.Verify(ctx, principal, payload, signature)
}

func (s *KeyedSignerVerifier) delegate(ctx context.Context, principal Principal) (SignerVerifier, error) {
	if s == nil || s.Keys == nil {
		return nil, ErrSignerNotWired
	}
	material, err := s.Keys.KeyMaterial(ctx, principal)
	if err != nil {
		return nil, err
	}
	switch material.Algorithm {
	case KeyAlgorithmEd25519:
		return &Ed25519SignerVerifier{Keys: s.Keys}, nil
	case KeyAlgorithmHMACSHA256:
		return &HMACSignerVerifier{Keys: s.Keys}, nil
	default:
		return nil, fmt.Errorf("%w: algorithm %q for %s", ErrUnsupportedKey, material.Algorithm, principal)
	}
}

// MemoryKeyProvider holds key material in process. With a derivation seed
// set, unknown principals receive a deterministic ed25519 key derived from
// the seed and the principal.
type MemoryKeyProvider struct {
	mu   sync.RWMutex
	keys map[Principal]KeyMaterial
	seed []byte
}

func NewMemoryKeyProvider() *MemoryKeyProvider {
	return &MemoryKeyProvider{keys: map[Principal]KeyMaterial{}}
}

// NewDerivedKeyProvider returns a provider that derives ed25519 keys on
// demand. An empty seed is replaced by random bytes.
func NewDerivedKeyProvider(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) == 0 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("core: key seed generation failed: %w", err)
		}
	}
	provider := NewMemoryKeyProvider()
	provider.seed = append([]byte(nil), seed...)
	return provider, nil
}

// NewTestSignerVerifier is a deterministic signer for tests: the same seed
// always yields the same keys and signatures.
func NewTestSignerVerifier(seed string) (*KeyedSignerVerifier, *MemoryKeyProvider) {
	if strings.TrimSpace(seed) == "" {
		seed = "mandates-test"
	}
	provider := NewMemoryKeyProvider()
	provider.seed = []byte(seed)
	return NewKeyedSignerVerifier(provider), provider
}

func (p *MemoryKeyProvider) KeyMaterial(_ context.Context, principal Principal) (KeyMaterial, error) {
	if p == nil {
		return KeyMaterial{}, ErrKeyNotFound
	}
	p.mu.RLock()
	material, ok := p.keys[principal]
	seed := p.seed
	p.mu.RUnlock()
	if ok {
		return cloneKeyMaterial(material), nil
	}
	if len(seed) == 0 {
		return KeyMaterial{}, fmt.Errorf("%w: %s", ErrKeyNotFound, principal)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if material, ok := p.keys[principal]; ok {
		return cloneKeyMaterial(material), nil
	}
	material = deriveEd25519(seed, principal)
	if p.keys == nil {
		p.keys = map[Principal]KeyMaterial{}
	}
	p.keys[principal] = material
	return cloneKeyMaterial(material), nil
}

func (p *MemoryKeyProvider) Put(principal Principal, material KeyMaterial) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keys == nil {
		p.keys = map[Principal]KeyMaterial{}
	}
	p.keys[principal] = cloneKeyMaterial(material)
}

func (p *MemoryKeyProvider) GenerateEd25519(principal Principal) (KeyMaterial, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("core: ed25519 key generation failed: %w", err)
	}
	material := KeyMaterial{
		KeyID:      principal.String() + "#ed25519",
		Algorithm:  KeyAlgorithmEd25519,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
	}
	p.Put(principal, material)
	return cloneKeyMaterial(material), nil
}

func (p *MemoryKeyProvider) PutHMACSecret(principal Principal, secret []byte) {
	p.Put(principal, KeyMaterial{
		KeyID:     principal.String() + "#hmac",
		Algorithm: KeyAlgorithmHMACSHA256,
		Secret:    secret,
	})
}

// PublicOnly drops private material for principal, leaving a verify-only key.
func (p *MemoryKeyProvider) PublicOnly(principal Principal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if material, ok := p.keys[principal]; ok {
		material.PrivateKey = nil
		p.keys[principal] = material
	}
}

func deriveEd25519(seed []byte, principal Principal) KeyMaterial {
	mac := hmac.New(sha256.New, seed)
	_, _ = mac.Write([]byte(principal.String()))
	privateKey := ed25519.NewKeyFromSeed(mac.Sum(nil))
	return KeyMaterial{
		KeyID:      principal.String() + "#derived",
		Algorithm:  KeyAlgorithmEd25519,
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
	}
}

func resolveKey(ctx context.Context, keys KeyProvider, principal Principal, algorithm KeyAlgorithm) (KeyMaterial, error) {
	if keys == nil {
		return KeyMaterial{}, ErrSignerNotWired
	}
	if strings.TrimSpace(principal.ID) == "" {
		return KeyMaterial{}, fmt.Errorf("%w: principal id is required", ErrKeyNotFound)
	}
	material, err := keys.KeyMaterial(ctx, principal)
	if err != nil {
		return KeyMaterial{}, err
	}
	if material.Algorithm != algorithm {
		return KeyMaterial{}, fmt.Errorf("%w: want %s for %s, got %q", ErrUnsupportedKey, algorithm, principal, material.Algorithm)
	}
	return material, nil
}

func ed25519PrivateKey(material KeyMaterial) (ed25519.PrivateKey, error) {
	switch len(material.PrivateKey) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(material.PrivateKey), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(material.PrivateKey), nil
	default:
		return nil, fmt.Errorf("%w: ed25519 private key unavailable for %s", ErrUnsupportedKey, material.KeyID)
	}
}

func ed25519PublicKey(material KeyMaterial) (ed25519.PublicKey, error) {
	if len(material.PublicKey) == ed25519.PublicKeySize {
		return ed25519.PublicKey(material.PublicKey), nil
	}
	if len(material.PrivateKey) > 0 {
		privateKey, err := ed25519PrivateKey(material)
		if err != nil {
			return nil, err
		}
		return privateKey.Public().(ed25519.PublicKey), nil
	}
	return nil, fmt.Errorf("%w: ed25519 public key unavailable for %s", ErrUnsupportedKey, material.KeyID)
}

func hmacSHA256(secret []byte, payload []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: hmac secret is empty", ErrUnsupportedKey)
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil), nil
}

func cloneKeyMaterial(material KeyMaterial) KeyMaterial {
	material.PrivateKey = append([]byte(nil), material.PrivateKey...)
	material.PublicKey = append([]byte(nil), material.PublicKey...)
	material.Secret = append([]byte(nil), material.Secret...)
	return material
}
