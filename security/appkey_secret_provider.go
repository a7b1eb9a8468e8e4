package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
)

type Option func(*AppKeySecretProvider)

// AppKeySecretProvider seals payment-method details at rest with AES-GCM.
// It encrypts with one active key and decrypts with the active key plus any
// retired keys registered through WithDecryptKey.
type AppKeySecretProvider struct {
	active  keyRef
	keys    map[keyRef][]byte
	windows map[keyRef]KeyRotationWindow
	now     func() time.Time
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			provider.active.KeyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.active.Version = version
		}
	}
}

// WithDecryptKey keeps a retired key available for opening old values.
func WithDecryptKey(id string, version int, keyMaterial []byte) Option {
	return func(provider *AppKeySecretProvider) {
		id = strings.TrimSpace(id)
		key := bytes.TrimSpace(keyMaterial)
		if id == "" || version <= 0 || len(key) == 0 {
			return
		}
		provider.keys[keyRef{KeyID: id, Version: version}] = normalizeKey(key)
	}
}

// WithRotationWindow limits when the key id/version may be used.
func WithRotationWindow(id string, version int, window KeyRotationWindow) Option {
	return func(provider *AppKeySecretProvider) {
		provider.windows[keyRef{KeyID: strings.TrimSpace(id), Version: version}] = window
	}
}

func WithProviderClock(now func() time.Time) Option {
	return func(provider *AppKeySecretProvider) {
		if now != nil {
			provider.now = now
		}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		active:  keyRef{KeyID: "app-key", Version: 1},
		keys:    map[keyRef][]byte{},
		windows: map[keyRef]KeyRotationWindow{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	provider.keys[provider.active] = normalizeKey(key)
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	if err := p.checkWindow(p.active); err != nil {
		return nil, err
	}
	gcm, err := newGCM(p.keys[p.active])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, []byte(p.active.String()))
	return encodeEnvelope(envelope{
		KeyID:      p.active.KeyID,
		Version:    p.active.Version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	parsed, _, err := decodeEnvelope(ciphertext, true)
	if err != nil {
		return nil, err
	}
	if parsed.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("security: unsupported envelope algorithm %q", parsed.Algorithm)
	}

	ref := keyRef{KeyID: parsed.KeyID, Version: parsed.Version}
	key, ok := p.keys[ref]
	if !ok {
		return nil, fmt.Errorf("security: no key registered for %s (active %s)", ref, p.active)
	}
	if err := p.checkWindow(ref); err != nil {
		return nil, err
	}

	nonce, err := decodeBase64Field("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodeBase64Field("ciphertext", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(ref.String()))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.active.KeyID
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.active.Version
}

func (p *AppKeySecretProvider) Metadata() (string, int) {
	return p.KeyID(), p.Version()
}

func (p *AppKeySecretProvider) checkWindow(ref keyRef) error {
	window, ok := p.windows[ref]
	if !ok {
		return nil
	}
	if !window.Allows(p.now()) {
		return fmt.Errorf("security: key %s is outside its rotation window", ref)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
