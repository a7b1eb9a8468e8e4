package security

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/goliatone/go-mandates/core"
)

type stubSecretsManager struct {
	values map[string]string
	calls  atomic.Int32
	err    error
}

func (s *stubSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	value, ok := s.values[*params.SecretId]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: params.SecretId}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &value}, nil
}

func TestSecretsManagerSource_PrefixesAndMapsMissing(t *testing.T) {
	stub := &stubSecretsManager{values: map[string]string{"mandates/merchant/m-1": "seed"}}
	source, err := NewSecretsManagerSource(stub, "mandates/")
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	value, err := source.SecretString(context.Background(), "merchant/m-1")
	if err != nil {
		t.Fatalf("secret string: %v", err)
	}
	if value != "seed" {
		t.Fatalf("unexpected value %q", value)
	}
	if _, err := source.SecretString(context.Background(), "merchant/unknown"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected secret not found, got %v", err)
	}
}

func TestCachedSecretSource_HitsAndExpires(t *testing.T) {
	stub := &stubSecretsManager{values: map[string]string{"app": "key"}}
	source, err := NewSecretsManagerSource(stub, "")
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	cached, err := NewCachedSecretSource(source, time.Minute)
	if err != nil {
		t.Fatalf("new cached source: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := cached.SecretString(context.Background(), "app"); err != nil {
			t.Fatalf("secret string: %v", err)
		}
	}
	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("expected one remote call, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cached.SecretString(context.Background(), "app"); err != nil {
		t.Fatalf("secret string after ttl: %v", err)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", got)
	}

	cached.Invalidate("app")
	if _, err := cached.SecretString(context.Background(), "app"); err != nil {
		t.Fatalf("secret string after invalidate: %v", err)
	}
	if got := stub.calls.Load(); got != 3 {
		t.Fatalf("expected refetch after invalidate, got %d calls", got)
	}
}

func TestParseKeyMaterial(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	publicKey := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)

	tests := []struct {
		name      string
		raw       string
		algorithm core.KeyAlgorithm
		canSign   bool
		wantErr   bool
	}{
		{name: "plain passphrase", raw: "merchant passphrase", algorithm: core.KeyAlgorithmEd25519, canSign: true},
		{name: "ed25519 seed", raw: fmt.Sprintf(`{"kid":"m-1#1","alg":"ed25519","seed":%q}`, base64.StdEncoding.EncodeToString(seed)), algorithm: core.KeyAlgorithmEd25519, canSign: true},
		{name: "verify only", raw: fmt.Sprintf(`{"alg":"ed25519","public_key":%q}`, base64.StdEncoding.EncodeToString(publicKey)), algorithm: core.KeyAlgorithmEd25519},
		{name: "hmac", raw: fmt.Sprintf(`{"alg":"hmac-sha256","secret":%q}`, base64.StdEncoding.EncodeToString([]byte("shared"))), algorithm: core.KeyAlgorithmHMACSHA256, canSign: true},
		{name: "short seed", raw: `{"alg":"ed25519","seed":"AAEC"}`, wantErr: true},
		{name: "unknown algorithm", raw: `{"alg":"rsa","secret":"AAEC"}`, wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			material, err := ParseKeyMaterial(tc.raw, "merchant:m-1")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if material.Algorithm != tc.algorithm {
				t.Fatalf("expected %s, got %s", tc.algorithm, material.Algorithm)
			}
			canSign := len(material.PrivateKey) > 0 || len(material.Secret) > 0
			if canSign != tc.canSign {
				t.Fatalf("expected canSign=%v, got %v", tc.canSign, canSign)
			}
		})
	}
}

func TestSecretKeyProvider_SignsThroughKeyedSigner(t *testing.T) {
	source := StaticSecretSource{
		"merchant/merchant-1": "merchant passphrase",
		"user/user-1":         fmt.Sprintf(`{"alg":"hmac-sha256","secret":%q}`, base64.StdEncoding.EncodeToString([]byte("user secret"))),
	}
	keys, err := NewSecretKeyProvider(source)
	if err != nil {
		t.Fatalf("new key provider: %v", err)
	}
	signer := core.NewKeyedSignerVerifier(keys)
	ctx := context.Background()

	for _, principal := range []core.Principal{core.MerchantPrincipal("merchant-1"), core.UserPrincipal("user-1")} {
		signature, err := signer.Sign(ctx, principal, []byte("canonical"))
		if err != nil {
			t.Fatalf("sign as %s: %v", principal, err)
		}
		ok, err := signer.Verify(ctx, principal, []byte("canonical"), signature)
		if err != nil || !ok {
			t.Fatalf("verify as %s: ok=%v err=%v", principal, ok, err)
		}
	}

	if _, err := keys.KeyMaterial(ctx, core.UserPrincipal("unknown")); !errors.Is(err, core.ErrKeyNotFound) {
		t.Fatalf("expected key not found, got %v", err)
	}
}

func TestAppKeyFromSource(t *testing.T) {
	source := StaticSecretSource{"app-key": "at-rest key"}
	provider, err := AppKeyFromSource(context.Background(), source, "app-key", WithKeyID("mandates"))
	if err != nil {
		t.Fatalf("app key from source: %v", err)
	}
	if provider.KeyID() != "mandates" {
		t.Fatalf("unexpected key id %q", provider.KeyID())
	}
	if _, err := AppKeyFromSource(context.Background(), source, "missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}
