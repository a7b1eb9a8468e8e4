package security

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goliatone/go-mandates/core"
)

type stubKeyProvider struct {
	material core.KeyMaterial
	err      error
	calls    int
}

func (s *stubKeyProvider) KeyMaterial(context.Context, core.Principal) (core.KeyMaterial, error) {
	s.calls++
	if s.err != nil {
		return core.KeyMaterial{}, s.err
	}
	return s.material, nil
}

func TestFailoverKeyProvider(t *testing.T) {
	unavailable := errors.New("secrets manager unavailable")
	tests := []struct {
		name          string
		primaryErr    error
		policy        KeyProviderFailurePolicy
		wantKeyID     string
		wantErr       error
		wantFallbacks int
		wantOutcomes  []string
	}{
		{name: "primary ok", policy: KeyProviderFailurePolicyFallback, wantKeyID: "primary"},
		{name: "strict surfaces failure", primaryErr: unavailable, policy: KeyProviderFailurePolicyStrict, wantErr: unavailable, wantOutcomes: []string{"primary_failed"}},
		{name: "fallback on failure", primaryErr: unavailable, policy: KeyProviderFailurePolicyFallback, wantKeyID: "fallback", wantFallbacks: 1, wantOutcomes: []string{"primary_failed", "fallback_succeeded"}},
		{name: "not found is authoritative", primaryErr: fmt.Errorf("%w: user:u", core.ErrKeyNotFound), policy: KeyProviderFailurePolicyFallback, wantErr: core.ErrKeyNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			primary := &stubKeyProvider{material: core.KeyMaterial{KeyID: "primary"}, err: tc.primaryErr}
			fallback := &stubKeyProvider{material: core.KeyMaterial{KeyID: "fallback"}}
			var outcomes []string
			provider, err := NewFailoverKeyProvider(primary,
				WithFallbackKeyProvider(fallback),
				WithKeyProviderFailurePolicy(tc.policy),
				WithKeyProviderDiagnostics(func(event KeyProviderDiagnostic) {
					outcomes = append(outcomes, event.Outcome)
				}),
			)
			if err != nil {
				t.Fatalf("new failover provider: %v", err)
			}

			material, err := provider.KeyMaterial(context.Background(), core.UserPrincipal("u"))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("key material: %v", err)
			} else if material.KeyID != tc.wantKeyID {
				t.Fatalf("expected key %q, got %q", tc.wantKeyID, material.KeyID)
			}
			if fallback.calls != tc.wantFallbacks {
				t.Fatalf("expected %d fallback calls, got %d", tc.wantFallbacks, fallback.calls)
			}
			if fmt.Sprint(outcomes) != fmt.Sprint(tc.wantOutcomes) {
				t.Fatalf("expected outcomes %v, got %v", tc.wantOutcomes, outcomes)
			}
		})
	}
}

func TestNewFailoverKeyProvider_FallbackPolicyNeedsFallback(t *testing.T) {
	if _, err := NewFailoverKeyProvider(&stubKeyProvider{}, WithKeyProviderFailurePolicy(KeyProviderFailurePolicyFallback)); err == nil {
		t.Fatalf("expected error without fallback provider")
	}
	if _, err := NewFailoverKeyProvider(nil); err == nil {
		t.Fatalf("expected error without primary provider")
	}
}
