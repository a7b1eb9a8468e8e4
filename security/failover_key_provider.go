package security

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
)

type KeyProviderFailurePolicy string

const (
	KeyProviderFailurePolicyStrict   KeyProviderFailurePolicy = "strict_fail"
	KeyProviderFailurePolicyFallback KeyProviderFailurePolicy = "fallback_allowed"
)

type KeyProviderDiagnostic struct {
	OccurredAt time.Time
	Principal  string
	Policy     KeyProviderFailurePolicy
	Outcome    string
	Primary    string
	Fallback   string
	Error      string
}

type KeyProviderDiagnosticHook func(event KeyProviderDiagnostic)

type FailoverOption func(*FailoverKeyProvider)

// FailoverKeyProvider reads keys from a primary provider, usually a remote
// secret store, and under the fallback policy consults a local provider when
// the primary errors. A primary "key not found" is authoritative and never
// falls back.
type FailoverKeyProvider struct {
	primary        core.KeyProvider
	fallback       core.KeyProvider
	policy         KeyProviderFailurePolicy
	diagnosticHook KeyProviderDiagnosticHook
	now            func() time.Time
}

func NewFailoverKeyProvider(primary core.KeyProvider, opts ...FailoverOption) (*FailoverKeyProvider, error) {
	if primary == nil {
		return nil, fmt.Errorf("security: primary key provider is required")
	}
	provider := &FailoverKeyProvider{
		primary: primary,
		policy:  KeyProviderFailurePolicyStrict,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	provider.policy = normalizeFailurePolicy(provider.policy)
	if provider.policy == KeyProviderFailurePolicyFallback && provider.fallback == nil {
		return nil, fmt.Errorf("security: fallback policy requires a configured fallback key provider")
	}
	if provider.now == nil {
		provider.now = func() time.Time { return time.Now().UTC() }
	}
	return provider, nil
}

func WithFallbackKeyProvider(provider core.KeyProvider) FailoverOption {
	return func(f *FailoverKeyProvider) {
		f.fallback = provider
	}
}

func WithKeyProviderFailurePolicy(policy KeyProviderFailurePolicy) FailoverOption {
	return func(f *FailoverKeyProvider) {
		f.policy = normalizeFailurePolicy(policy)
	}
}

func WithKeyProviderDiagnostics(hook KeyProviderDiagnosticHook) FailoverOption {
	return func(f *FailoverKeyProvider) {
		f.diagnosticHook = hook
	}
}

func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverKeyProvider) {
		f.now = now
	}
}

func (p *FailoverKeyProvider) KeyMaterial(ctx context.Context, principal core.Principal) (core.KeyMaterial, error) {
	if p == nil || p.primary == nil {
		return core.KeyMaterial{}, core.ErrKeyNotFound
	}
	material, err := p.primary.KeyMaterial(ctx, principal)
	if err == nil {
		return material, nil
	}
	if errors.Is(err, core.ErrKeyNotFound) {
		return core.KeyMaterial{}, err
	}
	p.emit(principal, "primary_failed", err)
	if p.policy == KeyProviderFailurePolicyStrict || p.fallback == nil {
		return core.KeyMaterial{}, fmt.Errorf("security: primary key lookup failed with %s policy: %w", p.policy, err)
	}
	fallbackMaterial, fallbackErr := p.fallback.KeyMaterial(ctx, principal)
	if fallbackErr != nil {
		p.emit(principal, "fallback_failed", fallbackErr)
		return core.KeyMaterial{}, fmt.Errorf("security: primary key lookup failed: %v; fallback failed: %w", err, fallbackErr)
	}
	p.emit(principal, "fallback_succeeded", err)
	return fallbackMaterial, nil
}

func (p *FailoverKeyProvider) emit(principal core.Principal, outcome string, err error) {
	if p.diagnosticHook == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.diagnosticHook(KeyProviderDiagnostic{
		OccurredAt: p.now().UTC(),
		Principal:  principal.String(),
		Policy:     p.policy,
		Outcome:    outcome,
		Primary:    describeKeyProvider(p.primary),
		Fallback:   describeKeyProvider(p.fallback),
		Error:      msg,
	})
}

func normalizeFailurePolicy(policy KeyProviderFailurePolicy) KeyProviderFailurePolicy {
	switch KeyProviderFailurePolicy(strings.ToLower(strings.TrimSpace(string(policy)))) {
	case KeyProviderFailurePolicyFallback:
		return KeyProviderFailurePolicyFallback
	default:
		return KeyProviderFailurePolicyStrict
	}
}

func describeKeyProvider(provider core.KeyProvider) string {
	if provider == nil {
		return ""
	}
	return reflect.TypeOf(provider).String()
}

var _ core.KeyProvider = (*FailoverKeyProvider)(nil)
