package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-mandates/backend"
	"github.com/goliatone/go-mandates/core"
)

func memoryAppConfig() AppConfig {
	cfg := DefaultAppConfig()
	cfg.DatabaseURL = "memory://"
	cfg.LogLevel = "error"
	cfg.KeySeed = "wiring-test-seed"
	return cfg
}

func TestBuildRuntime_MemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg := memoryAppConfig()
	cfg.Core = map[string]any{"currency": "EUR"}

	rt, err := buildRuntime(ctx, cfg, wiringOptions{})
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()

	if rt.Metrics != nil {
		t.Fatalf("expected no metrics recorder without cloudwatch")
	}
	if got := rt.Service.Config().Currency; got != "EUR" {
		t.Fatalf("expected core config from env, got currency %q", got)
	}
	entries, err := rt.Service.ListServices(ctx)
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected catalog entries")
	}
	result, err := rt.Service.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(result.FailedPaymentIDs) != 0 {
		t.Fatalf("expected nothing to reconcile, got %+v", result)
	}
}

func TestBuildRuntime_CartsSurviveRestartWithKeySeed(t *testing.T) {
	ctx := context.Background()
	cfg := memoryAppConfig()
	cfg.DatabaseURL = "bolt://" + filepath.Join(t.TempDir(), "mandates.bolt")
	cfg.AppKey = "wiring-test-app-key"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	first, err := buildRuntime(ctx, cfg, wiringOptions{})
	if err != nil {
		t.Fatalf("build first runtime: %v", err)
	}
	intent, err := first.Service.CreateIntentMandate(ctx, core.CreateIntentRequest{
		Description: "pricing review",
		ServiceIDs:  []string{"market-research"},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cart, err := first.Service.CreateCartMandate(ctx, core.CreateCartRequest{
		IntentID:        intent.ID,
		ServiceID:       "market-research",
		TaskDescription: "size the market",
	})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first runtime: %v", err)
	}

	pay := func(seed string) error {
		t.Helper()
		next := cfg
		next.KeySeed = seed
		rt, err := buildRuntime(ctx, next, wiringOptions{})
		if err != nil {
			t.Fatalf("build runtime: %v", err)
		}
		defer rt.Close()
		method := core.CardPayment("Ada Lovelace", "ada@example.com")
		auth, err := rt.Service.SignPaymentAuthorization(ctx, "user-1", cart.ID, method)
		if err != nil {
			t.Fatalf("sign payment authorization: %v", err)
		}
		_, err = rt.Service.ProcessPayment(ctx, core.ProcessPaymentRequest{
			CartID:        cart.ID,
			PaymentMethod: method,
			Authorization: auth,
		})
		return err
	}

	if err := pay("another-seed"); !core.IsErrorKind(err, core.ErrorKindSignatureInvalid) {
		t.Fatalf("expected signature failure under a different seed, got %v", err)
	}
	if err := pay(cfg.KeySeed); err != nil {
		t.Fatalf("expected payment after restart with the same seed, got %v", err)
	}
}

func TestBuildRuntime_RejectsBadDatabaseURL(t *testing.T) {
	cfg := memoryAppConfig()
	cfg.DatabaseURL = "mysql://db"
	if _, err := buildRuntime(context.Background(), cfg, wiringOptions{}); err == nil {
		t.Fatalf("expected database url error")
	}
}

func TestBuildBackend(t *testing.T) {
	cfg := memoryAppConfig()
	templ, err := buildBackend(cfg, nil)
	if err != nil {
		t.Fatalf("template backend: %v", err)
	}
	if _, ok := templ.(*backend.TemplateBackend); !ok {
		t.Fatalf("expected template backend, got %T", templ)
	}

	cfg.Backend = backendHTTP
	cfg.ExecutorURL = "http://executor:9000"
	cfg.ExecutorToken = "token"
	remote, err := buildBackend(cfg, nil)
	if err != nil {
		t.Fatalf("http backend: %v", err)
	}
	if _, ok := remote.(*backend.HTTPBackend); !ok {
		t.Fatalf("expected http backend, got %T", remote)
	}
}

func TestBuildSecretProvider_AppKey(t *testing.T) {
	cfg := memoryAppConfig()
	provider, err := buildSecretProvider(context.Background(), cfg, nil)
	if err != nil || provider != nil {
		t.Fatalf("expected no secret provider without an app key, got %v %v", provider, err)
	}
}
