package boltstore_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/goliatone/go-mandates/core"
	"github.com/goliatone/go-mandates/security"
	boltstore "github.com/goliatone/go-mandates/store/bolt"
	"github.com/goliatone/go-mandates/store/storetest"
)

func newTestStore(t *testing.T) *boltstore.Store {
	t.Helper()
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "mandates.db"), time.Second)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Behaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.MandateStore {
		return newTestStore(t)
	})
}

func newSealingProvider(t *testing.T) core.SecretProvider {
	t.Helper()
	provider, err := security.NewAppKeySecretProviderFromString("bolt-store-test-key")
	if err != nil {
		t.Fatalf("secret provider: %v", err)
	}
	return provider
}

func TestStore_BehaviourWithSealedPayments(t *testing.T) {
	secrets := newSealingProvider(t)
	storetest.Run(t, func(t *testing.T) core.MandateStore {
		store, err := boltstore.Open(filepath.Join(t.TempDir(), "mandates.db"), time.Second, boltstore.WithSecretProvider(secrets))
		if err != nil {
			t.Fatalf("open bolt store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestStore_SealsPaymentMethodAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mandates.db")
	ctx := context.Background()
	secrets := newSealingProvider(t)

	store, err := boltstore.Open(path, time.Second, boltstore.WithSecretProvider(secrets))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.CreateIntent(ctx, storetest.Intent("intent_sealed", storetest.Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cart, err := store.CreateCart(ctx, storetest.Cart("cart_sealed", "intent_sealed", storetest.Epoch.Add(15*time.Minute)))
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := store.BindPayment(ctx, storetest.Payment("pay_sealed", cart, storetest.Epoch.Add(time.Minute))); err != nil {
		t.Fatalf("bind payment: %v", err)
	}
	if _, _, err := store.ClaimExecution(ctx, "pay_sealed", storetest.Epoch.Add(2*time.Minute)); err != nil {
		t.Fatalf("claim execution: %v", err)
	}
	payment, err := store.GetPayment(ctx, "pay_sealed")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if payment.PaymentMethod.Card == nil || payment.PaymentMethod.Card.PayerEmail != "ada@example.com" {
		t.Fatalf("expected payment method to open, got %+v", payment.PaymentMethod)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		t.Fatalf("open raw bolt: %v", err)
	}
	var raw []byte
	err = db.View(func(tx *bolt.Tx) error {
		raw = append([]byte(nil), tx.Bucket([]byte("payments")).Get([]byte("pay_sealed"))...)
		return nil
	})
	_ = db.Close()
	if err != nil {
		t.Fatalf("read raw payment: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected a stored payment record")
	}
	if bytes.Contains(raw, []byte("ada@example.com")) || bytes.Contains(raw, []byte("Ada Lovelace")) {
		t.Fatalf("expected payment method to be sealed, got %s", raw)
	}

	unsealed, err := boltstore.Open(path, time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = unsealed.Close() }()
	if _, err := unsealed.GetPayment(ctx, "pay_sealed"); err == nil {
		t.Fatalf("expected sealed payment to need a secret provider")
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mandates.db")
	ctx := context.Background()

	store, err := boltstore.Open(path, time.Second)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.CreateIntent(ctx, storetest.Intent("intent_reopen", storetest.Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cart, err := store.CreateCart(ctx, storetest.Cart("cart_reopen", "intent_reopen", storetest.Epoch.Add(15*time.Minute)))
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := store.BindPayment(ctx, storetest.Payment("pay_reopen", cart, storetest.Epoch.Add(time.Minute))); err != nil {
		t.Fatalf("bind payment: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := boltstore.Open(path, time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	payment, err := reopened.GetPaymentByCart(ctx, "cart_reopen")
	if err != nil {
		t.Fatalf("get payment by cart: %v", err)
	}
	if payment.ID != "pay_reopen" || !payment.Total.Amount.Equal(cart.Total.Amount) {
		t.Fatalf("unexpected payment after reopen: %+v", payment)
	}
	if payment.PaymentMethod.Card == nil || payment.PaymentMethod.Card.PayerEmail != "ada@example.com" {
		t.Fatalf("expected payment method to persist, got %+v", payment.PaymentMethod)
	}
	reloadedCart, err := reopened.GetCart(ctx, "cart_reopen")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if reloadedCart.State != core.CartStateConsumed {
		t.Fatalf("expected consumed cart after reopen, got %s", reloadedCart.State)
	}
}

func TestStore_CanceledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.GetIntent(ctx, "intent_1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := boltstore.Open("  ", time.Second); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestStore_NilIsNotWired(t *testing.T) {
	var store *boltstore.Store
	if _, err := store.GetCart(context.Background(), "cart_1"); !errors.Is(err, core.ErrStoreNotWired) {
		t.Fatalf("expected store not wired, got %v", err)
	}
}
