// Package storetest holds the behavioural suite every core.MandateStore
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-mandates/core"
	"github.com/shopspring/decimal"
)

// Epoch is the fixed instant the suite builds mandates around.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) core.MandateStore

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("intent lifecycle", func(t *testing.T) { testIntentLifecycle(t, newStore(t)) })
	t.Run("cart supersedes intent", func(t *testing.T) { testCartSupersedes(t, newStore(t)) })
	t.Run("bind payment consumes cart", func(t *testing.T) { testBindPayment(t, newStore(t)) })
	t.Run("concurrent bind has one winner", func(t *testing.T) { testConcurrentBind(t, newStore(t)) })
	t.Run("claim and complete", func(t *testing.T) { testClaimAndComplete(t, newStore(t)) })
	t.Run("stale listings", func(t *testing.T) { testStaleListings(t, newStore(t)) })
}

func Intent(id string, expiresAt time.Time) core.IntentMandate {
	return core.IntentMandate{
		ID:                  id,
		Description:         "Research the European e-bike market",
		RequestedServiceIDs: []string{"market-research", "quick-consult"},
		MerchantIDs:         []string{"merchant-1"},
		State:               core.IntentStateActive,
		CreatedAt:           Epoch,
		UpdatedAt:           Epoch,
		ExpiresAt:           expiresAt,
	}
}

func Cart(id string, intentID string, expiresAt time.Time) core.CartMandate {
	items := []core.LineItem{{
		ServiceID: "market-research",
		Label:     core.CartLabel("market-research", "sizing"),
		UnitPrice: decimal.RequireFromString("75.00"),
		Currency:  "USD",
		Quantity:  2,
	}}
	total, _ := core.SumLineItems(items)
	return core.CartMandate{
		ID:                id,
		IntentID:          intentID,
		LineItems:         items,
		Total:             total,
		MerchantID:        "merchant-1",
		MerchantSignature: []byte("merchant-signature"),
		TaskDescription:   "sizing",
		RefundPeriodDays:  30,
		State:             core.CartStateSigned,
		CreatedAt:         Epoch,
		UpdatedAt:         Epoch,
		ExpiresAt:         expiresAt,
	}
}

func Payment(id string, cart core.CartMandate, at time.Time) core.PaymentMandate {
	return core.PaymentMandate{
		ID:                         id,
		CartID:                     cart.ID,
		PayerID:                    "user-1",
		PaymentMethod:              core.CardPayment("Ada Lovelace", "ada@example.com"),
		UserAuthorizationSignature: []byte("user-signature"),
		Total:                      cart.Total,
		Timestamp:                  at,
		State:                      core.PaymentStateAuthorized,
		UpdatedAt:                  at,
	}
}

func testIntentLifecycle(t *testing.T, store core.MandateStore) {
	ctx := context.Background()
	intent := Intent("intent_1", Epoch.Add(time.Hour))
	created, err := store.CreateIntent(ctx, intent)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if created.ID != intent.ID || created.State != core.IntentStateActive {
		t.Fatalf("unexpected created intent %#v", created)
	}
	if _, err := store.CreateIntent(ctx, intent); !errors.Is(err, core.ErrDuplicateMandate) {
		t.Fatalf("expected duplicate intent error, got %v", err)
	}

	loaded, err := store.GetIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if !loaded.ExpiresAt.Equal(intent.ExpiresAt) {
		t.Fatalf("expected expiry %s, got %s", intent.ExpiresAt, loaded.ExpiresAt)
	}
	if len(loaded.RequestedServiceIDs) != 2 || loaded.RequestedServiceIDs[1] != "quick-consult" {
		t.Fatalf("expected requested services to round trip, got %#v", loaded.RequestedServiceIDs)
	}
	if len(loaded.MerchantIDs) != 1 || loaded.MerchantIDs[0] != "merchant-1" {
		t.Fatalf("expected merchant ids to round trip, got %#v", loaded.MerchantIDs)
	}
	if _, err := store.GetIntent(ctx, "intent_missing"); !errors.Is(err, core.ErrMandateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	expired, err := store.TransitionIntent(ctx, intent.ID, core.IntentStateActive, core.IntentStateExpired, Epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("transition intent: %v", err)
	}
	if expired.State != core.IntentStateExpired {
		t.Fatalf("expected expired intent, got %s", expired.State)
	}
	if _, err := store.TransitionIntent(ctx, intent.ID, core.IntentStateActive, core.IntentStateExpired, Epoch); !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("expected state conflict on stale transition, got %v", err)
	}
}

func testCartSupersedes(t *testing.T, store core.MandateStore) {
	ctx := context.Background()
	if _, err := store.CreateIntent(ctx, Intent("intent_1", Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	first, err := store.CreateCart(ctx, Cart("cart_1", "intent_1", Epoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create first cart: %v", err)
	}
	if first.State != core.CartStateSigned {
		t.Fatalf("expected signed cart, got %s", first.State)
	}
	intent, err := store.GetIntent(ctx, "intent_1")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.State != core.IntentStateSuperseded {
		t.Fatalf("expected intent superseded after first cart, got %s", intent.State)
	}

	second := Cart("cart_2", "intent_1", Epoch.Add(2*time.Hour))
	second.CreatedAt = Epoch.Add(time.Minute)
	if _, err := store.CreateCart(ctx, second); err != nil {
		t.Fatalf("create second cart: %v", err)
	}
	previous, err := store.GetCart(ctx, "cart_1")
	if err != nil {
		t.Fatalf("get first cart: %v", err)
	}
	if previous.State != core.CartStateExpired {
		t.Fatalf("expected earlier cart to expire, got %s", previous.State)
	}

	loaded, err := store.GetCart(ctx, "cart_2")
	if err != nil {
		t.Fatalf("get second cart: %v", err)
	}
	if !loaded.Total.Equal(second.Total) {
		t.Fatalf("expected total %s, got %s", second.Total, loaded.Total)
	}
	if len(loaded.LineItems) != 1 || loaded.LineItems[0].Quantity != 2 {
		t.Fatalf("expected line items to round trip, got %#v", loaded.LineItems)
	}
	if string(loaded.MerchantSignature) != "merchant-signature" {
		t.Fatalf("expected merchant signature to round trip")
	}

	carts, err := store.ListCartsByIntent(ctx, "intent_1")
	if err != nil {
		t.Fatalf("list carts: %v", err)
	}
	if len(carts) != 2 {
		t.Fatalf("expected two carts for intent, got %d", len(carts))
	}

	if _, err := store.CreateCart(ctx, Cart("cart_3", "intent_missing", Epoch.Add(time.Hour))); !errors.Is(err, core.ErrMandateNotFound) {
		t.Fatalf("expected missing intent to fail cart creation, got %v", err)
	}
}

func testBindPayment(t *testing.T, store core.MandateStore) {
	ctx := context.Background()
	cart := seedCart(t, store, "cart_1")
	at := Epoch.Add(time.Minute)

	payment, err := store.BindPayment(ctx, Payment("pay_1", cart, at))
	if err != nil {
		t.Fatalf("bind payment: %v", err)
	}
	if payment.State != core.PaymentStateAuthorized {
		t.Fatalf("expected authorized payment, got %s", payment.State)
	}
	consumed, err := store.GetCart(ctx, cart.ID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if consumed.State != core.CartStateConsumed {
		t.Fatalf("expected consumed cart, got %s", consumed.State)
	}

	if _, err := store.BindPayment(ctx, Payment("pay_2", cart, at)); !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("expected second bind to conflict, got %v", err)
	}
	if _, err := store.GetPayment(ctx, "pay_2"); !errors.Is(err, core.ErrMandateNotFound) {
		t.Fatalf("expected losing payment not to be stored, got %v", err)
	}

	byCart, err := store.GetPaymentByCart(ctx, cart.ID)
	if err != nil {
		t.Fatalf("get payment by cart: %v", err)
	}
	if byCart.ID != "pay_1" {
		t.Fatalf("expected pay_1 bound to cart, got %s", byCart.ID)
	}
	if byCart.PaymentMethod.Card == nil || byCart.PaymentMethod.Card.PayerEmail != "ada@example.com" {
		t.Fatalf("expected payment method to round trip, got %#v", byCart.PaymentMethod)
	}
	if !byCart.Total.Equal(cart.Total) {
		t.Fatalf("expected payment total %s, got %s", cart.Total, byCart.Total)
	}
}

func testConcurrentBind(t *testing.T, store core.MandateStore) {
	ctx := context.Background()
	cart := seedCart(t, store, "cart_1")

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		others    []error
	)
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.BindPayment(ctx, Payment(core.NewMandateID(core.MandateKindPayment), cart, Epoch.Add(time.Duration(i)*time.Second)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, core.ErrStateConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected bind errors: %v", others)
	}
	if winners != 1 || conflicts != attempts-1 {
		t.Fatalf("expected exactly one winner, got winners=%d conflicts=%d", winners, conflicts)
	}
}

func testClaimAndComplete(t *testing.T, store core.MandateStore) {
	ctx := context.Background()
	cart := seedCart(t, store, "cart_1")
	if _, err := store.BindPayment(ctx, Payment("pay_1", cart, Epoch)); err != nil {
		t.Fatalf("bind payment: %v", err)
	}

	claimedAt := Epoch.Add(time.Second)
	claimed, ok, err := store.ClaimExecution(ctx, "pay_1", claimedAt)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok || claimed.ExecutionClaimedAt == nil || !claimed.ExecutionClaimedAt.Equal(claimedAt) {
		t.Fatalf("expected first claim to win, ok=%v claimed=%#v", ok, claimed.ExecutionClaimedAt)
	}
	if _, ok, err := store.ClaimExecution(ctx, "pay_1", claimedAt.Add(time.Second)); err != nil || ok {
		t.Fatalf("expected second claim to lose, ok=%v err=%v", ok, err)
	}

	completedAt := Epoch.Add(time.Minute)
	executed, err := store.CompletePayment(ctx, "pay_1", core.PaymentCompletion{
		State: core.PaymentStateExecuted,
		Result: &core.TaskResult{
			PaymentMandateID: "pay_1",
			ServiceID:        "market-research",
			State:            core.TaskStateCompleted,
			Output:           "report",
			CompletedAt:      completedAt,
		},
		CompletedAt: completedAt,
	})
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	if executed.State != core.PaymentStateExecuted {
		t.Fatalf("expected executed payment, got %s", executed.State)
	}

	loaded, err := store.GetPayment(ctx, "pay_1")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if loaded.Result == nil || loaded.Result.Output != "report" {
		t.Fatalf("expected stored result, got %#v", loaded.Result)
	}
	if loaded.CompletedAt == nil || !loaded.CompletedAt.Equal(completedAt) {
		t.Fatalf("expected completed_at %s, got %v", completedAt, loaded.CompletedAt)
	}

	_, err = store.CompletePayment(ctx, "pay_1", core.PaymentCompletion{
		State:         core.PaymentStateFailed,
		FailureKind:   core.ErrorKindTaskExecutionTimeout,
		FailureDetail: "late",
		CompletedAt:   completedAt.Add(time.Minute),
	})
	if !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("expected completion of terminal payment to conflict, got %v", err)
	}
	if _, ok, err := store.ClaimExecution(ctx, "pay_1", completedAt); err != nil || ok {
		t.Fatalf("expected terminal payment claim to lose, ok=%v err=%v", ok, err)
	}
}

func testStaleListings(t *testing.T, store core.MandateStore) {
	ctx := context.Background()
	if _, err := store.CreateIntent(ctx, Intent("intent_old", Epoch.Add(time.Minute))); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if _, err := store.CreateIntent(ctx, Intent("intent_new", Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	old, err := store.CreateCart(ctx, Cart("cart_old", "intent_old", Epoch.Add(time.Minute)))
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := store.CreateCart(ctx, Cart("cart_new", "intent_new", Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("create cart: %v", err)
	}

	cutoff := Epoch.Add(10 * time.Minute)
	intents, err := store.ListStaleIntents(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list stale intents: %v", err)
	}
	if len(intents) != 1 || intents[0].ID != "intent_old" {
		t.Fatalf("expected only intent_old to be stale, got %#v", intents)
	}
	carts, err := store.ListStaleCarts(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list stale carts: %v", err)
	}
	if len(carts) != 1 || carts[0].ID != "cart_old" {
		t.Fatalf("expected only cart_old to be stale, got %#v", carts)
	}

	if _, err := store.TransitionCart(ctx, old.ID, core.CartStateSigned, core.CartStateExpired, cutoff); err != nil {
		t.Fatalf("expire cart: %v", err)
	}
	if _, err := store.TransitionCart(ctx, old.ID, core.CartStateSigned, core.CartStateExpired, cutoff); !errors.Is(err, core.ErrStateConflict) {
		t.Fatalf("expected repeated expiry to conflict, got %v", err)
	}
	carts, err = store.ListStaleCarts(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list stale carts: %v", err)
	}
	if len(carts) != 0 {
		t.Fatalf("expected expired carts to leave the stale listing, got %d", len(carts))
	}

	fresh, err := store.GetCart(ctx, "cart_new")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if _, err := store.BindPayment(ctx, Payment("pay_old", fresh, Epoch)); err != nil {
		t.Fatalf("bind payment: %v", err)
	}
	payments, err := store.ListStalePayments(ctx, Epoch.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("list stale payments: %v", err)
	}
	if len(payments) != 1 || payments[0].ID != "pay_old" {
		t.Fatalf("expected pay_old to be stale, got %#v", payments)
	}
	payments, err = store.ListStalePayments(ctx, Epoch.Add(-time.Second), 10)
	if err != nil {
		t.Fatalf("list stale payments: %v", err)
	}
	if len(payments) != 0 {
		t.Fatalf("expected no payment authorized before the cutoff, got %d", len(payments))
	}
}

func seedCart(t *testing.T, store core.MandateStore, cartID string) core.CartMandate {
	t.Helper()
	ctx := context.Background()
	intentID := "intent_for_" + cartID
	if _, err := store.CreateIntent(ctx, Intent(intentID, Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cart, err := store.CreateCart(ctx, Cart(cartID, intentID, Epoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	return cart
}
