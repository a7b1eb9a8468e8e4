package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconcile_FailsStalePaymentsAndSweepsExpiredMandates(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, manualConfig())

	paidIntent := h.intent(t)
	payment := h.pay(t, h.cart(t, paidIntent.ID, "market-research"))
	openIntent := h.intent(t, "quick-consult")
	openCart := h.cart(t, openIntent.ID, "quick-consult")

	result, err := h.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(result.FailedPaymentIDs)+len(result.ExpiredIntentIDs)+len(result.ExpiredCartIDs) != 0 {
		t.Fatalf("expected nothing to reconcile inside the grace period, got %#v", result)
	}

	h.clock.Advance(2 * time.Hour)
	result, err = h.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(result.FailedPaymentIDs) != 1 || result.FailedPaymentIDs[0] != payment.ID {
		t.Fatalf("expected stale payment to be failed, got %#v", result.FailedPaymentIDs)
	}
	if len(result.ExpiredIntentIDs) != 2 {
		t.Fatalf("expected both intents to expire, got %#v", result.ExpiredIntentIDs)
	}
	if len(result.ExpiredCartIDs) != 1 || result.ExpiredCartIDs[0] != openCart.ID {
		t.Fatalf("expected the unpaid cart to expire, got %#v", result.ExpiredCartIDs)
	}

	status, err := h.svc.GetTaskStatus(ctx, payment.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status.FailureKind != ErrorKindTaskExecutionTimeout || status.FailureDetail != reconcileFailureDetail {
		t.Fatalf("unexpected reconciled status %#v", status)
	}

	_, err = h.svc.ExecuteTask(ctx, payment.ID)
	requireKind(t, err, ErrorKindTaskExecutionTimeout)
	if h.backend.calls.Load() != 0 {
		t.Fatalf("expected reconciled payment never to reach the backend")
	}

	again, err := h.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(again.FailedPaymentIDs)+len(again.ExpiredIntentIDs)+len(again.ExpiredCartIDs) != 0 {
		t.Fatalf("expected a second run to find nothing, got %#v", again)
	}
}

func TestReconcile_UsesClaimTimeForGrace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMandateStore()
	h := newTestHarness(t, manualConfig(), WithMandateStore(store))
	payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

	h.clock.Advance(10 * time.Minute)
	if _, ok, err := store.ClaimExecution(ctx, payment.ID, h.clock.Now()); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	h.clock.Advance(10 * time.Minute)

	result, err := h.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(result.FailedPaymentIDs) != 0 {
		t.Fatalf("expected claimed payment inside its grace period to survive, got %#v", result.FailedPaymentIDs)
	}

	h.clock.Advance(10 * time.Minute)
	result, err = h.svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(result.FailedPaymentIDs) != 1 {
		t.Fatalf("expected stale claim to be failed, got %#v", result.FailedPaymentIDs)
	}
}

func TestRunReconciler_StopsWithContext(t *testing.T) {
	h := newTestHarness(t, manualConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := h.svc.RunReconciler(ctx, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
