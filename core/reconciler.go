package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultReconcileInterval = time.Minute
	reconcileFailureDetail   = "reconciled after grace period"
)

// Reconcile fails payments left authorized past the grace period and
// persists lazy expiry for stale intents and carts. Each record is moved with
// a state CAS, so concurrent runs and in-flight executions never double
// transition a mandate.
func (s *Service) Reconcile(ctx context.Context) (result ReconcileResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["failed_payments"] = len(result.FailedPaymentIDs)
		fields["expired_intents"] = len(result.ExpiredIntentIDs)
		fields["expired_carts"] = len(result.ExpiredCartIDs)
		s.observeOperation(ctx, startedAt, "reconcile", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return ReconcileResult{}, err
	}
	result = ReconcileResult{
		FailedPaymentIDs: []string{},
		ExpiredIntentIDs: []string{},
		ExpiredCartIDs:   []string{},
	}

	now := s.now()
	var errs []error
	failed, failErr := s.reconcilePayments(ctx, now)
	result.FailedPaymentIDs = append(result.FailedPaymentIDs, failed...)
	if failErr != nil {
		errs = append(errs, failErr)
	}
	intents, intentErr := s.sweepIntents(ctx, now)
	result.ExpiredIntentIDs = append(result.ExpiredIntentIDs, intents...)
	if intentErr != nil {
		errs = append(errs, intentErr)
	}
	carts, cartErr := s.sweepCarts(ctx, now)
	result.ExpiredCartIDs = append(result.ExpiredCartIDs, carts...)
	if cartErr != nil {
		errs = append(errs, cartErr)
	}

	if len(errs) > 0 {
		err = s.mapError(errors.Join(errs...))
		return result, err
	}
	return result, nil
}

func (s *Service) reconcilePayments(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := now.Add(-s.config.Task.ReconcileGrace)
	stale, err := s.store.ListStalePayments(ctx, cutoff, s.config.Task.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("core: list stale payments: %w", err)
	}
	failed := make([]string, 0, len(stale))
	var errs []error
	for _, payment := range stale {
		reconciled, completeErr := s.store.CompletePayment(ctx, payment.ID, PaymentCompletion{
			State:         PaymentStateFailed,
			FailureKind:   ErrorKindTaskExecutionTimeout,
			FailureDetail: reconcileFailureDetail,
			CompletedAt:   now,
		})
		if completeErr != nil {
			if errors.Is(completeErr, ErrStateConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("core: reconcile payment %s: %w", payment.ID, completeErr))
			continue
		}
		s.logWarn(ctx, "payment reconciled to failed", map[string]any{
			"payment_mandate_id": payment.ID,
			"cart_id":            payment.CartID,
			"pending_since":      PaymentPendingSince(payment),
			"error_kind":         ErrorKindTaskExecutionTimeout,
		})
		s.emit(ctx, paymentEvent(EventPaymentFailed, reconciled, now))
		failed = append(failed, payment.ID)
	}
	return failed, errors.Join(errs...)
}

func (s *Service) sweepIntents(ctx context.Context, now time.Time) ([]string, error) {
	stale, err := s.store.ListStaleIntents(ctx, now, s.config.Task.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("core: list stale intents: %w", err)
	}
	expired := make([]string, 0, len(stale))
	var errs []error
	for _, intent := range stale {
		if !intent.State.CanTransitionTo(IntentStateExpired) {
			continue
		}
		updated, transitionErr := s.store.TransitionIntent(ctx, intent.ID, intent.State, IntentStateExpired, now)
		if transitionErr != nil {
			if errors.Is(transitionErr, ErrStateConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("core: expire intent %s: %w", intent.ID, transitionErr))
			continue
		}
		s.emit(ctx, intentEvent(EventIntentExpired, updated, now))
		expired = append(expired, intent.ID)
	}
	return expired, errors.Join(errs...)
}

func (s *Service) sweepCarts(ctx context.Context, now time.Time) ([]string, error) {
	stale, err := s.store.ListStaleCarts(ctx, now, s.config.Task.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("core: list stale carts: %w", err)
	}
	expired := make([]string, 0, len(stale))
	var errs []error
	for _, cart := range stale {
		updated, transitionErr := s.store.TransitionCart(ctx, cart.ID, CartStateSigned, CartStateExpired, now)
		if transitionErr != nil {
			if errors.Is(transitionErr, ErrStateConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("core: expire cart %s: %w", cart.ID, transitionErr))
			continue
		}
		s.emit(ctx, cartEvent(EventCartExpired, updated, now))
		expired = append(expired, cart.ID)
	}
	return expired, errors.Join(errs...)
}

// RunReconciler calls Reconcile every interval until ctx is done. Failed runs
// are logged and retried on the next tick.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) error {
	if s == nil {
		return fmt.Errorf("core: service is nil")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logWarn(ctx, "reconcile run failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
