package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryMandateStore keeps mandates in process. One mutex serializes every
// read-check-write, which makes each transition linearizable.
type MemoryMandateStore struct {
	mu       sync.Mutex
	intents  map[string]IntentMandate
	carts    map[string]CartMandate
	payments map[string]PaymentMandate
	byCart   map[string]string
}

func NewMemoryMandateStore() *MemoryMandateStore {
	return &MemoryMandateStore{
		intents:  map[string]IntentMandate{},
		carts:    map[string]CartMandate{},
		payments: map[string]PaymentMandate{},
		byCart:   map[string]string{},
	}
}

func (s *MemoryMandateStore) CreateIntent(_ context.Context, intent IntentMandate) (IntentMandate, error) {
	if s == nil {
		return IntentMandate{}, ErrStoreNotWired
	}
	intent.ID = strings.TrimSpace(intent.ID)
	if intent.ID == "" {
		return IntentMandate{}, fmt.Errorf("core: intent id is required")
	}
	if !intent.State.Valid() {
		return IntentMandate{}, fmt.Errorf("%w: unknown state %q", ErrInvalidIntentStateTransition, intent.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intents[intent.ID]; exists {
		return IntentMandate{}, fmt.Errorf("%w: %s", ErrDuplicateMandate, intent.ID)
	}
	intent = normalizeIntentTimes(intent)
	s.intents[intent.ID] = cloneIntent(intent)
	return cloneIntent(intent), nil
}

func (s *MemoryMandateStore) GetIntent(_ context.Context, id string) (IntentMandate, error) {
	if s == nil {
		return IntentMandate{}, ErrStoreNotWired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[strings.TrimSpace(id)]
	if !ok {
		return IntentMandate{}, fmt.Errorf("%w: intent %q", ErrMandateNotFound, id)
	}
	return cloneIntent(intent), nil
}

func (s *MemoryMandateStore) TransitionIntent(
	_ context.Context,
	id string,
	from IntentState,
	to IntentState,
	at time.Time,
) (IntentMandate, error) {
	if s == nil {
		return IntentMandate{}, ErrStoreNotWired
	}
	if !from.CanTransitionTo(to) {
		return IntentMandate{}, fmt.Errorf("%w: %s -> %s", ErrInvalidIntentStateTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[strings.TrimSpace(id)]
	if !ok {
		return IntentMandate{}, fmt.Errorf("%w: intent %q", ErrMandateNotFound, id)
	}
	if intent.State != from {
		return IntentMandate{}, fmt.Errorf("%w: intent %s is %s", ErrStateConflict, intent.ID, intent.State)
	}
	intent.State = to
	intent.UpdatedAt = timestamp(at)
	s.intents[intent.ID] = intent
	return cloneIntent(intent), nil
}

func (s *MemoryMandateStore) ListStaleIntents(_ context.Context, before time.Time, limit int) ([]IntentMandate, error) {
	if s == nil {
		return nil, ErrStoreNotWired
	}
	s.mu.Lock()
	out := make([]IntentMandate, 0)
	for _, intent := range s.intents {
		if intent.State == IntentStateExpired || intent.ExpiresAt.After(before) {
			continue
		}
		out = append(out, cloneIntent(intent))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return limitSlice(out, limit), nil
}

func (s *MemoryMandateStore) CreateCart(_ context.Context, cart CartMandate) (CartMandate, error) {
	if s == nil {
		return CartMandate{}, ErrStoreNotWired
	}
	cart.ID = strings.TrimSpace(cart.ID)
	if cart.ID == "" {
		return CartMandate{}, fmt.Errorf("core: cart id is required")
	}
	if cart.State != CartStateSigned {
		return CartMandate{}, fmt.Errorf("%w: new carts must be %s", ErrInvalidCartStateTransition, CartStateSigned)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.carts[cart.ID]; exists {
		return CartMandate{}, fmt.Errorf("%w: %s", ErrDuplicateMandate, cart.ID)
	}
	intent, ok := s.intents[cart.IntentID]
	if !ok {
		return CartMandate{}, fmt.Errorf("%w: intent %q", ErrMandateNotFound, cart.IntentID)
	}
	cart = normalizeCartTimes(cart)
	for id, existing := range s.carts {
		if existing.IntentID != cart.IntentID || existing.State != CartStateSigned {
			continue
		}
		existing.State = CartStateExpired
		existing.UpdatedAt = cart.CreatedAt
		s.carts[id] = existing
	}
	if intent.State == IntentStateActive {
		intent.State = IntentStateSuperseded
		intent.UpdatedAt = cart.CreatedAt
		s.intents[intent.ID] = intent
	}
	s.carts[cart.ID] = cloneCart(cart)
	return cloneCart(cart), nil
}

func (s *MemoryMandateStore) GetCart(_ context.Context, id string) (CartMandate, error) {
	if s == nil {
		return CartMandate{}, ErrStoreNotWired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[strings.TrimSpace(id)]
	if !ok {
		return CartMandate{}, fmt.Errorf("%w: cart %q", ErrMandateNotFound, id)
	}
	return cloneCart(cart), nil
}

func (s *MemoryMandateStore) ListCartsByIntent(_ context.Context, intentID string) ([]CartMandate, error) {
	if s == nil {
		return nil, ErrStoreNotWired
	}
	s.mu.Lock()
	out := make([]CartMandate, 0)
	for _, cart := range s.carts {
		if cart.IntentID == strings.TrimSpace(intentID) {
			out = append(out, cloneCart(cart))
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryMandateStore) TransitionCart(
	_ context.Context,
	id string,
	from CartState,
	to CartState,
	at time.Time,
) (CartMandate, error) {
	if s == nil {
		return CartMandate{}, ErrStoreNotWired
	}
	if !from.CanTransitionTo(to) {
		return CartMandate{}, fmt.Errorf("%w: %s -> %s", ErrInvalidCartStateTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[strings.TrimSpace(id)]
	if !ok {
		return CartMandate{}, fmt.Errorf("%w: cart %q", ErrMandateNotFound, id)
	}
	if cart.State != from {
		return CartMandate{}, fmt.Errorf("%w: cart %s is %s", ErrStateConflict, cart.ID, cart.State)
	}
	cart.State = to
	cart.UpdatedAt = timestamp(at)
	s.carts[cart.ID] = cart
	return cloneCart(cart), nil
}

func (s *MemoryMandateStore) ListStaleCarts(_ context.Context, before time.Time, limit int) ([]CartMandate, error) {
	if s == nil {
		return nil, ErrStoreNotWired
	}
	s.mu.Lock()
	out := make([]CartMandate, 0)
	for _, cart := range s.carts {
		if cart.State != CartStateSigned || cart.ExpiresAt.After(before) {
			continue
		}
		out = append(out, cloneCart(cart))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return limitSlice(out, limit), nil
}

func (s *MemoryMandateStore) BindPayment(_ context.Context, payment PaymentMandate) (PaymentMandate, error) {
	if s == nil {
		return PaymentMandate{}, ErrStoreNotWired
	}
	payment.ID = strings.TrimSpace(payment.ID)
	if payment.ID == "" {
		return PaymentMandate{}, fmt.Errorf("core: payment id is required")
	}
	if payment.State != PaymentStateAuthorized {
		return PaymentMandate{}, fmt.Errorf("%w: new payments must be %s", ErrInvalidPaymentStateTransition, PaymentStateAuthorized)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[payment.ID]; exists {
		return PaymentMandate{}, fmt.Errorf("%w: %s", ErrDuplicateMandate, payment.ID)
	}
	cart, ok := s.carts[payment.CartID]
	if !ok {
		return PaymentMandate{}, fmt.Errorf("%w: cart %q", ErrMandateNotFound, payment.CartID)
	}
	if cart.State != CartStateSigned {
		return PaymentMandate{}, fmt.Errorf("%w: cart %s is %s", ErrStateConflict, cart.ID, cart.State)
	}
	if _, bound := s.byCart[cart.ID]; bound {
		return PaymentMandate{}, fmt.Errorf("%w: cart %s already has a payment", ErrStateConflict, cart.ID)
	}
	payment = normalizePaymentTimes(payment)
	cart.State = CartStateConsumed
	cart.UpdatedAt = payment.Timestamp
	s.carts[cart.ID] = cart
	s.payments[payment.ID] = clonePayment(payment)
	s.byCart[cart.ID] = payment.ID
	return clonePayment(payment), nil
}

func (s *MemoryMandateStore) GetPayment(_ context.Context, id string) (PaymentMandate, error) {
	if s == nil {
		return PaymentMandate{}, ErrStoreNotWired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[strings.TrimSpace(id)]
	if !ok {
		return PaymentMandate{}, fmt.Errorf("%w: payment %q", ErrMandateNotFound, id)
	}
	return clonePayment(payment), nil
}

func (s *MemoryMandateStore) GetPaymentByCart(_ context.Context, cartID string) (PaymentMandate, error) {
	if s == nil {
		return PaymentMandate{}, ErrStoreNotWired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCart[strings.TrimSpace(cartID)]
	if !ok {
		return PaymentMandate{}, fmt.Errorf("%w: payment for cart %q", ErrMandateNotFound, cartID)
	}
	return clonePayment(s.payments[id]), nil
}

func (s *MemoryMandateStore) ClaimExecution(_ context.Context, id string, at time.Time) (PaymentMandate, bool, error) {
	if s == nil {
		return PaymentMandate{}, false, ErrStoreNotWired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[strings.TrimSpace(id)]
	if !ok {
		return PaymentMandate{}, false, fmt.Errorf("%w: payment %q", ErrMandateNotFound, id)
	}
	if payment.State != PaymentStateAuthorized || payment.ExecutionClaimedAt != nil {
		return clonePayment(payment), false, nil
	}
	payment.ExecutionClaimedAt = timePointer(at)
	payment.UpdatedAt = timestamp(at)
	s.payments[payment.ID] = payment
	return clonePayment(payment), true, nil
}

func (s *MemoryMandateStore) CompletePayment(_ context.Context, id string, completion PaymentCompletion) (PaymentMandate, error) {
	if s == nil {
		return PaymentMandate{}, ErrStoreNotWired
	}
	if err := completion.Validate(); err != nil {
		return PaymentMandate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[strings.TrimSpace(id)]
	if !ok {
		return PaymentMandate{}, fmt.Errorf("%w: payment %q", ErrMandateNotFound, id)
	}
	if payment.State != PaymentStateAuthorized {
		return PaymentMandate{}, fmt.Errorf("%w: payment %s is %s", ErrStateConflict, payment.ID, payment.State)
	}
	payment = applyCompletion(payment, completion)
	s.payments[payment.ID] = payment
	return clonePayment(payment), nil
}

func (s *MemoryMandateStore) ListStalePayments(_ context.Context, before time.Time, limit int) ([]PaymentMandate, error) {
	if s == nil {
		return nil, ErrStoreNotWired
	}
	s.mu.Lock()
	out := make([]PaymentMandate, 0)
	for _, payment := range s.payments {
		if payment.State != PaymentStateAuthorized || PaymentPendingSince(payment).After(before) {
			continue
		}
		out = append(out, clonePayment(payment))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return PaymentPendingSince(out[i]).Before(PaymentPendingSince(out[j]))
	})
	return limitSlice(out, limit), nil
}

// PaymentPendingSince is the instant the reconciler grace period starts for
// an authorized payment: its claim time, else its authorization time.
func PaymentPendingSince(payment PaymentMandate) time.Time {
	if payment.ExecutionClaimedAt != nil {
		return *payment.ExecutionClaimedAt
	}
	return payment.Timestamp
}

// ApplyCompletion copies a validated completion onto payment. Store
// implementations share it so every backend records the same fields.
func ApplyCompletion(payment PaymentMandate, completion PaymentCompletion) PaymentMandate {
	return applyCompletion(payment, completion)
}

func applyCompletion(payment PaymentMandate, completion PaymentCompletion) PaymentMandate {
	payment.State = completion.State
	payment.FailureKind = completion.FailureKind
	payment.FailureDetail = completion.FailureDetail
	payment.CompletedAt = timePointer(completion.CompletedAt)
	payment.UpdatedAt = timestamp(completion.CompletedAt)
	if completion.Result != nil {
		result := *completion.Result
		payment.Result = &result
	}
	return payment
}

func normalizeIntentTimes(intent IntentMandate) IntentMandate {
	intent.CreatedAt = timestamp(intent.CreatedAt)
	intent.ExpiresAt = timestamp(intent.ExpiresAt)
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = intent.CreatedAt
	}
	intent.UpdatedAt = timestamp(intent.UpdatedAt)
	return intent
}

func normalizeCartTimes(cart CartMandate) CartMandate {
	cart.CreatedAt = timestamp(cart.CreatedAt)
	cart.ExpiresAt = timestamp(cart.ExpiresAt)
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = cart.CreatedAt
	}
	cart.UpdatedAt = timestamp(cart.UpdatedAt)
	return cart
}

func normalizePaymentTimes(payment PaymentMandate) PaymentMandate {
	payment.Timestamp = timestamp(payment.Timestamp)
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = payment.Timestamp
	}
	payment.UpdatedAt = timestamp(payment.UpdatedAt)
	return payment
}

func cloneIntent(intent IntentMandate) IntentMandate {
	intent.RequestedServiceIDs = append([]string(nil), intent.RequestedServiceIDs...)
	intent.MerchantIDs = append([]string(nil), intent.MerchantIDs...)
	return intent
}

func cloneCart(cart CartMandate) CartMandate {
	cart.LineItems = append([]LineItem(nil), cart.LineItems...)
	cart.MerchantSignature = append([]byte(nil), cart.MerchantSignature...)
	return cart
}

func clonePayment(payment PaymentMandate) PaymentMandate {
	payment.UserAuthorizationSignature = append([]byte(nil), payment.UserAuthorizationSignature...)
	payment.PaymentMethod = clonePaymentMethod(payment.PaymentMethod)
	if payment.ExecutionClaimedAt != nil {
		claimed := *payment.ExecutionClaimedAt
		payment.ExecutionClaimedAt = &claimed
	}
	if payment.CompletedAt != nil {
		completed := *payment.CompletedAt
		payment.CompletedAt = &completed
	}
	if payment.Result != nil {
		result := *payment.Result
		payment.Result = &result
	}
	return payment
}

func clonePaymentMethod(method PaymentMethod) PaymentMethod {
	if method.Card != nil {
		card := *method.Card
		method.Card = &card
	}
	if method.Bank != nil {
		bank := *method.Bank
		method.Bank = &bank
	}
	if method.Crypto != nil {
		crypto := *method.Crypto
		method.Crypto = &crypto
	}
	return method
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
