package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventIntentCreated     = "intent.created"
	EventIntentExpired     = "intent.expired"
	EventCartSigned        = "cart.signed"
	EventCartExpired       = "cart.expired"
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentExecuted   = "payment.executed"
	EventPaymentFailed     = "payment.failed"
)

// MandateEvent describes one committed mandate state change.
type MandateEvent struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	MandateKind      MandateKind    `json:"mandate_kind"`
	MandateID        string         `json:"mandate_id"`
	IntentID         string         `json:"intent_id,omitempty"`
	CartID           string         `json:"cart_id,omitempty"`
	PaymentMandateID string         `json:"payment_mandate_id,omitempty"`
	State            string         `json:"state"`
	OccurredAt       time.Time      `json:"occurred_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type LifecycleHook interface {
	Name() string
	OnEvent(ctx context.Context, event MandateEvent) error
}

type lifecycleHookFunc struct {
	name string
	fn   func(ctx context.Context, event MandateEvent) error
}

func (h lifecycleHookFunc) Name() string { return h.name }

func (h lifecycleHookFunc) OnEvent(ctx context.Context, event MandateEvent) error {
	return h.fn(ctx, event)
}

// NewLifecycleHook adapts fn into a named hook.
func NewLifecycleHook(name string, fn func(ctx context.Context, event MandateEvent) error) LifecycleHook {
	if fn == nil {
		return nil
	}
	return lifecycleHookFunc{name: name, fn: fn}
}

// LifecycleHookCoordinator fans committed mandate events out to registered
// hooks. Hooks run after the store write, so a failing hook never rolls back
// a transition.
type LifecycleHookCoordinator struct {
	mu    sync.RWMutex
	hooks []LifecycleHook
}

func NewLifecycleHookCoordinator(hooks ...LifecycleHook) *LifecycleHookCoordinator {
	coordinator := &LifecycleHookCoordinator{hooks: make([]LifecycleHook, 0, len(hooks))}
	for _, hook := range hooks {
		coordinator.Register(hook)
	}
	return coordinator
}

func (c *LifecycleHookCoordinator) Register(hook LifecycleHook) {
	if c == nil || hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

func (c *LifecycleHookCoordinator) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}

// Publish runs every hook in registration order and joins their failures.
func (c *LifecycleHookCoordinator) Publish(ctx context.Context, event MandateEvent) error {
	var hookErr error
	for _, hook := range c.snapshot() {
		if err := hook.OnEvent(ctx, event); err != nil {
			hookErr = errors.Join(hookErr, fmt.Errorf("lifecycle hook %q failed: %w", hookName(hook), err))
		}
	}
	return hookErr
}

func (c *LifecycleHookCoordinator) snapshot() []LifecycleHook {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LifecycleHook, len(c.hooks))
	copy(out, c.hooks)
	return out
}

func hookName(hook LifecycleHook) string {
	if hook == nil {
		return "unknown"
	}
	name := strings.TrimSpace(hook.Name())
	if name == "" {
		return "unnamed"
	}
	return name
}

func (s *Service) emit(ctx context.Context, event MandateEvent) {
	if s == nil || s.lifecycle.Len() == 0 {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.lifecycle.Publish(ctx, event); err != nil {
		s.logWarn(ctx, "lifecycle hook failed", map[string]any{
			"event_type_name": event.Type,
			"mandate_id":      event.MandateID,
			"error":           err.Error(),
		})
	}
}

func intentEvent(eventType string, intent IntentMandate, at time.Time) MandateEvent {
	return MandateEvent{
		Type:        eventType,
		MandateKind: MandateKindIntent,
		MandateID:   intent.ID,
		IntentID:    intent.ID,
		State:       string(intent.State),
		OccurredAt:  at,
	}
}

func cartEvent(eventType string, cart CartMandate, at time.Time) MandateEvent {
	return MandateEvent{
		Type:        eventType,
		MandateKind: MandateKindCart,
		MandateID:   cart.ID,
		IntentID:    cart.IntentID,
		CartID:      cart.ID,
		State:       string(cart.State),
		OccurredAt:  at,
		Metadata: map[string]any{
			"service_id": cart.PrimaryServiceID(),
			"total":      cart.Total.String(),
		},
	}
}

func paymentEvent(eventType string, payment PaymentMandate, at time.Time) MandateEvent {
	event := MandateEvent{
		Type:             eventType,
		MandateKind:      MandateKindPayment,
		MandateID:        payment.ID,
		CartID:           payment.CartID,
		PaymentMandateID: payment.ID,
		State:            string(payment.State),
		OccurredAt:       at,
		Metadata:         map[string]any{"total": payment.Total.String()},
	}
	if payment.FailureKind != "" {
		event.Metadata["failure_kind"] = payment.FailureKind
	}
	return event
}
