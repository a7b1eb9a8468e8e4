package command

import (
	"strings"

	"github.com/goliatone/go-mandates/core"
)

const (
	TypeCreateIntentMandate = "mandates.command.intent.create"
	TypeCreateCartMandate   = "mandates.command.cart.create"
	TypeProcessPayment      = "mandates.command.payment.process"
	TypeSubmitTask          = "mandates.command.task.submit"
	TypeContinueTask        = "mandates.command.task.continue"
	TypeReconcile           = "mandates.command.reconcile"
)

type CreateIntentMandateMessage struct {
	Request core.CreateIntentRequest
}

func (CreateIntentMandateMessage) Type() string { return TypeCreateIntentMandate }

func (m CreateIntentMandateMessage) Validate() error {
	if strings.TrimSpace(m.Request.Description) == "" {
		return commandValidationError("description", "description is required")
	}
	for _, serviceID := range m.Request.ServiceIDs {
		if strings.TrimSpace(serviceID) != "" {
			return nil
		}
	}
	return commandValidationError("service_ids", "at least one service id is required")
}

type CreateCartMandateMessage struct {
	Request core.CreateCartRequest
}

func (CreateCartMandateMessage) Type() string { return TypeCreateCartMandate }

func (m CreateCartMandateMessage) Validate() error {
	if strings.TrimSpace(m.Request.IntentID) == "" {
		return commandValidationError("intent_id", "intent mandate id is required")
	}
	if strings.TrimSpace(m.Request.ServiceID) == "" {
		return commandValidationError("service_id", "service id is required")
	}
	if m.Request.Quantity < 0 {
		return commandValidationError("quantity", "quantity must be >= 0")
	}
	return nil
}

type ProcessPaymentMessage struct {
	Request core.ProcessPaymentRequest
}

func (ProcessPaymentMessage) Type() string { return TypeProcessPayment }

func (m ProcessPaymentMessage) Validate() error {
	if strings.TrimSpace(m.Request.CartID) == "" {
		return commandValidationError("cart_id", "cart mandate id is required")
	}
	if strings.TrimSpace(string(m.Request.PaymentMethod.Kind)) == "" {
		return commandValidationError("payment_method.kind", "payment method kind is required")
	}
	return nil
}

type SubmitTaskMessage struct {
	PaymentMandateID string
}

func (SubmitTaskMessage) Type() string { return TypeSubmitTask }

func (m SubmitTaskMessage) Validate() error {
	if strings.TrimSpace(m.PaymentMandateID) == "" {
		return commandValidationError("payment_mandate_id", "payment mandate id is required")
	}
	return nil
}

type ContinueTaskMessage struct {
	Request core.ContinueTaskRequest
}

func (ContinueTaskMessage) Type() string { return TypeContinueTask }

func (m ContinueTaskMessage) Validate() error {
	if strings.TrimSpace(m.Request.PaymentMandateID) == "" {
		return commandValidationError("payment_mandate_id", "payment mandate id is required")
	}
	if strings.TrimSpace(m.Request.Message) == "" {
		return commandValidationError("message", "message text is required")
	}
	return nil
}

type ReconcileMessage struct{}

func (ReconcileMessage) Type() string { return TypeReconcile }
