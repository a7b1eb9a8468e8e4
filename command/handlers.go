package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-mandates/core"
)

// MutatingService is the write side of the mandate method table.
type MutatingService interface {
	CreateIntentMandate(ctx context.Context, req core.CreateIntentRequest) (core.IntentMandate, error)
	CreateCartMandate(ctx context.Context, req core.CreateCartRequest) (core.CartMandate, error)
	ProcessPayment(ctx context.Context, req core.ProcessPaymentRequest) (core.PaymentMandate, error)
	SubmitTask(ctx context.Context, paymentMandateID string) (core.TaskResult, error)
	ContinueTask(ctx context.Context, req core.ContinueTaskRequest) (core.TaskReply, error)
	Reconcile(ctx context.Context) (core.ReconcileResult, error)
}

type CreateIntentMandateCommand struct {
	service MutatingService
}

func NewCreateIntentMandateCommand(service MutatingService) *CreateIntentMandateCommand {
	return &CreateIntentMandateCommand{service: service}
}

func (c *CreateIntentMandateCommand) Execute(ctx context.Context, msg CreateIntentMandateMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: intent mandate service is required")
	}
	out, err := c.service.CreateIntentMandate(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CreateCartMandateCommand struct {
	service MutatingService
}

func NewCreateCartMandateCommand(service MutatingService) *CreateCartMandateCommand {
	return &CreateCartMandateCommand{service: service}
}

func (c *CreateCartMandateCommand) Execute(ctx context.Context, msg CreateCartMandateMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: cart mandate service is required")
	}
	out, err := c.service.CreateCartMandate(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ProcessPaymentCommand struct {
	service MutatingService
}

func NewProcessPaymentCommand(service MutatingService) *ProcessPaymentCommand {
	return &ProcessPaymentCommand{service: service}
}

func (c *ProcessPaymentCommand) Execute(ctx context.Context, msg ProcessPaymentMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: payment mandate service is required")
	}
	out, err := c.service.ProcessPayment(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SubmitTaskCommand struct {
	service MutatingService
}

func NewSubmitTaskCommand(service MutatingService) *SubmitTaskCommand {
	return &SubmitTaskCommand{service: service}
}

// Execute stores the task result even when the task failed, so callers see
// the failed state next to the error.
func (c *SubmitTaskCommand) Execute(ctx context.Context, msg SubmitTaskMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: task service is required")
	}
	out, err := c.service.SubmitTask(ctx, msg.PaymentMandateID)
	if out.PaymentMandateID != "" {
		storeResult(ctx, out)
	}
	return err
}

type ContinueTaskCommand struct {
	service MutatingService
}

func NewContinueTaskCommand(service MutatingService) *ContinueTaskCommand {
	return &ContinueTaskCommand{service: service}
}

func (c *ContinueTaskCommand) Execute(ctx context.Context, msg ContinueTaskMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: task service is required")
	}
	out, err := c.service.ContinueTask(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ReconcileCommand struct {
	service MutatingService
}

func NewReconcileCommand(service MutatingService) *ReconcileCommand {
	return &ReconcileCommand{service: service}
}

func (c *ReconcileCommand) Execute(ctx context.Context, _ ReconcileMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reconcile service is required")
	}
	out, err := c.service.Reconcile(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
