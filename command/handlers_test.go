package command

import (
	"context"
	"fmt"
	"testing"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-mandates/core"
)

func TestCreateIntentMandateCommand_ExecuteDelegatesAndStoresResult(t *testing.T) {
	expected := core.IntentMandate{ID: "intent_1", Description: "grow revenue", State: core.IntentStateActive}
	called := false

	svc := stubMutatingService{
		createIntentFn: func(_ context.Context, req core.CreateIntentRequest) (core.IntentMandate, error) {
			called = true
			if req.Description != "grow revenue" || len(req.ServiceIDs) != 1 || req.ServiceIDs[0] != "market-research" {
				t.Fatalf("unexpected intent request: %#v", req)
			}
			return expected, nil
		},
	}

	cmd := NewCreateIntentMandateCommand(svc)
	collector := gocmd.NewResult[core.IntentMandate]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, CreateIntentMandateMessage{Request: core.CreateIntentRequest{
		Description: "grow revenue",
		ServiceIDs:  []string{"market-research"},
	}})
	if err != nil {
		t.Fatalf("execute create intent: %v", err)
	}
	if !called {
		t.Fatalf("expected intent service invocation")
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.ID != expected.ID || result.State != expected.State {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestMutationCommands_DelegateToService(t *testing.T) {
	t.Run("create cart", func(t *testing.T) {
		svc := stubMutatingService{
			createCartFn: func(_ context.Context, req core.CreateCartRequest) (core.CartMandate, error) {
				if req.IntentID != "intent_1" || req.ServiceID != "quick-consult" || req.Quantity != 2 {
					t.Fatalf("unexpected cart request: %#v", req)
				}
				return core.CartMandate{ID: "cart_1", IntentID: req.IntentID, State: core.CartStateSigned}, nil
			},
		}
		collector := gocmd.NewResult[core.CartMandate]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewCreateCartMandateCommand(svc).Execute(ctx, CreateCartMandateMessage{Request: core.CreateCartRequest{
			IntentID:        "intent_1",
			ServiceID:       "quick-consult",
			TaskDescription: "review pricing",
			Quantity:        2,
		}})
		if err != nil {
			t.Fatalf("execute create cart: %v", err)
		}
		stored, ok := collector.Load()
		if !ok || stored.ID != "cart_1" {
			t.Fatalf("expected stored cart, got %#v", stored)
		}
	})

	t.Run("process payment", func(t *testing.T) {
		svc := stubMutatingService{
			processPaymentFn: func(_ context.Context, req core.ProcessPaymentRequest) (core.PaymentMandate, error) {
				if req.CartID != "cart_1" || req.PaymentMethod.Kind != core.PaymentMethodCard {
					t.Fatalf("unexpected payment request: %#v", req)
				}
				return core.PaymentMandate{ID: "pay_1", CartID: req.CartID, State: core.PaymentStateAuthorized}, nil
			},
		}
		collector := gocmd.NewResult[core.PaymentMandate]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewProcessPaymentCommand(svc).Execute(ctx, ProcessPaymentMessage{Request: core.ProcessPaymentRequest{
			CartID:        "cart_1",
			PaymentMethod: core.CardPayment("Ada", "ada@example.com"),
		}})
		if err != nil {
			t.Fatalf("execute process payment: %v", err)
		}
		stored, ok := collector.Load()
		if !ok || stored.State != core.PaymentStateAuthorized {
			t.Fatalf("expected authorized payment, got %#v", stored)
		}
	})

	t.Run("submit task stores failed result with error", func(t *testing.T) {
		failure := core.NewMandateError(core.ErrorKindTaskExecutionFailed, "executor down")
		svc := stubMutatingService{
			submitTaskFn: func(_ context.Context, id string) (core.TaskResult, error) {
				return core.TaskResult{PaymentMandateID: id, State: core.TaskStateFailed}, failure
			},
		}
		collector := gocmd.NewResult[core.TaskResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewSubmitTaskCommand(svc).Execute(ctx, SubmitTaskMessage{PaymentMandateID: "pay_1"})
		if !core.IsErrorKind(err, core.ErrorKindTaskExecutionFailed) {
			t.Fatalf("expected task execution failure, got %v", err)
		}
		stored, ok := collector.Load()
		if !ok || stored.State != core.TaskStateFailed {
			t.Fatalf("expected failed task result, got %#v", stored)
		}
	})

	t.Run("continue task", func(t *testing.T) {
		svc := stubMutatingService{
			continueTaskFn: func(_ context.Context, req core.ContinueTaskRequest) (core.TaskReply, error) {
				if req.PaymentMandateID != "pay_1" || req.Message != "and Spain?" {
					t.Fatalf("unexpected continue request: %#v", req)
				}
				return core.TaskReply{PaymentMandateID: req.PaymentMandateID, Reply: "follow-up"}, nil
			},
		}
		collector := gocmd.NewResult[core.TaskReply]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		err := NewContinueTaskCommand(svc).Execute(ctx, ContinueTaskMessage{Request: core.ContinueTaskRequest{
			PaymentMandateID: "pay_1",
			Message:          "and Spain?",
		}})
		if err != nil {
			t.Fatalf("execute continue task: %v", err)
		}
		stored, ok := collector.Load()
		if !ok || stored.Reply != "follow-up" {
			t.Fatalf("expected task reply, got %#v", stored)
		}
	})

	t.Run("reconcile", func(t *testing.T) {
		svc := stubMutatingService{
			reconcileFn: func(context.Context) (core.ReconcileResult, error) {
				return core.ReconcileResult{FailedPaymentIDs: []string{"pay_stale"}}, nil
			},
		}
		collector := gocmd.NewResult[core.ReconcileResult]()
		ctx := gocmd.ContextWithResult(context.Background(), collector)
		if err := NewReconcileCommand(svc).Execute(ctx, ReconcileMessage{}); err != nil {
			t.Fatalf("execute reconcile: %v", err)
		}
		stored, ok := collector.Load()
		if !ok || len(stored.FailedPaymentIDs) != 1 {
			t.Fatalf("expected reconcile result, got %#v", stored)
		}
	})
}

func TestCommands_PropagateServiceErrorsWithoutStoringResult(t *testing.T) {
	notFound := core.NewMandateError(core.ErrorKindMandateNotFound, "intent not found")
	svc := stubMutatingService{
		createCartFn: func(context.Context, core.CreateCartRequest) (core.CartMandate, error) {
			return core.CartMandate{}, notFound
		},
	}
	collector := gocmd.NewResult[core.CartMandate]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := NewCreateCartMandateCommand(svc).Execute(ctx, CreateCartMandateMessage{Request: core.CreateCartRequest{
		IntentID:  "intent_missing",
		ServiceID: "quick-consult",
	}})
	if !core.IsErrorKind(err, core.ErrorKindMandateNotFound) {
		t.Fatalf("expected mandate not found, got %v", err)
	}
	if _, ok := collector.Load(); ok {
		t.Fatalf("expected no stored result on failure")
	}
}

func TestMessages_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     interface{ Validate() error }
		wantErr bool
	}{
		{name: "intent ok", msg: CreateIntentMandateMessage{Request: core.CreateIntentRequest{Description: "d", ServiceIDs: []string{"quick-consult"}}}},
		{name: "intent blank description", msg: CreateIntentMandateMessage{Request: core.CreateIntentRequest{Description: "  ", ServiceIDs: []string{"quick-consult"}}}, wantErr: true},
		{name: "intent blank service ids", msg: CreateIntentMandateMessage{Request: core.CreateIntentRequest{Description: "d", ServiceIDs: []string{" "}}}, wantErr: true},
		{name: "cart ok", msg: CreateCartMandateMessage{Request: core.CreateCartRequest{IntentID: "intent_1", ServiceID: "quick-consult"}}},
		{name: "cart missing intent", msg: CreateCartMandateMessage{Request: core.CreateCartRequest{ServiceID: "quick-consult"}}, wantErr: true},
		{name: "cart negative quantity", msg: CreateCartMandateMessage{Request: core.CreateCartRequest{IntentID: "intent_1", ServiceID: "quick-consult", Quantity: -1}}, wantErr: true},
		{name: "payment ok", msg: ProcessPaymentMessage{Request: core.ProcessPaymentRequest{CartID: "cart_1", PaymentMethod: core.CardPayment("Ada", "ada@example.com")}}},
		{name: "payment missing cart", msg: ProcessPaymentMessage{Request: core.ProcessPaymentRequest{PaymentMethod: core.CardPayment("Ada", "ada@example.com")}}, wantErr: true},
		{name: "payment missing method", msg: ProcessPaymentMessage{Request: core.ProcessPaymentRequest{CartID: "cart_1"}}, wantErr: true},
		{name: "submit ok", msg: SubmitTaskMessage{PaymentMandateID: "pay_1"}},
		{name: "submit missing id", msg: SubmitTaskMessage{}, wantErr: true},
		{name: "continue ok", msg: ContinueTaskMessage{Request: core.ContinueTaskRequest{PaymentMandateID: "pay_1", Message: "hi"}}},
		{name: "continue blank message", msg: ContinueTaskMessage{Request: core.ContinueTaskRequest{PaymentMandateID: "pay_1", Message: " "}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr != (err != nil) {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if err != nil && !core.IsErrorKind(err, core.ErrorKindInvalidInput) {
				t.Fatalf("expected invalid input kind, got %v", err)
			}
		})
	}
}

type stubMutatingService struct {
	createIntentFn   func(context.Context, core.CreateIntentRequest) (core.IntentMandate, error)
	createCartFn     func(context.Context, core.CreateCartRequest) (core.CartMandate, error)
	processPaymentFn func(context.Context, core.ProcessPaymentRequest) (core.PaymentMandate, error)
	submitTaskFn     func(context.Context, string) (core.TaskResult, error)
	continueTaskFn   func(context.Context, core.ContinueTaskRequest) (core.TaskReply, error)
	reconcileFn      func(context.Context) (core.ReconcileResult, error)
}

func (s stubMutatingService) CreateIntentMandate(ctx context.Context, req core.CreateIntentRequest) (core.IntentMandate, error) {
	if s.createIntentFn == nil {
		return core.IntentMandate{}, fmt.Errorf("create intent not configured")
	}
	return s.createIntentFn(ctx, req)
}

func (s stubMutatingService) CreateCartMandate(ctx context.Context, req core.CreateCartRequest) (core.CartMandate, error) {
	if s.createCartFn == nil {
		return core.CartMandate{}, fmt.Errorf("create cart not configured")
	}
	return s.createCartFn(ctx, req)
}

func (s stubMutatingService) ProcessPayment(ctx context.Context, req core.ProcessPaymentRequest) (core.PaymentMandate, error) {
	if s.processPaymentFn == nil {
		return core.PaymentMandate{}, fmt.Errorf("process payment not configured")
	}
	return s.processPaymentFn(ctx, req)
}

func (s stubMutatingService) SubmitTask(ctx context.Context, paymentMandateID string) (core.TaskResult, error) {
	if s.submitTaskFn == nil {
		return core.TaskResult{}, fmt.Errorf("submit task not configured")
	}
	return s.submitTaskFn(ctx, paymentMandateID)
}

func (s stubMutatingService) ContinueTask(ctx context.Context, req core.ContinueTaskRequest) (core.TaskReply, error) {
	if s.continueTaskFn == nil {
		return core.TaskReply{}, fmt.Errorf("continue task not configured")
	}
	return s.continueTaskFn(ctx, req)
}

func (s stubMutatingService) Reconcile(ctx context.Context) (core.ReconcileResult, error) {
	if s.reconcileFn == nil {
		return core.ReconcileResult{}, fmt.Errorf("reconcile not configured")
	}
	return s.reconcileFn(ctx)
}

var _ MutatingService = stubMutatingService{}
