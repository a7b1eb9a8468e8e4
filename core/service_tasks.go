package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type backendOutcome struct {
	result TaskResult
	err    error
}

// ExecuteTask runs the backend for an authorized payment at most once. A
// durable claim on the payment guards against duplicate dispatch; repeated
// calls observe the stored outcome instead of invoking the backend again.
func (s *Service) ExecuteTask(ctx context.Context, paymentMandateID string) (result TaskResult, err error) {
	startedAt := time.Now().UTC()
	paymentMandateID = strings.TrimSpace(paymentMandateID)
	fields := map[string]any{
		"mandate_kind":       string(MandateKindPayment),
		"payment_mandate_id": paymentMandateID,
	}
	defer func() {
		if result.State != "" {
			fields["task_state"] = string(result.State)
		}
		if result.ServiceID != "" {
			fields["service_id"] = result.ServiceID
		}
		s.observeOperation(ctx, startedAt, "execute_task", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return TaskResult{}, err
	}
	if paymentMandateID == "" {
		err = s.kindError(ErrorKindInvalidInput, "payment mandate id is required", nil)
		return TaskResult{}, err
	}
	payment, err := s.store.GetPayment(ctx, paymentMandateID)
	if err != nil {
		err = s.mapError(err)
		return TaskResult{}, err
	}
	if payment.State.Terminal() {
		return s.storedOutcome(payment)
	}
	if s.backend == nil {
		err = s.mapError(ErrBackendNotWired)
		return TaskResult{}, err
	}

	claimed, ok, err := s.store.ClaimExecution(ctx, payment.ID, s.now())
	if err != nil {
		err = s.mapError(err)
		return TaskResult{}, err
	}
	if !ok {
		if claimed.State.Terminal() {
			return s.storedOutcome(claimed)
		}
		fields["claim"] = "lost"
		return TaskResult{PaymentMandateID: claimed.ID, State: TaskStateRunning}, nil
	}

	spec, err := s.taskSpec(ctx, claimed)
	if err != nil {
		result, err = s.failPayment(ctx, claimed, ErrorKindTaskExecutionFailed, err.Error(), nil)
		return result, err
	}
	fields["service_id"] = spec.ServiceID

	outcome := s.runBackend(ctx, spec)
	if outcome.err != nil {
		kind := ErrorKindTaskExecutionFailed
		if errors.Is(outcome.err, context.DeadlineExceeded) {
			kind = ErrorKindTaskExecutionTimeout
		}
		result, err = s.failPayment(ctx, claimed, kind, outcome.err.Error(), map[string]any{"service_id": spec.ServiceID})
		return result, err
	}

	completedAt := s.now()
	taskResult := outcome.result
	taskResult.PaymentMandateID = claimed.ID
	if taskResult.ServiceID == "" {
		taskResult.ServiceID = spec.ServiceID
	}
	taskResult.State = TaskStateCompleted
	taskResult.CompletedAt = completedAt

	executed, err := s.store.CompletePayment(ctx, claimed.ID, PaymentCompletion{
		State:       PaymentStateExecuted,
		Result:      &taskResult,
		CompletedAt: completedAt,
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return s.reloadOutcome(ctx, claimed.ID)
		}
		err = s.mapError(err)
		return TaskResult{}, err
	}
	s.emit(ctx, paymentEvent(EventPaymentExecuted, executed, completedAt))
	if executed.Result != nil {
		return *executed.Result, nil
	}
	return taskResult, nil
}

// SubmitTask is the method-table entry point for ExecuteTask.
func (s *Service) SubmitTask(ctx context.Context, paymentMandateID string) (TaskResult, error) {
	return s.ExecuteTask(ctx, paymentMandateID)
}

// ContinueTask answers a follow-up message on an executed task through the
// backend's conversation support. The payment is left untouched.
func (s *Service) ContinueTask(ctx context.Context, req ContinueTaskRequest) (reply TaskReply, err error) {
	startedAt := time.Now().UTC()
	paymentMandateID := strings.TrimSpace(req.PaymentMandateID)
	fields := map[string]any{
		"mandate_kind":       string(MandateKindPayment),
		"payment_mandate_id": paymentMandateID,
	}
	defer func() {
		if reply.ServiceID != "" {
			fields["service_id"] = reply.ServiceID
		}
		s.observeOperation(ctx, startedAt, "continue_task", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return TaskReply{}, err
	}
	message := strings.TrimSpace(req.Message)
	if paymentMandateID == "" || message == "" {
		err = s.kindError(ErrorKindInvalidInput, "payment mandate id and message are required", nil)
		return TaskReply{}, err
	}
	payment, err := s.store.GetPayment(ctx, paymentMandateID)
	if err != nil {
		err = s.mapError(err)
		return TaskReply{}, err
	}
	if payment.State != PaymentStateExecuted {
		err = s.kindError(
			ErrorKindInvalidInput,
			fmt.Sprintf("task for payment %s has not completed", payment.ID),
			map[string]any{"payment_mandate_id": payment.ID, "payment_state": string(payment.State)},
		)
		return TaskReply{}, err
	}
	conversation, ok := s.backend.(ConversationBackend)
	if !ok {
		err = s.kindError(ErrorKindTaskExecutionFailed, "task backend does not answer follow-up messages", map[string]any{"payment_mandate_id": payment.ID})
		return TaskReply{}, err
	}
	spec, err := s.taskSpec(ctx, payment)
	if err != nil {
		err = s.mapError(err)
		return TaskReply{}, err
	}
	conv := TaskConversation{Spec: spec, Message: message}
	if payment.Result != nil {
		conv.PriorOutput = payment.Result.Output
	}

	replyCtx, cancel := context.WithTimeout(ctx, s.config.Task.Timeout)
	defer cancel()
	text, err := conversation.Continue(replyCtx, conv)
	if err != nil {
		kind := ErrorKindTaskExecutionFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrorKindTaskExecutionTimeout
		}
		err = s.wrapKindError(err, kind, map[string]any{"payment_mandate_id": payment.ID, "service_id": spec.ServiceID})
		return TaskReply{}, err
	}
	return TaskReply{
		PaymentMandateID: payment.ID,
		ServiceID:        spec.ServiceID,
		State:            TaskStateCompleted,
		Reply:            text,
		RepliedAt:        s.now(),
	}, nil
}

func (s *Service) GetTaskStatus(ctx context.Context, paymentMandateID string) (status TaskStatus, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"payment_mandate_id": strings.TrimSpace(paymentMandateID)}
	defer func() {
		if status.State != "" {
			fields["task_state"] = string(status.State)
		}
		s.observeOperation(ctx, startedAt, "get_task_status", err, fields)
	}()

	if err = s.requireStore(); err != nil {
		return TaskStatus{}, err
	}
	payment, err := s.store.GetPayment(ctx, paymentMandateID)
	if err != nil {
		err = s.mapError(err)
		return TaskStatus{}, err
	}
	return TaskStatusOf(payment), nil
}

// runBackend bounds the backend call by the configured task timeout. A result
// arriving after the deadline is dropped.
func (s *Service) runBackend(ctx context.Context, spec TaskSpec) backendOutcome {
	execCtx, cancel := context.WithTimeout(ctx, s.config.Task.Timeout)
	defer cancel()

	done := make(chan backendOutcome, 1)
	go func() {
		result, err := s.backend.Execute(execCtx, spec)
		done <- backendOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-execCtx.Done():
		cause := execCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			return backendOutcome{err: fmt.Errorf("task execution exceeded %s: %w", s.config.Task.Timeout, cause)}
		}
		return backendOutcome{err: fmt.Errorf("task execution cancelled: %w", cause)}
	}
}

func (s *Service) taskSpec(ctx context.Context, payment PaymentMandate) (TaskSpec, error) {
	cart, err := s.store.GetCart(ctx, payment.CartID)
	if err != nil {
		return TaskSpec{}, fmt.Errorf("cart %s unavailable: %w", payment.CartID, err)
	}
	spec := TaskSpec{
		PaymentMandateID: payment.ID,
		CartID:           cart.ID,
		IntentID:         cart.IntentID,
		ServiceID:        cart.PrimaryServiceID(),
		TaskDescription:  cart.TaskDescription,
		Quantity:         cart.Quantity(),
		Total:            payment.Total,
	}
	if s.catalog != nil && spec.ServiceID != "" {
		if entry, lookupErr := s.catalog.Lookup(ctx, spec.ServiceID); lookupErr == nil {
			spec.Prompt = entry.Prompt
		}
	}
	return spec, nil
}

// failPayment records a terminal failure and returns the matching kind error.
// When another writer completed the payment first, its outcome is returned.
func (s *Service) failPayment(
	ctx context.Context,
	payment PaymentMandate,
	kind string,
	detail string,
	metadata map[string]any,
) (TaskResult, error) {
	completedAt := s.now()
	failed, err := s.store.CompletePayment(ctx, payment.ID, PaymentCompletion{
		State:         PaymentStateFailed,
		FailureKind:   kind,
		FailureDetail: detail,
		CompletedAt:   completedAt,
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			return s.reloadOutcome(ctx, payment.ID)
		}
		return TaskResult{}, s.mapError(err)
	}
	s.emit(ctx, paymentEvent(EventPaymentFailed, failed, completedAt))
	metadata = cloneFields(metadata)
	metadata["payment_mandate_id"] = failed.ID
	result := TaskResult{
		PaymentMandateID: failed.ID,
		State:            TaskStateFailed,
		CompletedAt:      completedAt,
	}
	return result, s.kindError(kind, detail, metadata)
}

// reloadOutcome reports whatever a concurrent writer stored first.
func (s *Service) reloadOutcome(ctx context.Context, paymentMandateID string) (TaskResult, error) {
	current, err := s.store.GetPayment(ctx, paymentMandateID)
	if err != nil {
		return TaskResult{}, s.mapError(err)
	}
	if !current.State.Terminal() {
		return TaskResult{PaymentMandateID: current.ID, State: TaskStateRunning}, nil
	}
	return s.storedOutcome(current)
}

func (s *Service) storedOutcome(payment PaymentMandate) (TaskResult, error) {
	if payment.State == PaymentStateExecuted {
		if payment.Result != nil {
			return *payment.Result, nil
		}
		result := TaskResult{PaymentMandateID: payment.ID, State: TaskStateCompleted}
		if payment.CompletedAt != nil {
			result.CompletedAt = *payment.CompletedAt
		}
		return result, nil
	}
	result := TaskResult{PaymentMandateID: payment.ID, State: TaskStateFailed}
	if payment.CompletedAt != nil {
		result.CompletedAt = *payment.CompletedAt
	}
	kind := payment.FailureKind
	if kind == "" {
		kind = ErrorKindTaskExecutionFailed
	}
	detail := payment.FailureDetail
	if detail == "" {
		detail = fmt.Sprintf("task for payment %s failed", payment.ID)
	}
	return result, s.kindError(kind, detail, map[string]any{"payment_mandate_id": payment.ID})
}
