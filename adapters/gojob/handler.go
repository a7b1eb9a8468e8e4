package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
)

const defaultRetryDelay = 5 * time.Second

var (
	ErrUnknownJob   = errors.New("gojob: unknown job id")
	ErrMalformedJob = errors.New("gojob: malformed job parameters")
)

// MandateRunner is the slice of core.Service the job handler drives.
type MandateRunner interface {
	core.TaskExecutor
	Reconcile(ctx context.Context) (core.ReconcileResult, error)
}

// JobHandler runs mandate jobs pulled off a go-job queue.
type JobHandler struct {
	runner     MandateRunner
	hook       core.JobWorkerHook
	logger     core.Logger
	retryDelay time.Duration
	now        func() time.Time
}

type HandlerOption func(*JobHandler)

func WithWorkerHook(hook core.JobWorkerHook) HandlerOption {
	return func(h *JobHandler) {
		h.hook = hook
	}
}

func WithHandlerLogger(logger core.Logger) HandlerOption {
	return func(h *JobHandler) {
		h.logger = logger
	}
}

func WithRetryDelay(delay time.Duration) HandlerOption {
	return func(h *JobHandler) {
		if delay >= 0 {
			h.retryDelay = delay
		}
	}
}

func NewJobHandler(runner MandateRunner, opts ...HandlerOption) (*JobHandler, error) {
	if runner == nil {
		return nil, fmt.Errorf("gojob: mandate runner is required")
	}
	handler := &JobHandler{
		runner:     runner,
		retryDelay: defaultRetryDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}
	return handler, nil
}

// NewQueueDispatcher wires a go-job enqueuer as the service task dispatcher.
func NewQueueDispatcher(enqueuer *Enqueuer) core.QueueDispatcher {
	return core.QueueDispatcher{Enqueuer: enqueuer}
}

// Handle runs one job message.
func (h *JobHandler) Handle(ctx context.Context, msg *core.JobExecutionMessage) error {
	if h == nil || h.runner == nil {
		return fmt.Errorf("gojob: job handler is not configured")
	}
	if msg == nil {
		return fmt.Errorf("%w: empty message", ErrUnknownJob)
	}
	switch strings.TrimSpace(msg.JobID) {
	case JobIDTaskExecute:
		paymentMandateID, err := PaymentMandateID(msg)
		if err != nil {
			return err
		}
		_, err = h.runner.ExecuteTask(ctx, paymentMandateID)
		return err
	case JobIDReconcile:
		result, err := h.runner.Reconcile(ctx)
		if err != nil {
			return err
		}
		if h.logger != nil {
			h.logger.Info("reconcile job finished",
				"failed_payments", len(result.FailedPaymentIDs),
				"expired_intents", len(result.ExpiredIntentIDs),
				"expired_carts", len(result.ExpiredCartIDs),
			)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJob, msg.JobID)
	}
}

// ProcessNext dequeues one delivery, runs it and settles it. attempt is the
// delivery attempt as tracked by the caller's worker loop.
func (h *JobHandler) ProcessNext(ctx context.Context, dequeuer core.JobDequeuer, attempt int) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is required")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	return h.Settle(ctx, delivery, attempt)
}

// Settle runs the delivery's job then acks or nacks it. Task failures are
// recorded on the payment, so they are acked. Malformed jobs and unknown
// mandates are dead-lettered. Anything else is requeued.
func (h *JobHandler) Settle(ctx context.Context, delivery core.JobDelivery, attempt int) error {
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	msg := delivery.Message()
	event := core.JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: h.now()}
	h.notify(ctx, "start", event)

	runErr := h.Handle(ctx, msg)
	event.Duration = h.now().Sub(event.StartedAt)
	event.Err = runErr

	switch {
	case runErr == nil:
		if err := delivery.Ack(ctx); err != nil {
			return err
		}
		h.notify(ctx, "success", event)
		return nil
	case recordedTaskFailure(runErr):
		if err := delivery.Ack(ctx); err != nil {
			return err
		}
		h.notify(ctx, "failure", event)
		return nil
	case permanentJobFailure(runErr):
		if err := nack(ctx, delivery, core.JobNackOptions{DeadLetter: true, Reason: runErr.Error()}, attempt); err != nil {
			return err
		}
		h.notify(ctx, "failure", event)
		return runErr
	default:
		event.Delay = h.retryDelay
		if err := nack(ctx, delivery, core.JobNackOptions{Requeue: true, Delay: h.retryDelay, Reason: runErr.Error()}, attempt); err != nil {
			return err
		}
		h.notify(ctx, "retry", event)
		return runErr
	}
}

// PaymentMandateID reads the payment id parameter of a task execution job.
func PaymentMandateID(msg *core.JobExecutionMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: execution message is required", ErrMalformedJob)
	}
	raw, ok := msg.Parameters[core.JobParamPaymentMandateID]
	if !ok {
		return "", fmt.Errorf("%w: job %q missing %s", ErrMalformedJob, msg.JobID, core.JobParamPaymentMandateID)
	}
	id, ok := raw.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: job %q has invalid %s", ErrMalformedJob, msg.JobID, core.JobParamPaymentMandateID)
	}
	return strings.TrimSpace(id), nil
}

func (h *JobHandler) notify(ctx context.Context, phase string, event core.JobWorkerEvent) {
	if h.logger != nil && event.Err != nil {
		jobID := ""
		if event.Message != nil {
			jobID = event.Message.JobID
		}
		h.logger.Warn("mandate job "+phase, "job_id", jobID, "attempt", event.Attempt, "error", event.Err)
	}
	if h.hook == nil {
		return
	}
	switch phase {
	case "start":
		h.hook.OnStart(ctx, event)
	case "success":
		h.hook.OnSuccess(ctx, event)
	case "failure":
		h.hook.OnFailure(ctx, event)
	case "retry":
		h.hook.OnRetry(ctx, event)
	}
}

func nack(ctx context.Context, delivery core.JobDelivery, opts core.JobNackOptions, attempt int) error {
	if bounded, ok := delivery.(interface {
		NackForAttempt(context.Context, core.JobNackOptions, int) error
	}); ok {
		return bounded.NackForAttempt(ctx, opts, attempt)
	}
	return delivery.Nack(ctx, opts)
}

func recordedTaskFailure(err error) bool {
	kind := core.ErrorKind(err)
	return kind == core.ErrorKindTaskExecutionFailed || kind == core.ErrorKindTaskExecutionTimeout
}

func permanentJobFailure(err error) bool {
	if errors.Is(err, ErrUnknownJob) || errors.Is(err, ErrMalformedJob) {
		return true
	}
	switch core.ErrorKind(err) {
	case core.ErrorKindInvalidInput, core.ErrorKindMandateNotFound:
		return true
	}
	return false
}
