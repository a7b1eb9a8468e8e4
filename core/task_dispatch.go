package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Job identifiers understood by queue workers.
const (
	JobIDTaskExecute = "mandates.task.execute"
	JobIDReconcile   = "mandates.reconcile"

	JobParamPaymentMandateID = "payment_mandate_id"
	jobDedupPolicyDrop       = "drop"
)

// InlineDispatcher executes the task before Dispatch returns. The caller's
// cancellation is detached so an aborted request cannot strand the payment.
type InlineDispatcher struct {
	Executor TaskExecutor
}

func (d InlineDispatcher) Dispatch(ctx context.Context, paymentMandateID string) error {
	if d.Executor == nil {
		return ErrDispatchNotWired
	}
	_, err := d.Executor.ExecuteTask(context.WithoutCancel(ctx), paymentMandateID)
	return err
}

// AsyncDispatcher executes each task on its own goroutine.
type AsyncDispatcher struct {
	Executor TaskExecutor
	OnError  func(paymentMandateID string, err error)

	wg sync.WaitGroup
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, paymentMandateID string) error {
	if d == nil || d.Executor == nil {
		return ErrDispatchNotWired
	}
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Executor.ExecuteTask(detached, paymentMandateID); err != nil && d.OnError != nil {
			d.OnError(paymentMandateID, err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched task has returned.
func (d *AsyncDispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// QueueDispatcher hands the payment to a job queue. The payment id doubles as
// the idempotency key so duplicate enqueues collapse.
type QueueDispatcher struct {
	Enqueuer JobEnqueuer
}

func (d QueueDispatcher) Dispatch(ctx context.Context, paymentMandateID string) error {
	if d.Enqueuer == nil {
		return ErrDispatchNotWired
	}
	paymentMandateID = strings.TrimSpace(paymentMandateID)
	if paymentMandateID == "" {
		return fmt.Errorf("core: payment mandate id is required for dispatch")
	}
	return d.Enqueuer.Enqueue(ctx, TaskExecutionJob(paymentMandateID))
}

// ManualDispatcher leaves execution to an explicit SubmitTask call.
type ManualDispatcher struct{}

func (ManualDispatcher) Dispatch(context.Context, string) error {
	return nil
}

func TaskExecutionJob(paymentMandateID string) *JobExecutionMessage {
	return &JobExecutionMessage{
		JobID:          JobIDTaskExecute,
		Parameters:     map[string]any{JobParamPaymentMandateID: paymentMandateID},
		IdempotencyKey: JobIDTaskExecute + ":" + paymentMandateID,
		DedupPolicy:    jobDedupPolicyDrop,
	}
}

func ReconcileJob(runID string) *JobExecutionMessage {
	return &JobExecutionMessage{
		JobID:          JobIDReconcile,
		Parameters:     map[string]any{},
		IdempotencyKey: JobIDReconcile + ":" + strings.TrimSpace(runID),
		DedupPolicy:    jobDedupPolicyDrop,
	}
}

func (s *Service) defaultDispatcher(mode DispatchMode) (TaskDispatcher, error) {
	switch mode {
	case DispatchInline, "":
		return InlineDispatcher{Executor: s}, nil
	case DispatchAsync:
		return &AsyncDispatcher{
			Executor: s,
			OnError: func(paymentMandateID string, err error) {
				s.logWarn(context.Background(), "async task execution ended with error", map[string]any{
					"payment_mandate_id": paymentMandateID,
					"error":              err.Error(),
					"error_kind":         ErrorKind(err),
				})
			},
		}, nil
	case DispatchQueue:
		if s.jobEnqueuer == nil {
			return nil, fmt.Errorf("%w: queue dispatch requires a job enqueuer", ErrDispatchNotWired)
		}
		return QueueDispatcher{Enqueuer: s.jobEnqueuer}, nil
	case DispatchManual:
		return ManualDispatcher{}, nil
	default:
		return nil, fmt.Errorf("core: unsupported task.dispatch %q", mode)
	}
}
