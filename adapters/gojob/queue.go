package gojob

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-mandates/core"
)

const (
	JobIDTaskExecute = core.JobIDTaskExecute
	JobIDReconcile   = core.JobIDReconcile
)

// RetryPolicy bounds how often a failed mandate job goes back on the queue.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// DefaultRetryPolicy retries a job three times, at most a minute apart, then
// dead-letters it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, MaxDelay: time.Minute, DeadLetterOnMax: true}
}

func (p RetryPolicy) bound(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	out.Delay = max(out.Delay, 0)
	if p.MaxDelay > 0 {
		out.Delay = min(out.Delay, p.MaxDelay)
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		out.DeadLetter = out.DeadLetter || p.DeadLetterOnMax
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// EncodeJob maps a mandate job onto a go-job message. A missing idempotency
// key is derived from the job id and payment mandate id, so a payment is
// never queued twice.
func EncodeJob(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	out := &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParams(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
	if out.IdempotencyKey == "" && out.JobID == JobIDTaskExecute {
		if paymentID, ok := out.Parameters[core.JobParamPaymentMandateID].(string); ok && strings.TrimSpace(paymentID) != "" {
			out.IdempotencyKey = JobIDTaskExecute + ":" + strings.TrimSpace(paymentID)
		}
	}
	return out
}

// DecodeJob maps a go-job message back to the mandate job contract.
func DecodeJob(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParams(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// Enqueuer puts mandate jobs on a go-job queue.
type Enqueuer struct {
	queue queue.Enqueuer
}

func NewEnqueuer(q queue.Enqueuer) *Enqueuer {
	return &Enqueuer{queue: q}
}

func (e *Enqueuer) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if e == nil || e.queue == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return e.queue.Enqueue(ctx, EncodeJob(msg))
}

func (e *Enqueuer) EnqueueTask(ctx context.Context, paymentMandateID string) error {
	paymentMandateID = strings.TrimSpace(paymentMandateID)
	if paymentMandateID == "" {
		return fmt.Errorf("%w: payment mandate id is required", ErrMalformedJob)
	}
	return e.Enqueue(ctx, core.TaskExecutionJob(paymentMandateID))
}

// EnqueueReconcile queues one reconcile pass; runID dedups repeated triggers.
func (e *Enqueuer) EnqueueReconcile(ctx context.Context, runID string) error {
	return e.Enqueue(ctx, core.ReconcileJob(runID))
}

// Delivery is one dequeued mandate job. Nacks are bounded by the policy.
type Delivery struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDelivery(delivery queue.Delivery, policy RetryPolicy) *Delivery {
	return &Delivery{delivery: delivery, policy: policy}
}

func (d *Delivery) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return DecodeJob(d.delivery.Message())
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

func (d *Delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, 0)
}

func (d *Delivery) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	bounded := d.policy.bound(opts, attempt)
	return d.delivery.Nack(ctx, queue.NackOptions{
		Delay:      bounded.Delay,
		Requeue:    bounded.Requeue,
		DeadLetter: bounded.DeadLetter,
		Reason:     bounded.Reason,
	})
}

type Dequeuer struct {
	queue  queue.Dequeuer
	policy RetryPolicy
}

func NewDequeuer(q queue.Dequeuer, policy RetryPolicy) *Dequeuer {
	return &Dequeuer{queue: q, policy: policy}
}

func (d *Dequeuer) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if d == nil || d.queue == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := d.queue.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return NewDelivery(delivery, d.policy), nil
}

// WorkerHook forwards go-job worker events to a mandate job hook.
type WorkerHook struct {
	hook core.JobWorkerHook
}

func NewWorkerHook(hook core.JobWorkerHook) *WorkerHook {
	return &WorkerHook{hook: hook}
}

func (w *WorkerHook) OnStart(ctx context.Context, event worker.Event) {
	if w != nil && w.hook != nil {
		w.hook.OnStart(ctx, workerEvent(event))
	}
}

func (w *WorkerHook) OnSuccess(ctx context.Context, event worker.Event) {
	if w != nil && w.hook != nil {
		w.hook.OnSuccess(ctx, workerEvent(event))
	}
}

func (w *WorkerHook) OnFailure(ctx context.Context, event worker.Event) {
	if w != nil && w.hook != nil {
		w.hook.OnFailure(ctx, workerEvent(event))
	}
}

func (w *WorkerHook) OnRetry(ctx context.Context, event worker.Event) {
	if w != nil && w.hook != nil {
		w.hook.OnRetry(ctx, workerEvent(event))
	}
}

func workerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   DecodeJob(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

var (
	_ core.JobEnqueuer = (*Enqueuer)(nil)
	_ core.JobDelivery = (*Delivery)(nil)
	_ core.JobDequeuer = (*Dequeuer)(nil)
	_ worker.Hook      = (*WorkerHook)(nil)
)
