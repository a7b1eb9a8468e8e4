package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExecuteTask_RunsBackendOnce(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, manualConfig())
	payment := h.pay(t, h.cart(t, h.intent(t, "strategy-planning").ID, "strategy-planning"))

	status, err := h.svc.GetTaskStatus(ctx, payment.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status.State != TaskStatePending {
		t.Fatalf("expected pending task under manual dispatch, got %s", status.State)
	}

	first, err := h.svc.ExecuteTask(ctx, payment.ID)
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if first.State != TaskStateCompleted || first.ServiceID != "strategy-planning" {
		t.Fatalf("unexpected task result %#v", first)
	}
	second, err := h.svc.SubmitTask(ctx, payment.ID)
	if err != nil {
		t.Fatalf("resubmit task: %v", err)
	}
	if second.Output != first.Output || !second.CompletedAt.Equal(first.CompletedAt) {
		t.Fatalf("expected stored result on resubmission, got %#v", second)
	}
	if calls := h.backend.calls.Load(); calls != 1 {
		t.Fatalf("expected backend to run once, got %d", calls)
	}
}

func TestExecuteTask_PassesCatalogPromptToBackend(t *testing.T) {
	h := newTestHarness(t, manualConfig())
	var seen TaskSpec
	h.backend.fn = func(_ context.Context, spec TaskSpec) (TaskResult, error) {
		seen = spec
		return TaskResult{Output: "done"}, nil
	}
	intent := h.intent(t, "quick-consult")
	payment := h.pay(t, h.cart(t, intent.ID, "quick-consult"))

	if _, err := h.svc.ExecuteTask(context.Background(), payment.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if seen.IntentID != intent.ID || seen.PaymentMandateID != payment.ID {
		t.Fatalf("expected spec to reference the mandate chain, got %#v", seen)
	}
	if !strings.Contains(seen.Prompt, "business consultant") {
		t.Fatalf("expected catalog prompt in spec, got %q", seen.Prompt)
	}
	if seen.TaskDescription != "Sizing and top competitors" || seen.Quantity != 1 {
		t.Fatalf("unexpected task description or quantity %#v", seen)
	}
}

func TestExecuteTask_ConcurrentCallsShareOneExecution(t *testing.T) {
	h := newTestHarness(t, manualConfig())
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.backend.fn = func(context.Context, TaskSpec) (TaskResult, error) {
		once.Do(func() { close(started) })
		<-release
		return TaskResult{Output: "shared"}, nil
	}
	payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

	const callers = 5
	var wg sync.WaitGroup
	results := make([]TaskResult, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.ExecuteTask(context.Background(), payment.ID)
		}(i)
	}
	<-started
	close(release)
	wg.Wait()

	completed := 0
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		switch results[i].State {
		case TaskStateCompleted:
			completed++
		case TaskStateRunning:
		default:
			t.Fatalf("caller %d: unexpected state %s", i, results[i].State)
		}
	}
	if completed == 0 {
		t.Fatalf("expected the claiming caller to observe completion")
	}
	if calls := h.backend.calls.Load(); calls != 1 {
		t.Fatalf("expected one backend execution, got %d", calls)
	}
}

func TestExecuteTask_BackendFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, manualConfig())
	h.backend.fn = func(context.Context, TaskSpec) (TaskResult, error) {
		return TaskResult{}, errors.New("model unavailable")
	}
	payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

	result, err := h.svc.ExecuteTask(ctx, payment.ID)
	requireKind(t, err, ErrorKindTaskExecutionFailed)
	if result.State != TaskStateFailed {
		t.Fatalf("expected failed result, got %s", result.State)
	}

	_, err = h.svc.ExecuteTask(ctx, payment.ID)
	requireKind(t, err, ErrorKindTaskExecutionFailed)
	if calls := h.backend.calls.Load(); calls != 1 {
		t.Fatalf("expected failed payments not to rerun, got %d calls", calls)
	}

	status, err := h.svc.GetTaskStatus(ctx, payment.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status.PaymentState != PaymentStateFailed || status.FailureDetail != "model unavailable" {
		t.Fatalf("unexpected failed status %#v", status)
	}
}

func TestExecuteTask_TimeoutDropsLateCompletion(t *testing.T) {
	ctx := context.Background()
	cfg := manualConfig()
	cfg.Task.Timeout = 20 * time.Millisecond
	h := newTestHarness(t, cfg)

	release := make(chan struct{})
	finished := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	h.backend.fn = func(context.Context, TaskSpec) (TaskResult, error) {
		defer close(finished)
		<-release
		return TaskResult{Output: "too late"}, nil
	}
	payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

	_, err := h.svc.ExecuteTask(ctx, payment.ID)
	requireKind(t, err, ErrorKindTaskExecutionTimeout)

	close(release)
	<-finished

	status, err := h.svc.GetTaskStatus(ctx, payment.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status.PaymentState != PaymentStateFailed || status.FailureKind != ErrorKindTaskExecutionTimeout {
		t.Fatalf("expected timed out payment to stay failed, got %#v", status)
	}
	if status.Result != nil {
		t.Fatalf("expected late output to be dropped, got %#v", status.Result)
	}
}

func TestExecuteTask_MissingBackendLeavesPaymentPending(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, manualConfig(), WithTaskBackend(nil))
	payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

	_, err := h.svc.ExecuteTask(ctx, payment.ID)
	if !errors.Is(err, ErrBackendNotWired) {
		t.Fatalf("expected ErrBackendNotWired, got %v", err)
	}
	status, err := h.svc.GetTaskStatus(ctx, payment.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status.State != TaskStatePending || status.ClaimedAt != nil {
		t.Fatalf("expected unclaimed pending payment, got %#v", status)
	}
}

func TestExecuteTask_UnknownPayment(t *testing.T) {
	h := newTestHarness(t, manualConfig())
	_, err := h.svc.ExecuteTask(context.Background(), "pay_missing")
	requireKind(t, err, ErrorKindMandateNotFound)
	_, err = h.svc.ExecuteTask(context.Background(), "")
	requireKind(t, err, ErrorKindInvalidInput)
}

func TestDispatchModes(t *testing.T) {
	t.Run("async", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Task.Dispatch = DispatchAsync
		h := newTestHarness(t, cfg)
		payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

		dispatcher, ok := h.svc.Dependencies().TaskDispatcher.(*AsyncDispatcher)
		if !ok {
			t.Fatalf("expected async dispatcher, got %T", h.svc.Dependencies().TaskDispatcher)
		}
		dispatcher.Wait()
		status, err := h.svc.GetTaskStatus(context.Background(), payment.ID)
		if err != nil {
			t.Fatalf("task status: %v", err)
		}
		if status.State != TaskStateCompleted {
			t.Fatalf("expected async task to complete, got %s", status.State)
		}
	})

	t.Run("queue", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Task.Dispatch = DispatchQueue
		enqueuer := &recordingEnqueuer{}
		h := newTestHarness(t, cfg, WithJobEnqueuer(enqueuer))
		payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

		messages := enqueuer.snapshot()
		if len(messages) != 1 {
			t.Fatalf("expected one enqueued job, got %d", len(messages))
		}
		msg := messages[0]
		if msg.JobID != JobIDTaskExecute || msg.Parameters[JobParamPaymentMandateID] != payment.ID {
			t.Fatalf("unexpected job message %#v", msg)
		}
		if msg.IdempotencyKey != JobIDTaskExecute+":"+payment.ID {
			t.Fatalf("expected payment scoped idempotency key, got %q", msg.IdempotencyKey)
		}
		if h.backend.calls.Load() != 0 {
			t.Fatalf("expected queue dispatch not to run the backend inline")
		}
	})

	t.Run("queue failure keeps payment", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Task.Dispatch = DispatchQueue
		enqueuer := &recordingEnqueuer{err: errors.New("broker down")}
		h := newTestHarness(t, cfg, WithJobEnqueuer(enqueuer))
		payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

		record, err := h.svc.GetMandate(context.Background(), payment.ID)
		if err != nil {
			t.Fatalf("get payment: %v", err)
		}
		if record.State() != string(PaymentStateAuthorized) {
			t.Fatalf("expected authorized payment awaiting reconcile, got %s", record.State())
		}
	})

	t.Run("inline failure still returns payment", func(t *testing.T) {
		h := newTestHarness(t, DefaultConfig())
		h.backend.fn = func(context.Context, TaskSpec) (TaskResult, error) {
			return TaskResult{}, errors.New("boom")
		}
		payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))
		if payment.State != PaymentStateAuthorized {
			t.Fatalf("expected authorized snapshot, got %s", payment.State)
		}
		status, err := h.svc.GetTaskStatus(context.Background(), payment.ID)
		if err != nil {
			t.Fatalf("task status: %v", err)
		}
		if status.State != TaskStateFailed {
			t.Fatalf("expected failed task, got %s", status.State)
		}
	})
}

func TestTaskExecutionJob(t *testing.T) {
	msg := TaskExecutionJob("pay_1")
	if msg.DedupPolicy != "drop" {
		t.Fatalf("expected drop dedup policy, got %q", msg.DedupPolicy)
	}
	reconcile := ReconcileJob(" run-1 ")
	if reconcile.JobID != JobIDReconcile || reconcile.IdempotencyKey != JobIDReconcile+":run-1" {
		t.Fatalf("unexpected reconcile job %#v", reconcile)
	}
}

type conversingBackend struct {
	countingBackend
	mu    sync.Mutex
	convs []TaskConversation
}

func (b *conversingBackend) Continue(_ context.Context, conv TaskConversation) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs = append(b.convs, conv)
	return "follow-up on " + conv.Spec.ServiceID + ": " + conv.Message, nil
}

func TestContinueTask_AnswersAfterExecution(t *testing.T) {
	ctx := context.Background()
	conversing := &conversingBackend{}
	h := newTestHarness(t, manualConfig(), WithTaskBackend(conversing))
	payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))

	_, err := h.svc.ContinueTask(ctx, ContinueTaskRequest{PaymentMandateID: payment.ID, Message: "and Europe?"})
	requireKind(t, err, ErrorKindInvalidInput)

	if _, err := h.svc.ExecuteTask(ctx, payment.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}
	reply, err := h.svc.ContinueTask(ctx, ContinueTaskRequest{PaymentMandateID: payment.ID, Message: "and Europe?"})
	if err != nil {
		t.Fatalf("continue task: %v", err)
	}
	if reply.Reply != "follow-up on market-research: and Europe?" || reply.ServiceID != "market-research" {
		t.Fatalf("unexpected reply %#v", reply)
	}
	if len(conversing.convs) != 1 || conversing.convs[0].PriorOutput != "report for market-research" {
		t.Fatalf("expected prior output to reach the backend, got %#v", conversing.convs)
	}
	if calls := conversing.calls.Load(); calls != 1 {
		t.Fatalf("expected follow-up not to rerun the task, got %d executions", calls)
	}
	status, err := h.svc.GetTaskStatus(ctx, payment.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status.PaymentState != PaymentStateExecuted {
		t.Fatalf("expected payment to stay executed, got %s", status.PaymentState)
	}
}

func TestContinueTask_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t, manualConfig())
	payment := h.pay(t, h.cart(t, h.intent(t).ID, "market-research"))
	if _, err := h.svc.ExecuteTask(ctx, payment.ID); err != nil {
		t.Fatalf("execute task: %v", err)
	}

	tests := []struct {
		name string
		req  ContinueTaskRequest
		kind string
	}{
		{name: "empty message", req: ContinueTaskRequest{PaymentMandateID: payment.ID, Message: "  "}, kind: ErrorKindInvalidInput},
		{name: "unknown payment", req: ContinueTaskRequest{PaymentMandateID: "pay_missing", Message: "hello"}, kind: ErrorKindMandateNotFound},
		{name: "backend without conversation", req: ContinueTaskRequest{PaymentMandateID: payment.ID, Message: "hello"}, kind: ErrorKindTaskExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.ContinueTask(ctx, tt.req)
			requireKind(t, err, tt.kind)
		})
	}
}
