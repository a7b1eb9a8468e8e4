package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testSecretProvider struct{}

func (testSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("test secret provider: plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return []byte("enc:" + encoded), nil
}

func (testSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	value := strings.TrimSpace(string(ciphertext))
	if value == "" || !strings.HasPrefix(value, "enc:") {
		return nil, fmt.Errorf("test secret provider: invalid ciphertext")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
	if err != nil {
		return nil, fmt.Errorf("test secret provider: decode ciphertext: %w", err)
	}
	return decoded, nil
}

// manualClock is a settable clock shared by a service and its test.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start.UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingBackend records every Execute call and answers with fn.
type countingBackend struct {
	calls atomic.Int32
	fn    func(ctx context.Context, spec TaskSpec) (TaskResult, error)
}

func (b *countingBackend) Execute(ctx context.Context, spec TaskSpec) (TaskResult, error) {
	b.calls.Add(1)
	if b.fn == nil {
		return TaskResult{Output: "report for " + spec.ServiceID}, nil
	}
	return b.fn(ctx, spec)
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	messages []*JobExecutionMessage
	err      error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, msg *JobExecutionMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.messages = append(e.messages, msg)
	return nil
}

func (e *recordingEnqueuer) snapshot() []*JobExecutionMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*JobExecutionMessage(nil), e.messages...)
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testHarness struct {
	svc     *Service
	clock   *manualClock
	backend *countingBackend
	keys    *MemoryKeyProvider
	signer  SignerVerifier
}

func newTestHarness(t *testing.T, cfg Config, opts ...Option) *testHarness {
	t.Helper()
	clock := newManualClock(testEpoch)
	backend := &countingBackend{}
	signer, keys := NewTestSignerVerifier("core-tests")
	base := []Option{
		WithClock(clock),
		WithTaskBackend(backend),
		WithSignerVerifier(signer),
		WithKeyProvider(keys),
		WithLogger(stubLogger{}),
	}
	svc, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testHarness{svc: svc, clock: clock, backend: backend, keys: keys, signer: signer}
}

func manualConfig() Config {
	cfg := DefaultConfig()
	cfg.Task.Dispatch = DispatchManual
	return cfg
}

func (h *testHarness) intent(t *testing.T, serviceIDs ...string) IntentMandate {
	t.Helper()
	if len(serviceIDs) == 0 {
		serviceIDs = []string{"market-research"}
	}
	intent, err := h.svc.CreateIntentMandate(context.Background(), CreateIntentRequest{
		Description: "Research the European e-bike market",
		ServiceIDs:  serviceIDs,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return intent
}

func (h *testHarness) cart(t *testing.T, intentID string, serviceID string) CartMandate {
	t.Helper()
	cart, err := h.svc.CreateCartMandate(context.Background(), CreateCartRequest{
		IntentID:        intentID,
		ServiceID:       serviceID,
		TaskDescription: "Sizing and top competitors",
	})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	return cart
}

func (h *testHarness) paymentRequest(t *testing.T, cart CartMandate, payerID string) ProcessPaymentRequest {
	t.Helper()
	method := CardPayment("Ada Lovelace", "ada@example.com")
	auth, err := SignPaymentAuthorization(context.Background(), h.signer, payerID, cart.ID, cart.Total, method)
	if err != nil {
		t.Fatalf("sign payment authorization: %v", err)
	}
	return ProcessPaymentRequest{CartID: cart.ID, PaymentMethod: method, Authorization: auth}
}

func (h *testHarness) pay(t *testing.T, cart CartMandate) PaymentMandate {
	t.Helper()
	payment, err := h.svc.ProcessPayment(context.Background(), h.paymentRequest(t, cart, "user-1"))
	if err != nil {
		t.Fatalf("process payment: %v", err)
	}
	return payment
}

func requireKind(t *testing.T, err error, kind string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := ErrorKind(err); got != kind {
		t.Fatalf("expected error kind %s, got %s (%v)", kind, got, err)
	}
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}
