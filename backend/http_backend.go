package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-mandates/core"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultHTTPClientTimeout         = 3 * time.Minute
	defaultResponseBodyLimit   int64 = 4 << 20 // 4 MiB
	defaultBreakerName               = "mandates-task-backend"
	defaultBreakerTripFailures       = 5
	defaultBreakerOpenTimeout        = 30 * time.Second
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPBackend posts task specs to a remote executor. Calls run through a
// circuit breaker so a failing executor is not hammered while it recovers.
type HTTPBackend struct {
	endpoint             string
	continueEndpoint     string
	client               HTTPDoer
	headers              map[string]string
	maxResponseBodyBytes int64
	breakerSettings      gobreaker.Settings
	breaker              *gobreaker.CircuitBreaker[core.TaskResult]
}

type HTTPOption func(*HTTPBackend)

func WithHTTPClient(client HTTPDoer) HTTPOption {
	return func(b *HTTPBackend) {
		if client != nil {
			b.client = client
		}
	}
}

func WithHeader(key string, value string) HTTPOption {
	return func(b *HTTPBackend) {
		if key = strings.TrimSpace(key); key != "" {
			b.headers[key] = strings.TrimSpace(value)
		}
	}
}

// WithContinueEndpoint sets where follow-up messages are posted. It defaults
// to the executor endpoint with /continue appended.
func WithContinueEndpoint(endpoint string) HTTPOption {
	return func(b *HTTPBackend) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			b.continueEndpoint = endpoint
		}
	}
}

func WithMaxResponseBodyBytes(limit int64) HTTPOption {
	return func(b *HTTPBackend) {
		if limit > 0 {
			b.maxResponseBodyBytes = limit
		}
	}
}

// WithBreakerSettings overrides the circuit breaker configuration. Zero
// fields keep gobreaker's own defaults.
func WithBreakerSettings(settings gobreaker.Settings) HTTPOption {
	return func(b *HTTPBackend) {
		b.breakerSettings = settings
	}
}

func NewHTTPBackend(endpoint string, opts ...HTTPOption) (*HTTPBackend, error) {
	endpoint = strings.TrimSpace(endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("backend: invalid executor endpoint %q", endpoint)
	}
	backend := &HTTPBackend{
		endpoint:             parsed.String(),
		client:               &http.Client{Timeout: defaultHTTPClientTimeout},
		headers:              map[string]string{},
		maxResponseBodyBytes: defaultResponseBodyLimit,
		breakerSettings: gobreaker.Settings{
			Name:    defaultBreakerName,
			Timeout: defaultBreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= defaultBreakerTripFailures
			},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(backend)
		}
	}
	if backend.continueEndpoint == "" {
		backend.continueEndpoint = parsed.JoinPath("continue").String()
	}
	settings := backend.breakerSettings
	if settings.Name == "" {
		settings.Name = defaultBreakerName
	}
	if settings.IsExcluded == nil {
		settings.IsExcluded = func(err error) bool {
			return errors.Is(err, context.Canceled)
		}
	}
	backend.breaker = gobreaker.NewCircuitBreaker[core.TaskResult](settings)
	return backend, nil
}

func (b *HTTPBackend) Endpoint() string {
	if b == nil {
		return ""
	}
	return b.endpoint
}

// BreakerState reports the circuit state: closed, half-open or open.
func (b *HTTPBackend) BreakerState() gobreaker.State {
	if b == nil || b.breaker == nil {
		return gobreaker.StateClosed
	}
	return b.breaker.State()
}

func (b *HTTPBackend) Execute(ctx context.Context, spec core.TaskSpec) (core.TaskResult, error) {
	return b.execute(func() (core.TaskResult, error) {
		return b.do(ctx, spec)
	})
}

// Continue posts a follow-up message to the continue endpoint. The executor
// answers with {"reply": "..."}. Follow-ups share the task circuit breaker.
func (b *HTTPBackend) Continue(ctx context.Context, conv core.TaskConversation) (string, error) {
	result, err := b.execute(func() (core.TaskResult, error) {
		payload, err := b.post(ctx, b.continueEndpoint, conv, conv.Spec.PaymentMandateID)
		if err != nil {
			return core.TaskResult{}, err
		}
		var reply struct {
			Reply string `json:"reply"`
		}
		if err := json.Unmarshal(payload, &reply); err != nil {
			return core.TaskResult{}, fmt.Errorf("backend: decode continue response: %w", err)
		}
		if strings.TrimSpace(reply.Reply) == "" {
			return core.TaskResult{}, fmt.Errorf("backend: executor sent an empty reply")
		}
		return core.TaskResult{Output: reply.Reply}, nil
	})
	if err != nil {
		return "", err
	}
	return result.Output, nil
}

func (b *HTTPBackend) execute(call func() (core.TaskResult, error)) (core.TaskResult, error) {
	if b == nil || b.breaker == nil || b.client == nil {
		return core.TaskResult{}, fmt.Errorf("backend: http backend is not configured")
	}
	result, err := b.breaker.Execute(call)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return core.TaskResult{}, backendError(err, "backend: task executor unavailable", http.StatusServiceUnavailable, map[string]any{
				"breaker": b.breaker.Name(),
				"state":   b.breaker.State().String(),
			})
		}
		return core.TaskResult{}, err
	}
	return result, nil
}

// post sends body as JSON to endpoint and returns the bounded 2xx payload.
func (b *HTTPBackend) post(ctx context.Context, endpoint string, body any, paymentMandateID string) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("backend: encode executor request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("backend: create executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range b.headers {
		req.Header.Set(key, value)
	}

	res, err := b.client.Do(req)
	if err != nil {
		return nil, backendError(err, "backend: call task executor", http.StatusBadGateway, map[string]any{
			"payment_mandate_id": paymentMandateID,
		})
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, b.maxResponseBodyBytes+1))
	if err != nil {
		return nil, backendError(err, "backend: read executor response", http.StatusBadGateway, map[string]any{
			"status_code": res.StatusCode,
		})
	}
	if int64(len(payload)) > b.maxResponseBodyBytes {
		return nil, fmt.Errorf("backend: executor response exceeds %d bytes", b.maxResponseBodyBytes)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, backendError(
			fmt.Errorf("status %d: %s", res.StatusCode, truncate(strings.TrimSpace(string(payload)), 256)),
			"backend: task executor rejected task",
			http.StatusBadGateway,
			map[string]any{"status_code": res.StatusCode, "payment_mandate_id": paymentMandateID},
		)
	}
	return payload, nil
}

func (b *HTTPBackend) do(ctx context.Context, spec core.TaskSpec) (core.TaskResult, error) {
	payload, err := b.post(ctx, b.endpoint, spec, spec.PaymentMandateID)
	if err != nil {
		return core.TaskResult{}, err
	}

	var result core.TaskResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return core.TaskResult{}, fmt.Errorf("backend: decode executor response: %w", err)
	}
	if result.State == core.TaskStateFailed {
		detail := strings.TrimSpace(result.Output)
		if detail == "" {
			detail = "executor reported failure"
		}
		return core.TaskResult{}, fmt.Errorf("backend: task failed remotely: %s", detail)
	}
	if result.ServiceID == "" {
		result.ServiceID = spec.ServiceID
	}
	if result.ResultRef == "" {
		result.ResultRef = ResultRef(spec.ServiceID)
	}
	result.PaymentMandateID = spec.PaymentMandateID
	return result, nil
}

func backendError(source error, message string, code int, metadata map[string]any) error {
	err := goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(code).
		WithTextCode(core.ErrorKindTaskExecutionFailed)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

var (
	_ core.TaskBackend         = (*HTTPBackend)(nil)
	_ core.ConversationBackend = (*HTTPBackend)(nil)
)
