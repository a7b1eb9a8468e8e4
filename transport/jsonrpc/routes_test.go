package jsonrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/goliatone/go-mandates/core"
)

type conversingBackend struct {
	mu    sync.Mutex
	convs []core.TaskConversation
}

func (b *conversingBackend) Execute(_ context.Context, spec core.TaskSpec) (core.TaskResult, error) {
	return core.TaskResult{Output: "report for " + spec.ServiceID}, nil
}

func (b *conversingBackend) Continue(_ context.Context, conv core.TaskConversation) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs = append(b.convs, conv)
	return "re: " + conv.Message, nil
}

func (e *testEnv) authorizedPayment(t *testing.T) (core.CartMandate, core.PaymentMandate) {
	t.Helper()
	intent := mustResult[core.IntentMandate](t, e.call(t, MethodCreateIntentMandate, map[string]any{
		"description": "Pricing study",
		"skillId":     "market-research",
	}))
	cart := mustResult[core.CartMandate](t, e.call(t, MethodCreateCartMandate, map[string]any{
		"intentId":  intent.ID,
		"serviceId": "market-research",
	}))
	method := core.CardPayment("Ada Lovelace", "ada@example.com")
	auth, err := core.SignPaymentAuthorization(context.Background(), e.signer, "user-1", cart.ID, cart.Total, method)
	if err != nil {
		t.Fatalf("sign authorization: %v", err)
	}
	payment := mustResult[core.PaymentMandate](t, e.call(t, MethodProcessPayment, map[string]any{
		"cartId":        cart.ID,
		"paymentMethod": method,
		"userAuthorization": map[string]any{
			"payerId":   auth.PayerID,
			"signature": auth.Signature,
		},
	}))
	return cart, payment
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestServer_StatusEndpoint(t *testing.T) {
	env := newTestEnv(t, WithAgentInfo(AgentInfo{
		Name:        "Consulting Agent",
		Version:     "1.2.0",
		BaseURL:     "https://agent.example.com/",
		Currency:    "USD",
		Environment: "staging",
	}))
	var body statusResponse
	resp := getJSON(t, env.server.URL+"/", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body.Status != "operational" || body.PaymentProtocol != "AP2 v0.1" || body.Environment != "staging" {
		t.Fatalf("unexpected status body %#v", body)
	}
	if body.AgentCard != "https://agent.example.com/.well-known/agent.json" {
		t.Fatalf("unexpected agent card link %q", body.AgentCard)
	}
	prices := map[string]string{}
	for _, svc := range body.Services {
		prices[svc.ID] = svc.Price
	}
	if prices["market-research"] != "75.00 USD" || len(prices) != 4 {
		t.Fatalf("unexpected services %#v", body.Services)
	}
	if !strings.Contains(body.AP2Endpoints[MethodProcessPayment], "POST /a2a") {
		t.Fatalf("expected processPayment endpoint hint, got %#v", body.AP2Endpoints)
	}
}

func TestServer_TypedMandateRoutes(t *testing.T) {
	env := newTestEnv(t)
	cart, payment := env.authorizedPayment(t)

	tests := []struct {
		name   string
		path   string
		status int
		kind   string
		id     string
	}{
		{name: "cart by cart route", path: "/mandates/cart/" + cart.ID, status: http.StatusOK, kind: "cart", id: cart.ID},
		{name: "payment by payment route", path: "/mandates/payment/" + payment.ID, status: http.StatusOK, kind: "payment", id: payment.ID},
		{name: "payment by cart route", path: "/mandates/cart/" + payment.ID, status: http.StatusNotFound},
		{name: "cart by payment route", path: "/mandates/payment/" + cart.ID, status: http.StatusNotFound},
		{name: "missing cart", path: "/mandates/cart/cart_missing", status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body struct {
				Type    string `json:"type"`
				Mandate struct {
					ID string `json:"id"`
				} `json:"mandate"`
			}
			resp := getJSON(t, env.server.URL+tc.path, &body)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if tc.status != http.StatusOK {
				return
			}
			if body.Type != tc.kind || body.Mandate.ID != tc.id {
				t.Fatalf("unexpected typed mandate %#v", body)
			}
		})
	}
}

func TestServer_SendMessageContinuesExecutedTask(t *testing.T) {
	backend := &conversingBackend{}
	env := newTestEnvWithBackend(t, backend)
	_, payment := env.authorizedPayment(t)

	message := map[string]any{
		"role":  "user",
		"parts": []map[string]any{{"type": "text", "text": "and Spain?"}},
	}
	early := env.call(t, MethodSendMessage, map[string]any{"taskId": payment.ID, "message": message})
	if early.Error == nil || early.Error.Data == nil || early.Error.Data.Kind != core.ErrorKindInvalidInput {
		t.Fatalf("expected invalid input before execution, got %#v", early.Error)
	}

	mustResult[core.TaskResult](t, env.call(t, MethodSubmitTask, map[string]any{"paymentMandateId": payment.ID}))

	reply := mustResult[sendMessageResult](t, env.call(t, MethodSendMessage, map[string]any{"taskId": payment.ID, "message": message}))
	if reply.TaskID != payment.ID || reply.Status != "working" || reply.Message.Role != "agent" {
		t.Fatalf("unexpected reply envelope %#v", reply)
	}
	if len(reply.Message.Parts) != 1 || reply.Message.Parts[0].Text != "re: and Spain?" {
		t.Fatalf("unexpected reply parts %#v", reply.Message.Parts)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.convs) != 1 || backend.convs[0].PriorOutput != "report for market-research" {
		t.Fatalf("expected one conversation with prior output, got %#v", backend.convs)
	}

	empty := env.call(t, MethodSendMessage, map[string]any{"taskId": payment.ID, "message": map[string]any{"role": "user"}})
	if empty.Error == nil || empty.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params for an empty message, got %#v", empty.Error)
	}
	unknown := env.call(t, MethodSendMessage, map[string]any{"taskId": "pay_missing", "message": message})
	if unknown.Error == nil || unknown.Error.Data == nil || unknown.Error.Data.Kind != core.ErrorKindMandateNotFound {
		t.Fatalf("expected mandate not found, got %#v", unknown.Error)
	}
}

func TestServer_SecurityAndTimingHeaders(t *testing.T) {
	tests := []struct {
		name    string
		debug   bool
		wantCSP bool
	}{
		{name: "production", debug: false, wantCSP: true},
		{name: "debug", debug: true, wantCSP: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, WithDebug(tc.debug))
			resp := getJSON(t, env.server.URL+"/health", nil)
			header := resp.Header
			if header.Get("X-Content-Type-Options") != "nosniff" || header.Get("X-Frame-Options") != "DENY" {
				t.Fatalf("missing security headers %v", header)
			}
			if header.Get("Strict-Transport-Security") != "max-age=31536000; includeSubDomains" {
				t.Fatalf("unexpected hsts %q", header.Get("Strict-Transport-Security"))
			}
			if got := header.Get("Content-Security-Policy") != ""; got != tc.wantCSP {
				t.Fatalf("expected csp=%v, got %q", tc.wantCSP, header.Get("Content-Security-Policy"))
			}
			if !strings.HasSuffix(header.Get("X-Response-Time"), "ms") {
				t.Fatalf("expected response time header, got %q", header.Get("X-Response-Time"))
			}
			if header.Get("X-Request-ID") == "" {
				t.Fatalf("expected request id header")
			}
		})
	}
}

func TestServer_CORS(t *testing.T) {
	env := newTestEnv(t, WithCORS("http://localhost:3000", " "))

	preflight, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/rpc", nil)
	preflight.Header.Set("Origin", "http://localhost:3000")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflight.Header.Set("Access-Control-Request-Headers", "Content-Type")
	resp, err := http.DefaultClient.Do(preflight)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("expected allowed origin, got %v", resp.Header)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be allowed")
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	simple, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cors get: %v", err)
	}
	simple.Body.Close()
	exposed := simple.Header.Get("Access-Control-Expose-Headers")
	if !strings.Contains(exposed, "X-Response-Time") || !strings.Contains(exposed, "X-Request-Id") {
		t.Fatalf("expected exposed timing headers, got %q", exposed)
	}

	req, _ = http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	denied, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("cors get from other origin: %v", err)
	}
	denied.Body.Close()
	if denied.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no allow-origin for an unlisted origin")
	}
}
