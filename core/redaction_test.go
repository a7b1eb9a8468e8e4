package core

import "testing"

func TestRedactSensitiveMap_MasksPayerDetails(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"payment_mandate_id": "pay_1",
		"payer_id":           "user-1",
		"payer_email":        "ada@example.com",
		"nested": map[string]any{
			"account_number": "DE89370400440532013000",
			"network":        "base",
		},
		"items": []any{
			map[string]any{"wallet_address": "0xabc"},
		},
		"merchant_signature": "c2lnbmF0dXJl",
	})

	if redacted["payment_mandate_id"] != "pay_1" {
		t.Fatalf("expected payment_mandate_id to stay traceable")
	}
	if redacted["payer_id"] != "user-1" {
		t.Fatalf("expected payer_id to stay traceable")
	}
	if redacted["payer_email"] != RedactedValue {
		t.Fatalf("expected payer_email redacted, got %#v", redacted["payer_email"])
	}
	if redacted["merchant_signature"] != RedactedValue {
		t.Fatalf("expected signatures redacted, got %#v", redacted["merchant_signature"])
	}
	nested := redacted["nested"].(map[string]any)
	if nested["account_number"] != RedactedValue {
		t.Fatalf("expected nested account_number redacted, got %#v", nested["account_number"])
	}
	if nested["network"] != "base" {
		t.Fatalf("expected non-sensitive nested value to survive")
	}
	item := redacted["items"].([]any)[0].(map[string]any)
	if item["wallet_address"] != RedactedValue {
		t.Fatalf("expected wallet address in list redacted")
	}
}

func TestRedactPaymentMethod(t *testing.T) {
	tests := []struct {
		name   string
		method PaymentMethod
		key    string
		want   string
	}{
		{name: "card", method: CardPayment("Ada", "ada@example.com"), key: "payer_email", want: RedactedValue},
		{name: "bank", method: BankPayment("Ada", "12345678", "021000021"), key: "account_number", want: "****5678"},
		{name: "crypto", method: CryptoPayment("base", "0xabcdef12"), key: "wallet_address", want: "******ef12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redacted := RedactPaymentMethod(tt.method)
			if redacted["kind"] != string(tt.method.Kind) {
				t.Fatalf("expected kind to survive redaction")
			}
			if redacted[tt.key] != tt.want {
				t.Fatalf("expected %s=%q, got %#v", tt.key, tt.want, redacted[tt.key])
			}
		})
	}
}
