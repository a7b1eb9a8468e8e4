package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactSensitiveMap returns a copy of metadata with credential and payer
// identifying values replaced by RedactedValue.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

// RedactPaymentMethod keeps the kind and masks every payload field except the
// crypto network.
func RedactPaymentMethod(method PaymentMethod) map[string]any {
	out := map[string]any{"kind": string(method.Kind)}
	switch {
	case method.Card != nil:
		out["payer_name"] = RedactedValue
		out["payer_email"] = maskTail(method.Card.PayerEmail, 0)
	case method.Bank != nil:
		out["account_holder"] = RedactedValue
		out["account_number"] = maskTail(method.Bank.AccountNumber, 4)
	case method.Crypto != nil:
		out["network"] = method.Crypto.Network
		out["wallet_address"] = maskTail(method.Crypto.WalletAddress, 4)
	}
	return out
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"private_key",
		"credential",
		"signature",
		"payer_email",
		"payer_name",
		"account_number",
		"account_holder",
		"routing_code",
		"wallet_address",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "intent_id",
		"cart_id",
		"payment_mandate_id",
		"payer_id",
		"merchant_id",
		"service_id",
		"error_class",
		"trace_id",
		"request_id":
		return true
	default:
		return false
	}
}

// maskTail hides everything but the last keep characters.
func maskTail(value string, keep int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if keep <= 0 || len(value) <= keep {
		return RedactedValue
	}
	return strings.Repeat("*", len(value)-keep) + value[len(value)-keep:]
}
