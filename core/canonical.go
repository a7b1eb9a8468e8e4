package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	cartPayloadType    = "cart_mandate.v1"
	paymentPayloadType = "payment_mandate.v1"
)

// CanonicalCartPayload returns the bytes a merchant signs for cart. Only the
// id, line items, total, merchant id and expiry take part.
func CanonicalCartPayload(cart CartMandate) ([]byte, error) {
	items := make([]any, 0, len(cart.LineItems))
	for _, item := range cart.LineItems {
		items = append(items, map[string]any{
			"service_id": strings.TrimSpace(item.ServiceID),
			"label":      item.Label,
			"unit_price": canonicalDecimal(item.UnitPrice),
			"currency":   normalizeCurrency(item.Currency),
			"quantity":   item.Quantity,
		})
	}
	return canonicalJSON(map[string]any{
		"type":        cartPayloadType,
		"id":          cart.ID,
		"line_items":  items,
		"total":       canonicalMoney(cart.Total),
		"merchant_id": cart.MerchantID,
		"expires_at":  canonicalTime(cart.ExpiresAt),
	})
}

// CanonicalPaymentPayload returns the bytes a payer signs to authorize total
// against cartID with method.
func CanonicalPaymentPayload(cartID string, total Money, method PaymentMethod) ([]byte, error) {
	return canonicalJSON(map[string]any{
		"type":           paymentPayloadType,
		"cart_id":        strings.TrimSpace(cartID),
		"total":          canonicalMoney(total),
		"payment_method": canonicalPaymentMethod(method),
	})
}

// canonicalJSON relies on encoding/json writing map keys in sorted order.
func canonicalJSON(payload map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: canonical payload encode failed: %w", err)
	}
	return raw, nil
}

func canonicalMoney(m Money) map[string]any {
	return map[string]any{
		"amount":   canonicalDecimal(m.Amount),
		"currency": normalizeCurrency(m.Currency),
	}
}

func canonicalDecimal(d decimal.Decimal) string {
	return d.String()
}

func canonicalTime(t time.Time) string {
	return timestamp(t).Format(time.RFC3339Nano)
}

func canonicalPaymentMethod(method PaymentMethod) map[string]any {
	out := map[string]any{"kind": string(method.Kind)}
	switch {
	case method.Card != nil:
		out["card"] = map[string]any{
			"payer_name":  method.Card.PayerName,
			"payer_email": strings.ToLower(strings.TrimSpace(method.Card.PayerEmail)),
		}
	case method.Bank != nil:
		out["bank"] = map[string]any{
			"account_holder": method.Bank.AccountHolder,
			"account_number": method.Bank.AccountNumber,
			"routing_code":   method.Bank.RoutingCode,
		}
	case method.Crypto != nil:
		out["crypto"] = map[string]any{
			"network":        method.Crypto.Network,
			"wallet_address": method.Crypto.WalletAddress,
		}
	}
	return out
}
