package jsonrpc

import (
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
)

type createIntentMandateParams struct {
	Description              string     `json:"description"`
	ServiceIDs               []string   `json:"serviceIds"`
	SkillID                  string     `json:"skillId,omitempty"`
	RequiresCartConfirmation *bool      `json:"requiresCartConfirmation,omitempty"`
	RequiresRefundability    *bool      `json:"requiresRefundability,omitempty"`
	MerchantIDs              []string   `json:"merchantIds,omitempty"`
	ExpiresAt                *time.Time `json:"expiresAt,omitempty"`
}

// request defaults cart confirmation and refundability to true. skillId is
// accepted as a single-service shorthand.
func (p createIntentMandateParams) request() core.CreateIntentRequest {
	serviceIDs := append([]string(nil), p.ServiceIDs...)
	if skill := strings.TrimSpace(p.SkillID); skill != "" {
		serviceIDs = append(serviceIDs, skill)
	}
	return core.CreateIntentRequest{
		Description:              p.Description,
		ServiceIDs:               serviceIDs,
		RequiresCartConfirmation: boolOr(p.RequiresCartConfirmation, true),
		RequiresRefundability:    boolOr(p.RequiresRefundability, true),
		MerchantIDs:              p.MerchantIDs,
		ExpiresAt:                p.ExpiresAt,
	}
}

type createCartMandateParams struct {
	IntentID        string `json:"intentId"`
	ServiceID       string `json:"serviceId"`
	SkillID         string `json:"skillId,omitempty"`
	TaskDescription string `json:"taskDescription"`
	Quantity        int    `json:"quantity,omitempty"`
}

func (p createCartMandateParams) request() core.CreateCartRequest {
	serviceID := strings.TrimSpace(p.ServiceID)
	if serviceID == "" {
		serviceID = strings.TrimSpace(p.SkillID)
	}
	return core.CreateCartRequest{
		IntentID:        p.IntentID,
		ServiceID:       serviceID,
		TaskDescription: p.TaskDescription,
		Quantity:        p.Quantity,
	}
}

type userAuthorizationParams struct {
	PayerID   string `json:"payerId"`
	Signature []byte `json:"signature"`
}

type processPaymentParams struct {
	CartID            string                  `json:"cartId"`
	PaymentMethod     core.PaymentMethod      `json:"paymentMethod"`
	UserAuthorization userAuthorizationParams `json:"userAuthorization"`
	ExpectedTotal     *core.Money             `json:"expectedTotal,omitempty"`
}

func (p processPaymentParams) request() core.ProcessPaymentRequest {
	return core.ProcessPaymentRequest{
		CartID:        p.CartID,
		PaymentMethod: p.PaymentMethod,
		Authorization: core.UserAuthorization{
			PayerID:   p.UserAuthorization.PayerID,
			Signature: p.UserAuthorization.Signature,
		},
		ExpectedTotal: p.ExpectedTotal,
	}
}

type mandateIDParams struct {
	MandateID string `json:"mandateId"`
}

type paymentMandateIDParams struct {
	PaymentMandateID string `json:"paymentMandateId"`
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type agentMessage struct {
	Role  string        `json:"role"`
	Parts []messagePart `json:"parts"`
}

func (m agentMessage) text() string {
	texts := make([]string, 0, len(m.Parts))
	for _, part := range m.Parts {
		if part.Type != "" && part.Type != "text" {
			continue
		}
		if text := strings.TrimSpace(part.Text); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n")
}

// sendMessageParams accepts taskId as an alias for paymentMandateId.
type sendMessageParams struct {
	TaskID           string       `json:"taskId"`
	PaymentMandateID string       `json:"paymentMandateId"`
	Message          agentMessage `json:"message"`
}

func (p sendMessageParams) request() core.ContinueTaskRequest {
	id := p.PaymentMandateID
	if id == "" {
		id = p.TaskID
	}
	return core.ContinueTaskRequest{PaymentMandateID: id, Message: p.Message.text()}
}

type sendMessageResult struct {
	TaskID  string       `json:"taskId"`
	Status  string       `json:"status"`
	Message agentMessage `json:"message"`
}

func newSendMessageResult(reply core.TaskReply) sendMessageResult {
	return sendMessageResult{
		TaskID: reply.PaymentMandateID,
		Status: "working",
		Message: agentMessage{
			Role:  "agent",
			Parts: []messagePart{{Type: "text", Text: reply.Reply}},
		},
	}
}
