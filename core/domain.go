package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidIntentStateTransition  = errors.New("core: invalid intent state transition")
	ErrInvalidCartStateTransition    = errors.New("core: invalid cart state transition")
	ErrInvalidPaymentStateTransition = errors.New("core: invalid payment state transition")
	ErrInvalidPaymentMethod          = errors.New("core: invalid payment method")
	ErrInvalidLineItems              = errors.New("core: invalid line items")
	ErrCurrencyMismatch              = errors.New("core: currency mismatch")
)

type MandateKind string

const (
	MandateKindIntent  MandateKind = "intent"
	MandateKindCart    MandateKind = "cart"
	MandateKindPayment MandateKind = "payment"
)

const (
	intentIDPrefix  = "intent_"
	cartIDPrefix    = "cart_"
	paymentIDPrefix = "pay_"
)

// NewMandateID returns a fresh identifier carrying the kind prefix used by
// MandateKindOf.
func NewMandateID(kind MandateKind) string {
	id := uuid.NewString()
	switch kind {
	case MandateKindIntent:
		return intentIDPrefix + id
	case MandateKindCart:
		return cartIDPrefix + id
	case MandateKindPayment:
		return paymentIDPrefix + id
	default:
		return id
	}
}

func MandateKindOf(id string) (MandateKind, bool) {
	id = strings.TrimSpace(id)
	switch {
	case strings.HasPrefix(id, intentIDPrefix) && len(id) > len(intentIDPrefix):
		return MandateKindIntent, true
	case strings.HasPrefix(id, cartIDPrefix) && len(id) > len(cartIDPrefix):
		return MandateKindCart, true
	case strings.HasPrefix(id, paymentIDPrefix) && len(id) > len(paymentIDPrefix):
		return MandateKindPayment, true
	default:
		return "", false
	}
}

type IntentState string

const (
	IntentStateActive     IntentState = "active"
	IntentStateExpired    IntentState = "expired"
	IntentStateSuperseded IntentState = "superseded"
)

func (s IntentState) Valid() bool {
	switch s {
	case IntentStateActive, IntentStateExpired, IntentStateSuperseded:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s may move to next. A superseded intent
// keeps its live cart eligibility and may still expire.
func (s IntentState) CanTransitionTo(next IntentState) bool {
	switch s {
	case IntentStateActive:
		return next == IntentStateExpired || next == IntentStateSuperseded
	case IntentStateSuperseded:
		return next == IntentStateExpired
	default:
		return false
	}
}

type CartState string

const (
	CartStateSigned   CartState = "signed"
	CartStateExpired  CartState = "expired"
	CartStateConsumed CartState = "consumed"
)

func (s CartState) Valid() bool {
	switch s {
	case CartStateSigned, CartStateExpired, CartStateConsumed:
		return true
	default:
		return false
	}
}

func (s CartState) CanTransitionTo(next CartState) bool {
	return s == CartStateSigned && (next == CartStateConsumed || next == CartStateExpired)
}

type PaymentState string

const (
	PaymentStateAuthorized PaymentState = "authorized"
	PaymentStateExecuted   PaymentState = "executed"
	PaymentStateFailed     PaymentState = "failed"
)

func (s PaymentState) Valid() bool {
	switch s {
	case PaymentStateAuthorized, PaymentStateExecuted, PaymentStateFailed:
		return true
	default:
		return false
	}
}

func (s PaymentState) CanTransitionTo(next PaymentState) bool {
	return s == PaymentStateAuthorized && (next == PaymentStateExecuted || next == PaymentStateFailed)
}

func (s PaymentState) Terminal() bool {
	return s == PaymentStateExecuted || s == PaymentStateFailed
}

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: normalizeCurrency(currency)}
}

func (m Money) Equal(other Money) bool {
	return normalizeCurrency(m.Currency) == normalizeCurrency(other.Currency) && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + normalizeCurrency(m.Currency)
}

type LineItem struct {
	ServiceID string          `json:"service_id"`
	Label     string          `json:"label"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"`
	Quantity  int             `json:"quantity"`
}

func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// SumLineItems derives a cart total. Every item must share one currency and
// carry a positive quantity and a non-negative price.
func SumLineItems(items []LineItem) (Money, error) {
	if len(items) == 0 {
		return Money{}, fmt.Errorf("%w: at least one line item is required", ErrInvalidLineItems)
	}
	currency := normalizeCurrency(items[0].Currency)
	if currency == "" {
		return Money{}, fmt.Errorf("%w: currency is required", ErrInvalidLineItems)
	}
	total := decimal.Zero
	for _, item := range items {
		if strings.TrimSpace(item.ServiceID) == "" {
			return Money{}, fmt.Errorf("%w: service id is required", ErrInvalidLineItems)
		}
		if item.Quantity < 1 {
			return Money{}, fmt.Errorf("%w: quantity must be positive for %q", ErrInvalidLineItems, item.ServiceID)
		}
		if item.UnitPrice.IsNegative() {
			return Money{}, fmt.Errorf("%w: negative unit price for %q", ErrInvalidLineItems, item.ServiceID)
		}
		if normalizeCurrency(item.Currency) != currency {
			return Money{}, fmt.Errorf("%w: %s and %s in one cart", ErrCurrencyMismatch, currency, normalizeCurrency(item.Currency))
		}
		total = total.Add(item.Subtotal())
	}
	return NewMoney(total, currency), nil
}

type IntentMandate struct {
	ID                       string      `json:"id"`
	Description              string      `json:"natural_language_description"`
	RequestedServiceIDs      []string    `json:"requested_service_ids"`
	RequiresCartConfirmation bool        `json:"requires_cart_confirmation"`
	RequiresRefundability    bool        `json:"requires_refundability"`
	MerchantIDs              []string    `json:"merchant_ids,omitempty"`
	State                    IntentState `json:"state"`
	CreatedAt                time.Time   `json:"created_at"`
	UpdatedAt                time.Time   `json:"updated_at"`
	ExpiresAt                time.Time   `json:"expires_at"`
}

func (m IntentMandate) ExpiredAt(now time.Time) bool {
	return m.State == IntentStateExpired || !now.Before(m.ExpiresAt)
}

func (m IntentMandate) Requests(serviceID string) bool {
	serviceID = strings.TrimSpace(serviceID)
	for _, requested := range m.RequestedServiceIDs {
		if requested == serviceID {
			return true
		}
	}
	return false
}

type CartMandate struct {
	ID                string     `json:"id"`
	IntentID          string     `json:"intent_id"`
	LineItems         []LineItem `json:"line_items"`
	Total             Money      `json:"total"`
	MerchantID        string     `json:"merchant_id"`
	MerchantSignature []byte     `json:"merchant_signature"`
	TaskDescription   string     `json:"task_description"`
	RefundPeriodDays  int        `json:"refund_period_days"`
	State             CartState  `json:"state"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
}

func (c CartMandate) ExpiredAt(now time.Time) bool {
	return c.State == CartStateExpired || !now.Before(c.ExpiresAt)
}

// PrimaryServiceID returns the service the cart was priced for.
func (c CartMandate) PrimaryServiceID() string {
	if len(c.LineItems) == 0 {
		return ""
	}
	return c.LineItems[0].ServiceID
}

func (c CartMandate) Quantity() int {
	quantity := 0
	for _, item := range c.LineItems {
		quantity += item.Quantity
	}
	return quantity
}

type PaymentMethodKind string

const (
	PaymentMethodCard   PaymentMethodKind = "card"
	PaymentMethodBank   PaymentMethodKind = "bank"
	PaymentMethodCrypto PaymentMethodKind = "crypto"
)

type CardDetails struct {
	PayerName  string `json:"payer_name"`
	PayerEmail string `json:"payer_email"`
}

type BankDetails struct {
	AccountHolder string `json:"account_holder"`
	AccountNumber string `json:"account_number"`
	RoutingCode   string `json:"routing_code"`
}

type CryptoDetails struct {
	Network       string `json:"network"`
	WalletAddress string `json:"wallet_address"`
}

// PaymentMethod is a tagged variant: exactly the payload named by Kind is set.
type PaymentMethod struct {
	Kind   PaymentMethodKind `json:"kind"`
	Card   *CardDetails      `json:"card,omitempty"`
	Bank   *BankDetails      `json:"bank,omitempty"`
	Crypto *CryptoDetails    `json:"crypto,omitempty"`
}

func CardPayment(payerName, payerEmail string) PaymentMethod {
	return PaymentMethod{Kind: PaymentMethodCard, Card: &CardDetails{PayerName: payerName, PayerEmail: payerEmail}}
}

func BankPayment(holder, accountNumber, routingCode string) PaymentMethod {
	return PaymentMethod{Kind: PaymentMethodBank, Bank: &BankDetails{
		AccountHolder: holder,
		AccountNumber: accountNumber,
		RoutingCode:   routingCode,
	}}
}

func CryptoPayment(network, walletAddress string) PaymentMethod {
	return PaymentMethod{Kind: PaymentMethodCrypto, Crypto: &CryptoDetails{Network: network, WalletAddress: walletAddress}}
}

func (p PaymentMethod) Validate() error {
	set := 0
	for _, present := range []bool{p.Card != nil, p.Bank != nil, p.Crypto != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payment payload must be set", ErrInvalidPaymentMethod)
	}
	switch p.Kind {
	case PaymentMethodCard:
		if p.Card == nil {
			return fmt.Errorf("%w: card payload is required", ErrInvalidPaymentMethod)
		}
		if strings.TrimSpace(p.Card.PayerName) == "" || !strings.Contains(p.Card.PayerEmail, "@") {
			return fmt.Errorf("%w: card payer name and email are required", ErrInvalidPaymentMethod)
		}
	case PaymentMethodBank:
		if p.Bank == nil {
			return fmt.Errorf("%w: bank payload is required", ErrInvalidPaymentMethod)
		}
		if strings.TrimSpace(p.Bank.AccountHolder) == "" || strings.TrimSpace(p.Bank.AccountNumber) == "" {
			return fmt.Errorf("%w: bank account holder and number are required", ErrInvalidPaymentMethod)
		}
	case PaymentMethodCrypto:
		if p.Crypto == nil {
			return fmt.Errorf("%w: crypto payload is required", ErrInvalidPaymentMethod)
		}
		if strings.TrimSpace(p.Crypto.Network) == "" || strings.TrimSpace(p.Crypto.WalletAddress) == "" {
			return fmt.Errorf("%w: crypto network and wallet address are required", ErrInvalidPaymentMethod)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidPaymentMethod, p.Kind)
	}
	return nil
}

type PaymentMandate struct {
	ID                         string        `json:"id"`
	CartID                     string        `json:"cart_id"`
	PayerID                    string        `json:"payer_id"`
	PaymentMethod              PaymentMethod `json:"payment_method"`
	UserAuthorizationSignature []byte        `json:"user_authorization_signature"`
	Total                      Money         `json:"total"`
	Timestamp                  time.Time     `json:"timestamp"`
	State                      PaymentState  `json:"state"`
	ExecutionClaimedAt         *time.Time    `json:"execution_claimed_at,omitempty"`
	Result                     *TaskResult   `json:"result,omitempty"`
	FailureKind                string        `json:"failure_kind,omitempty"`
	FailureDetail              string        `json:"failure_detail,omitempty"`
	CompletedAt                *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt                  time.Time     `json:"updated_at"`
}

// PaymentCompletion moves an authorized payment to a terminal state.
type PaymentCompletion struct {
	State         PaymentState
	Result        *TaskResult
	FailureKind   string
	FailureDetail string
	CompletedAt   time.Time
}

func (c PaymentCompletion) Validate() error {
	if !PaymentStateAuthorized.CanTransitionTo(c.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPaymentStateTransition, PaymentStateAuthorized, c.State)
	}
	if c.State == PaymentStateFailed && strings.TrimSpace(c.FailureKind) == "" {
		return fmt.Errorf("core: failure kind is required for failed payments")
	}
	if c.CompletedAt.IsZero() {
		return fmt.Errorf("core: completion time is required")
	}
	return nil
}

type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

type TaskResult struct {
	PaymentMandateID string    `json:"payment_mandate_id"`
	ServiceID        string    `json:"service_id"`
	State            TaskState `json:"state"`
	Output           string    `json:"output,omitempty"`
	ResultRef        string    `json:"result_ref,omitempty"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
}

// TaskReply answers a follow-up message on an executed task.
type TaskReply struct {
	PaymentMandateID string    `json:"payment_mandate_id"`
	ServiceID        string    `json:"service_id"`
	State            TaskState `json:"state"`
	Reply            string    `json:"reply"`
	RepliedAt        time.Time `json:"replied_at"`
}

type TaskStatus struct {
	PaymentMandateID string       `json:"payment_mandate_id"`
	PaymentState     PaymentState `json:"payment_state"`
	State            TaskState    `json:"state"`
	Result           *TaskResult  `json:"result,omitempty"`
	FailureKind      string       `json:"failure_kind,omitempty"`
	FailureDetail    string       `json:"failure_detail,omitempty"`
	ClaimedAt        *time.Time   `json:"claimed_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TaskStatusOf projects a payment mandate into its task view.
func TaskStatusOf(payment PaymentMandate) TaskStatus {
	status := TaskStatus{
		PaymentMandateID: payment.ID,
		PaymentState:     payment.State,
		Result:           payment.Result,
		FailureKind:      payment.FailureKind,
		FailureDetail:    payment.FailureDetail,
		ClaimedAt:        payment.ExecutionClaimedAt,
		UpdatedAt:        payment.UpdatedAt,
	}
	switch payment.State {
	case PaymentStateExecuted:
		status.State = TaskStateCompleted
	case PaymentStateFailed:
		status.State = TaskStateFailed
	default:
		status.State = TaskStatePending
		if payment.ExecutionClaimedAt != nil {
			status.State = TaskStateRunning
		}
	}
	return status
}

// MandateRecord is the kind-tagged view of any stored mandate.
type MandateRecord struct {
	Kind    MandateKind     `json:"kind"`
	Intent  *IntentMandate  `json:"intent,omitempty"`
	Cart    *CartMandate    `json:"cart,omitempty"`
	Payment *PaymentMandate `json:"payment,omitempty"`
}

func (r MandateRecord) ID() string {
	switch {
	case r.Intent != nil:
		return r.Intent.ID
	case r.Cart != nil:
		return r.Cart.ID
	case r.Payment != nil:
		return r.Payment.ID
	default:
		return ""
	}
}

func (r MandateRecord) State() string {
	switch {
	case r.Intent != nil:
		return string(r.Intent.State)
	case r.Cart != nil:
		return string(r.Cart.State)
	case r.Payment != nil:
		return string(r.Payment.State)
	default:
		return ""
	}
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func normalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func timePointer(t time.Time) *time.Time {
	value := timestamp(t)
	return &value
}
