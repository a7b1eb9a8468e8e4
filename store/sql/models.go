package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

const (
	paymentMethodFormatJSON   = "json"
	paymentMethodFormatSealed = "sealed"
)

type intentRecord struct {
	bun.BaseModel `bun:"table:service_intent_mandates,alias:sim"`

	ID                       string    `bun:"id,pk"`
	Description              string    `bun:"description,notnull"`
	RequestedServiceIDs      []string  `bun:"requested_service_ids,type:jsonb,notnull"`
	MerchantIDs              []string  `bun:"merchant_ids,type:jsonb,notnull"`
	RequiresCartConfirmation bool      `bun:"requires_cart_confirmation,notnull"`
	RequiresRefundability    bool      `bun:"requires_refundability,notnull"`
	State                    string    `bun:"state,notnull"`
	ExpiresAt                time.Time `bun:"expires_at,notnull"`
	CreatedAt                time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt                time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type cartRecord struct {
	bun.BaseModel `bun:"table:service_cart_mandates,alias:scm"`

	ID                string          `bun:"id,pk"`
	IntentID          string          `bun:"intent_id,notnull"`
	LineItems         []core.LineItem `bun:"line_items,type:jsonb,notnull"`
	TotalAmount       decimal.Decimal `bun:"total_amount,notnull"`
	Currency          string          `bun:"currency,notnull"`
	MerchantID        string          `bun:"merchant_id,notnull"`
	MerchantSignature []byte          `bun:"merchant_signature,notnull"`
	TaskDescription   string          `bun:"task_description,notnull"`
	RefundPeriodDays  int             `bun:"refund_period_days,notnull"`
	State             string          `bun:"state,notnull"`
	ExpiresAt         time.Time       `bun:"expires_at,notnull"`
	CreatedAt         time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type paymentRecord struct {
	bun.BaseModel `bun:"table:service_payment_mandates,alias:spm"`

	ID                         string           `bun:"id,pk"`
	CartID                     string           `bun:"cart_id,notnull"`
	PayerID                    string           `bun:"payer_id,notnull"`
	PaymentMethodKind          string           `bun:"payment_method_kind,notnull"`
	PaymentMethodFormat        string           `bun:"payment_method_format,notnull"`
	PaymentMethodPayload       []byte           `bun:"payment_method_payload,notnull"`
	UserAuthorizationSignature []byte           `bun:"user_authorization_signature,notnull"`
	TotalAmount                decimal.Decimal  `bun:"total_amount,notnull"`
	Currency                   string           `bun:"currency,notnull"`
	State                      string           `bun:"state,notnull"`
	AuthorizedAt               time.Time        `bun:"authorized_at,notnull"`
	ExecutionClaimedAt         *time.Time       `bun:"execution_claimed_at,nullzero"`
	Result                     *core.TaskResult `bun:"result,type:jsonb"`
	FailureKind                string           `bun:"failure_kind,notnull"`
	FailureDetail              string           `bun:"failure_detail,notnull"`
	CompletedAt                *time.Time       `bun:"completed_at,nullzero"`
	UpdatedAt                  time.Time        `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type catalogRecord struct {
	bun.BaseModel `bun:"table:service_catalog,alias:scat"`

	ID          string          `bun:"id,pk"`
	Name        string          `bun:"name,notnull"`
	Description string          `bun:"description,notnull"`
	UnitPrice   decimal.Decimal `bun:"unit_price,notnull"`
	Currency    string          `bun:"currency,notnull"`
	Prompt      string          `bun:"prompt,notnull"`
	Tags        []string        `bun:"tags,type:jsonb,notnull"`
	Position    int             `bun:"position,notnull"`
	CreatedAt   time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time       `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newIntentRecord(intent core.IntentMandate) *intentRecord {
	return &intentRecord{
		ID:                       strings.TrimSpace(intent.ID),
		Description:              intent.Description,
		RequestedServiceIDs:      copyStrings(intent.RequestedServiceIDs),
		MerchantIDs:              copyStrings(intent.MerchantIDs),
		RequiresCartConfirmation: intent.RequiresCartConfirmation,
		RequiresRefundability:    intent.RequiresRefundability,
		State:                    string(intent.State),
		ExpiresAt:                intent.ExpiresAt.UTC(),
		CreatedAt:                intent.CreatedAt.UTC(),
		UpdatedAt:                intent.UpdatedAt.UTC(),
	}
}

func (r *intentRecord) toDomain() core.IntentMandate {
	if r == nil {
		return core.IntentMandate{}
	}
	return core.IntentMandate{
		ID:                       r.ID,
		Description:              r.Description,
		RequestedServiceIDs:      copyStrings(r.RequestedServiceIDs),
		MerchantIDs:              copyStrings(r.MerchantIDs),
		RequiresCartConfirmation: r.RequiresCartConfirmation,
		RequiresRefundability:    r.RequiresRefundability,
		State:                    core.IntentState(r.State),
		ExpiresAt:                r.ExpiresAt.UTC(),
		CreatedAt:                r.CreatedAt.UTC(),
		UpdatedAt:                r.UpdatedAt.UTC(),
	}
}

func newCartRecord(cart core.CartMandate) *cartRecord {
	return &cartRecord{
		ID:                strings.TrimSpace(cart.ID),
		IntentID:          strings.TrimSpace(cart.IntentID),
		LineItems:         append([]core.LineItem(nil), cart.LineItems...),
		TotalAmount:       cart.Total.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(cart.Total.Currency)),
		MerchantID:        cart.MerchantID,
		MerchantSignature: append([]byte(nil), cart.MerchantSignature...),
		TaskDescription:   cart.TaskDescription,
		RefundPeriodDays:  cart.RefundPeriodDays,
		State:             string(cart.State),
		ExpiresAt:         cart.ExpiresAt.UTC(),
		CreatedAt:         cart.CreatedAt.UTC(),
		UpdatedAt:         cart.UpdatedAt.UTC(),
	}
}

func (r *cartRecord) toDomain() core.CartMandate {
	if r == nil {
		return core.CartMandate{}
	}
	return core.CartMandate{
		ID:                r.ID,
		IntentID:          r.IntentID,
		LineItems:         append([]core.LineItem(nil), r.LineItems...),
		Total:             core.NewMoney(r.TotalAmount, r.Currency),
		MerchantID:        r.MerchantID,
		MerchantSignature: append([]byte(nil), r.MerchantSignature...),
		TaskDescription:   r.TaskDescription,
		RefundPeriodDays:  r.RefundPeriodDays,
		State:             core.CartState(r.State),
		ExpiresAt:         r.ExpiresAt.UTC(),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

// toDomain leaves PaymentMethod unset; the store opens the payload.
func (r *paymentRecord) toDomain() core.PaymentMandate {
	if r == nil {
		return core.PaymentMandate{}
	}
	payment := core.PaymentMandate{
		ID:                         r.ID,
		CartID:                     r.CartID,
		PayerID:                    r.PayerID,
		UserAuthorizationSignature: append([]byte(nil), r.UserAuthorizationSignature...),
		Total:                      core.NewMoney(r.TotalAmount, r.Currency),
		Timestamp:                  r.AuthorizedAt.UTC(),
		State:                      core.PaymentState(r.State),
		ExecutionClaimedAt:         utcPointer(r.ExecutionClaimedAt),
		FailureKind:                r.FailureKind,
		FailureDetail:              r.FailureDetail,
		CompletedAt:                utcPointer(r.CompletedAt),
		UpdatedAt:                  r.UpdatedAt.UTC(),
	}
	if r.Result != nil {
		result := *r.Result
		payment.Result = &result
	}
	return payment
}

func newCatalogRecord(entry core.CatalogEntry, position int, now time.Time) *catalogRecord {
	return &catalogRecord{
		ID:          strings.TrimSpace(entry.ServiceID),
		Name:        entry.Name,
		Description: entry.Description,
		UnitPrice:   entry.UnitPrice,
		Currency:    strings.ToUpper(strings.TrimSpace(entry.Currency)),
		Prompt:      entry.Prompt,
		Tags:        copyStrings(entry.Tags),
		Position:    position,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r *catalogRecord) toDomain() core.CatalogEntry {
	if r == nil {
		return core.CatalogEntry{}
	}
	return core.CatalogEntry{
		ServiceID:   r.ID,
		Name:        r.Name,
		Description: r.Description,
		UnitPrice:   r.UnitPrice,
		Currency:    r.Currency,
		Prompt:      r.Prompt,
		Tags:        copyStrings(r.Tags),
	}
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	return append([]string(nil), in...)
}

func utcPointer(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := in.UTC()
	return &value
}
