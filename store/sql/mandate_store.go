package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// MandateStore persists intent, cart and payment mandates with bun. Every
// state change is a conditional UPDATE on the expected state, so concurrent
// writers resolve through RowsAffected rather than application locks.
type MandateStore struct {
	db       *bun.DB
	intents  repository.Repository[*intentRecord]
	carts    repository.Repository[*cartRecord]
	payments repository.Repository[*paymentRecord]
	secrets  core.SecretProvider
}

func NewMandateStore(db *bun.DB, secrets core.SecretProvider) (*MandateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	intents := repository.NewRepository[*intentRecord](db, intentHandlers())
	if validator, ok := intents.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid intent repository wiring: %w", err)
		}
	}
	carts := repository.NewRepository[*cartRecord](db, cartHandlers())
	if validator, ok := carts.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid cart repository wiring: %w", err)
		}
	}
	payments := repository.NewRepository[*paymentRecord](db, paymentHandlers())
	if validator, ok := payments.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid payment repository wiring: %w", err)
		}
	}
	return &MandateStore{
		db:       db,
		intents:  intents,
		carts:    carts,
		payments: payments,
		secrets:  secrets,
	}, nil
}

func (s *MandateStore) configured() error {
	if s == nil || s.db == nil {
		return core.ErrStoreNotWired
	}
	return nil
}

func (s *MandateStore) CreateIntent(ctx context.Context, intent core.IntentMandate) (core.IntentMandate, error) {
	if err := s.configured(); err != nil {
		return core.IntentMandate{}, err
	}
	intent.ID = strings.TrimSpace(intent.ID)
	if intent.ID == "" {
		return core.IntentMandate{}, fmt.Errorf("sqlstore: intent id is required")
	}
	if !intent.State.Valid() {
		return core.IntentMandate{}, fmt.Errorf("%w: unknown state %q", core.ErrInvalidIntentStateTransition, intent.State)
	}
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = intent.CreatedAt
	}

	record := newIntentRecord(intent)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*intentRecord)(nil)).Where("?TableAlias.id = ?", record.ID).Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, record.ID)
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, record.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return core.IntentMandate{}, err
	}
	return record.toDomain(), nil
}

func (s *MandateStore) GetIntent(ctx context.Context, id string) (core.IntentMandate, error) {
	if err := s.configured(); err != nil {
		return core.IntentMandate{}, err
	}
	record, err := findIntent(ctx, s.db, id)
	if err != nil {
		return core.IntentMandate{}, err
	}
	return record.toDomain(), nil
}

func (s *MandateStore) TransitionIntent(
	ctx context.Context,
	id string,
	from core.IntentState,
	to core.IntentState,
	at time.Time,
) (core.IntentMandate, error) {
	if err := s.configured(); err != nil {
		return core.IntentMandate{}, err
	}
	if !from.CanTransitionTo(to) {
		return core.IntentMandate{}, fmt.Errorf("%w: %s -> %s", core.ErrInvalidIntentStateTransition, from, to)
	}
	id = strings.TrimSpace(id)

	var out core.IntentMandate
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*intentRecord)(nil)).
			Set("state = ?", string(to)).
			Set("updated_at = ?", at.UTC()).
			Where("id = ?", id).
			Where("state = ?", string(from)).
			Exec(ctx)
		if err != nil {
			return err
		}
		record, err := findIntent(ctx, tx, id)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: intent %s is %s", core.ErrStateConflict, record.ID, record.State)
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.IntentMandate{}, err
	}
	return out, nil
}

func (s *MandateStore) ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]core.IntentMandate, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	criteria := []repository.SelectCriteria{
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.state != ?", string(core.IntentStateExpired)).
				Where("?TableAlias.expires_at <= ?", before.UTC())
		}),
		repository.OrderBy("expires_at ASC"),
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.intents.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.IntentMandate, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *MandateStore) CreateCart(ctx context.Context, cart core.CartMandate) (core.CartMandate, error) {
	if err := s.configured(); err != nil {
		return core.CartMandate{}, err
	}
	cart.ID = strings.TrimSpace(cart.ID)
	if cart.ID == "" {
		return core.CartMandate{}, fmt.Errorf("sqlstore: cart id is required")
	}
	if cart.State != core.CartStateSigned {
		return core.CartMandate{}, fmt.Errorf("%w: new carts must be %s", core.ErrInvalidCartStateTransition, core.CartStateSigned)
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = cart.CreatedAt
	}

	record := newCartRecord(cart)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := findIntent(ctx, tx, record.IntentID); err != nil {
			return err
		}
		exists, err := tx.NewSelect().Model((*cartRecord)(nil)).Where("?TableAlias.id = ?", record.ID).Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, record.ID)
		}
		if _, err := tx.NewUpdate().
			Model((*cartRecord)(nil)).
			Set("state = ?", string(core.CartStateExpired)).
			Set("updated_at = ?", record.CreatedAt).
			Where("intent_id = ?", record.IntentID).
			Where("state = ?", string(core.CartStateSigned)).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewUpdate().
			Model((*intentRecord)(nil)).
			Set("state = ?", string(core.IntentStateSuperseded)).
			Set("updated_at = ?", record.CreatedAt).
			Where("id = ?", record.IntentID).
			Where("state = ?", string(core.IntentStateActive)).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, record.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return core.CartMandate{}, err
	}
	return record.toDomain(), nil
}

func (s *MandateStore) GetCart(ctx context.Context, id string) (core.CartMandate, error) {
	if err := s.configured(); err != nil {
		return core.CartMandate{}, err
	}
	record, err := findCart(ctx, s.db, id)
	if err != nil {
		return core.CartMandate{}, err
	}
	return record.toDomain(), nil
}

func (s *MandateStore) ListCartsByIntent(ctx context.Context, intentID string) ([]core.CartMandate, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	records, _, err := s.carts.List(ctx,
		repository.SelectBy("intent_id", "=", strings.TrimSpace(intentID)),
		repository.OrderBy("created_at ASC"),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.CartMandate, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *MandateStore) TransitionCart(
	ctx context.Context,
	id string,
	from core.CartState,
	to core.CartState,
	at time.Time,
) (core.CartMandate, error) {
	if err := s.configured(); err != nil {
		return core.CartMandate{}, err
	}
	if !from.CanTransitionTo(to) {
		return core.CartMandate{}, fmt.Errorf("%w: %s -> %s", core.ErrInvalidCartStateTransition, from, to)
	}
	id = strings.TrimSpace(id)

	var out core.CartMandate
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*cartRecord)(nil)).
			Set("state = ?", string(to)).
			Set("updated_at = ?", at.UTC()).
			Where("id = ?", id).
			Where("state = ?", string(from)).
			Exec(ctx)
		if err != nil {
			return err
		}
		record, err := findCart(ctx, tx, id)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: cart %s is %s", core.ErrStateConflict, record.ID, record.State)
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.CartMandate{}, err
	}
	return out, nil
}

func (s *MandateStore) ListStaleCarts(ctx context.Context, before time.Time, limit int) ([]core.CartMandate, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	criteria := []repository.SelectCriteria{
		repository.SelectBy("state", "=", string(core.CartStateSigned)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.expires_at <= ?", before.UTC())
		}),
		repository.OrderBy("expires_at ASC"),
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.carts.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.CartMandate, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// BindPayment consumes the cart and inserts the payment in one transaction.
// The unique cart_id index backs up the conditional update.
func (s *MandateStore) BindPayment(ctx context.Context, payment core.PaymentMandate) (core.PaymentMandate, error) {
	if err := s.configured(); err != nil {
		return core.PaymentMandate{}, err
	}
	payment.ID = strings.TrimSpace(payment.ID)
	payment.CartID = strings.TrimSpace(payment.CartID)
	if payment.ID == "" {
		return core.PaymentMandate{}, fmt.Errorf("sqlstore: payment id is required")
	}
	if payment.State != core.PaymentStateAuthorized {
		return core.PaymentMandate{}, fmt.Errorf("%w: new payments must be %s", core.ErrInvalidPaymentStateTransition, core.PaymentStateAuthorized)
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = payment.Timestamp
	}

	record, err := s.newPaymentRecord(ctx, payment)
	if err != nil {
		return core.PaymentMandate{}, err
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*paymentRecord)(nil)).Where("?TableAlias.id = ?", record.ID).Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, record.ID)
		}
		res, err := tx.NewUpdate().
			Model((*cartRecord)(nil)).
			Set("state = ?", string(core.CartStateConsumed)).
			Set("updated_at = ?", record.AuthorizedAt).
			Where("id = ?", record.CartID).
			Where("state = ?", string(core.CartStateSigned)).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			cart, findErr := findCart(ctx, tx, record.CartID)
			if findErr != nil {
				return findErr
			}
			return fmt.Errorf("%w: cart %s is %s", core.ErrStateConflict, cart.ID, cart.State)
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: cart %s already has a payment", core.ErrStateConflict, record.CartID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return core.PaymentMandate{}, err
	}
	return s.paymentToDomain(ctx, record)
}

func (s *MandateStore) GetPayment(ctx context.Context, id string) (core.PaymentMandate, error) {
	if err := s.configured(); err != nil {
		return core.PaymentMandate{}, err
	}
	record, err := findPayment(ctx, s.db, "id", id)
	if err != nil {
		return core.PaymentMandate{}, err
	}
	return s.paymentToDomain(ctx, record)
}

func (s *MandateStore) GetPaymentByCart(ctx context.Context, cartID string) (core.PaymentMandate, error) {
	if err := s.configured(); err != nil {
		return core.PaymentMandate{}, err
	}
	record, err := findPayment(ctx, s.db, "cart_id", cartID)
	if err != nil {
		return core.PaymentMandate{}, err
	}
	return s.paymentToDomain(ctx, record)
}

func (s *MandateStore) ClaimExecution(ctx context.Context, id string, at time.Time) (core.PaymentMandate, bool, error) {
	if err := s.configured(); err != nil {
		return core.PaymentMandate{}, false, err
	}
	id = strings.TrimSpace(id)
	claimedAt := at.UTC()

	var (
		record  *paymentRecord
		claimed bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*paymentRecord)(nil)).
			Set("execution_claimed_at = ?", claimedAt).
			Set("updated_at = ?", claimedAt).
			Where("id = ?", id).
			Where("state = ?", string(core.PaymentStateAuthorized)).
			Where("execution_claimed_at IS NULL").
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		claimed = affected == 1
		record, err = findPayment(ctx, tx, "id", id)
		return err
	})
	if err != nil {
		return core.PaymentMandate{}, false, err
	}
	payment, err := s.paymentToDomain(ctx, record)
	if err != nil {
		return core.PaymentMandate{}, false, err
	}
	return payment, claimed, nil
}

func (s *MandateStore) CompletePayment(ctx context.Context, id string, completion core.PaymentCompletion) (core.PaymentMandate, error) {
	if err := s.configured(); err != nil {
		return core.PaymentMandate{}, err
	}
	if err := completion.Validate(); err != nil {
		return core.PaymentMandate{}, err
	}
	id = strings.TrimSpace(id)
	completedAt := completion.CompletedAt.UTC()

	var record *paymentRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := findPayment(ctx, tx, "id", id)
		if err != nil {
			return err
		}
		if current.State != string(core.PaymentStateAuthorized) {
			return fmt.Errorf("%w: payment %s is %s", core.ErrStateConflict, current.ID, current.State)
		}
		applied := &paymentRecord{
			State:         string(completion.State),
			FailureKind:   strings.TrimSpace(completion.FailureKind),
			FailureDetail: completion.FailureDetail,
			CompletedAt:   &completedAt,
			UpdatedAt:     completedAt,
		}
		if completion.Result != nil {
			result := *completion.Result
			applied.Result = &result
		}
		res, err := tx.NewUpdate().
			Model(applied).
			Column("state", "failure_kind", "failure_detail", "completed_at", "updated_at", "result").
			Where("id = ?", id).
			Where("state = ?", string(core.PaymentStateAuthorized)).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: payment %s completed concurrently", core.ErrStateConflict, id)
		}
		record, err = findPayment(ctx, tx, "id", id)
		return err
	})
	if err != nil {
		return core.PaymentMandate{}, err
	}
	return s.paymentToDomain(ctx, record)
}

func (s *MandateStore) ListStalePayments(ctx context.Context, before time.Time, limit int) ([]core.PaymentMandate, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	criteria := []repository.SelectCriteria{
		repository.SelectBy("state", "=", string(core.PaymentStateAuthorized)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("COALESCE(?TableAlias.execution_claimed_at, ?TableAlias.authorized_at) <= ?", before.UTC()).
				OrderExpr("COALESCE(?TableAlias.execution_claimed_at, ?TableAlias.authorized_at) ASC")
		}),
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.payments.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.PaymentMandate, 0, len(records))
	for _, record := range records {
		payment, convertErr := s.paymentToDomain(ctx, record)
		if convertErr != nil {
			return nil, convertErr
		}
		out = append(out, payment)
	}
	return out, nil
}

// newPaymentRecord seals the payment method with the secret provider when one
// is configured. Without one the payload is stored as plain JSON.
func (s *MandateStore) newPaymentRecord(ctx context.Context, payment core.PaymentMandate) (*paymentRecord, error) {
	payload, err := json.Marshal(payment.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode payment method: %w", err)
	}
	format := paymentMethodFormatJSON
	if s.secrets != nil {
		payload, err = s.secrets.Encrypt(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: seal payment method: %w", err)
		}
		format = paymentMethodFormatSealed
	}
	return &paymentRecord{
		ID:                         payment.ID,
		CartID:                     payment.CartID,
		PayerID:                    strings.TrimSpace(payment.PayerID),
		PaymentMethodKind:          string(payment.PaymentMethod.Kind),
		PaymentMethodFormat:        format,
		PaymentMethodPayload:       payload,
		UserAuthorizationSignature: append([]byte(nil), payment.UserAuthorizationSignature...),
		TotalAmount:                payment.Total.Amount,
		Currency:                   strings.ToUpper(strings.TrimSpace(payment.Total.Currency)),
		State:                      string(payment.State),
		AuthorizedAt:               payment.Timestamp.UTC(),
		UpdatedAt:                  payment.UpdatedAt.UTC(),
	}, nil
}

func (s *MandateStore) paymentToDomain(ctx context.Context, record *paymentRecord) (core.PaymentMandate, error) {
	payment := record.toDomain()
	payload := record.PaymentMethodPayload
	switch record.PaymentMethodFormat {
	case paymentMethodFormatSealed:
		if s.secrets == nil {
			return core.PaymentMandate{}, fmt.Errorf("sqlstore: payment %s is sealed but no secret provider is configured", record.ID)
		}
		opened, err := s.secrets.Decrypt(ctx, payload)
		if err != nil {
			return core.PaymentMandate{}, fmt.Errorf("sqlstore: open payment method for %s: %w", record.ID, err)
		}
		payload = opened
	case paymentMethodFormatJSON, "":
	default:
		return core.PaymentMandate{}, fmt.Errorf("sqlstore: unknown payment method format %q", record.PaymentMethodFormat)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &payment.PaymentMethod); err != nil {
			return core.PaymentMandate{}, fmt.Errorf("sqlstore: decode payment method for %s: %w", record.ID, err)
		}
	}
	return payment, nil
}

func findIntent(ctx context.Context, db bun.IDB, id string) (*intentRecord, error) {
	id = strings.TrimSpace(id)
	record := &intentRecord{}
	if err := db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "intent", id)
	}
	return record, nil
}

func findCart(ctx context.Context, db bun.IDB, id string) (*cartRecord, error) {
	id = strings.TrimSpace(id)
	record := &cartRecord{}
	if err := db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "cart", id)
	}
	return record, nil
}

func findPayment(ctx context.Context, db bun.IDB, column string, value string) (*paymentRecord, error) {
	value = strings.TrimSpace(value)
	record := &paymentRecord{}
	if err := db.NewSelect().Model(record).Where("?TableAlias.? = ?", bun.Ident(column), value).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "payment", value)
	}
	return record, nil
}
