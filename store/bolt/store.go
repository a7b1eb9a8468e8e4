// Package boltstore persists mandates in a single BoltDB file. It suits a
// single-process deployment: bolt holds an exclusive file lock, and every
// write runs in one serialized read-write transaction, so each state
// transition is linearizable without further locking.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/goliatone/go-mandates/core"
)

var (
	intentsBucket        = []byte("intents")
	cartsBucket          = []byte("carts")
	paymentsBucket       = []byte("payments")
	paymentsByCartBucket = []byte("payments_by_cart")

	buckets = [][]byte{intentsBucket, cartsBucket, paymentsBucket, paymentsByCartBucket}
)

// Store implements core.MandateStore on top of BoltDB.
type Store struct {
	db      *bolt.DB
	secrets core.SecretProvider
}

type Option func(*Store)

// WithSecretProvider seals payment methods at rest.
func WithSecretProvider(provider core.SecretProvider) Option {
	return func(s *Store) {
		s.secrets = provider
	}
}

// Open opens (or creates) the database at path and ensures the mandate
// buckets exist.
func Open(path string, timeout time.Duration, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("boltstore: database path is required")
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, createErr := tx.CreateBucketIfNotExists(name); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: create buckets: %w", err)
	}
	store := &Store{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MandateStore lets a Store act as a core.StoreProvider.
func (s *Store) MandateStore() core.MandateStore {
	return s
}

func (s *Store) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if s == nil || s.db == nil {
		return core.ErrStoreNotWired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if s == nil || s.db == nil {
		return core.ErrStoreNotWired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) CreateIntent(ctx context.Context, intent core.IntentMandate) (core.IntentMandate, error) {
	intent.ID = strings.TrimSpace(intent.ID)
	if intent.ID == "" {
		return core.IntentMandate{}, fmt.Errorf("boltstore: intent id is required")
	}
	if !intent.State.Valid() {
		return core.IntentMandate{}, fmt.Errorf("%w: unknown state %q", core.ErrInvalidIntentStateTransition, intent.State)
	}
	intent.CreatedAt = intent.CreatedAt.UTC()
	intent.ExpiresAt = intent.ExpiresAt.UTC()
	if intent.UpdatedAt.IsZero() {
		intent.UpdatedAt = intent.CreatedAt
	}
	intent.UpdatedAt = intent.UpdatedAt.UTC()

	err := s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(intentsBucket)
		if bucket.Get([]byte(intent.ID)) != nil {
			return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, intent.ID)
		}
		return put(bucket, intent.ID, intent)
	})
	if err != nil {
		return core.IntentMandate{}, err
	}
	return intent, nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (core.IntentMandate, error) {
	var intent core.IntentMandate
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx.Bucket(intentsBucket), "intent", strings.TrimSpace(id), &intent)
	})
	return intent, err
}

func (s *Store) TransitionIntent(
	ctx context.Context,
	id string,
	from core.IntentState,
	to core.IntentState,
	at time.Time,
) (core.IntentMandate, error) {
	if !from.CanTransitionTo(to) {
		return core.IntentMandate{}, fmt.Errorf("%w: %s -> %s", core.ErrInvalidIntentStateTransition, from, to)
	}
	var intent core.IntentMandate
	err := s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(intentsBucket)
		if err := get(bucket, "intent", strings.TrimSpace(id), &intent); err != nil {
			return err
		}
		if intent.State != from {
			return fmt.Errorf("%w: intent %s is %s", core.ErrStateConflict, intent.ID, intent.State)
		}
		intent.State = to
		intent.UpdatedAt = at.UTC()
		return put(bucket, intent.ID, intent)
	})
	if err != nil {
		return core.IntentMandate{}, err
	}
	return intent, nil
}

func (s *Store) ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]core.IntentMandate, error) {
	out := make([]core.IntentMandate, 0)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return each(tx.Bucket(intentsBucket), func(intent core.IntentMandate) {
			if intent.State == core.IntentStateExpired || intent.ExpiresAt.After(before) {
				return
			}
			out = append(out, intent)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return limited(out, limit), nil
}

func (s *Store) CreateCart(ctx context.Context, cart core.CartMandate) (core.CartMandate, error) {
	cart.ID = strings.TrimSpace(cart.ID)
	if cart.ID == "" {
		return core.CartMandate{}, fmt.Errorf("boltstore: cart id is required")
	}
	if cart.State != core.CartStateSigned {
		return core.CartMandate{}, fmt.Errorf("%w: new carts must be %s", core.ErrInvalidCartStateTransition, core.CartStateSigned)
	}
	cart.CreatedAt = cart.CreatedAt.UTC()
	cart.ExpiresAt = cart.ExpiresAt.UTC()
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = cart.CreatedAt
	}
	cart.UpdatedAt = cart.UpdatedAt.UTC()

	err := s.update(ctx, func(tx *bolt.Tx) error {
		carts := tx.Bucket(cartsBucket)
		intents := tx.Bucket(intentsBucket)
		if carts.Get([]byte(cart.ID)) != nil {
			return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, cart.ID)
		}
		var intent core.IntentMandate
		if err := get(intents, "intent", cart.IntentID, &intent); err != nil {
			return err
		}

		var expired []core.CartMandate
		if err := each(carts, func(existing core.CartMandate) {
			if existing.IntentID == cart.IntentID && existing.State == core.CartStateSigned {
				expired = append(expired, existing)
			}
		}); err != nil {
			return err
		}
		for _, existing := range expired {
			existing.State = core.CartStateExpired
			existing.UpdatedAt = cart.CreatedAt
			if err := put(carts, existing.ID, existing); err != nil {
				return err
			}
		}
		if intent.State == core.IntentStateActive {
			intent.State = core.IntentStateSuperseded
			intent.UpdatedAt = cart.CreatedAt
			if err := put(intents, intent.ID, intent); err != nil {
				return err
			}
		}
		return put(carts, cart.ID, cart)
	})
	if err != nil {
		return core.CartMandate{}, err
	}
	return cart, nil
}

func (s *Store) GetCart(ctx context.Context, id string) (core.CartMandate, error) {
	var cart core.CartMandate
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return get(tx.Bucket(cartsBucket), "cart", strings.TrimSpace(id), &cart)
	})
	return cart, err
}

func (s *Store) ListCartsByIntent(ctx context.Context, intentID string) ([]core.CartMandate, error) {
	intentID = strings.TrimSpace(intentID)
	out := make([]core.CartMandate, 0)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return each(tx.Bucket(cartsBucket), func(cart core.CartMandate) {
			if cart.IntentID == intentID {
				out = append(out, cart)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) TransitionCart(
	ctx context.Context,
	id string,
	from core.CartState,
	to core.CartState,
	at time.Time,
) (core.CartMandate, error) {
	if !from.CanTransitionTo(to) {
		return core.CartMandate{}, fmt.Errorf("%w: %s -> %s", core.ErrInvalidCartStateTransition, from, to)
	}
	var cart core.CartMandate
	err := s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(cartsBucket)
		if err := get(bucket, "cart", strings.TrimSpace(id), &cart); err != nil {
			return err
		}
		if cart.State != from {
			return fmt.Errorf("%w: cart %s is %s", core.ErrStateConflict, cart.ID, cart.State)
		}
		cart.State = to
		cart.UpdatedAt = at.UTC()
		return put(bucket, cart.ID, cart)
	})
	if err != nil {
		return core.CartMandate{}, err
	}
	return cart, nil
}

func (s *Store) ListStaleCarts(ctx context.Context, before time.Time, limit int) ([]core.CartMandate, error) {
	out := make([]core.CartMandate, 0)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return each(tx.Bucket(cartsBucket), func(cart core.CartMandate) {
			if cart.State == core.CartStateSigned && !cart.ExpiresAt.After(before) {
				out = append(out, cart)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return limited(out, limit), nil
}

func (s *Store) BindPayment(ctx context.Context, payment core.PaymentMandate) (core.PaymentMandate, error) {
	payment.ID = strings.TrimSpace(payment.ID)
	if payment.ID == "" {
		return core.PaymentMandate{}, fmt.Errorf("boltstore: payment id is required")
	}
	if payment.State != core.PaymentStateAuthorized {
		return core.PaymentMandate{}, fmt.Errorf("%w: new payments must be %s", core.ErrInvalidPaymentStateTransition, core.PaymentStateAuthorized)
	}
	payment.Timestamp = payment.Timestamp.UTC()
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = payment.Timestamp
	}
	payment.UpdatedAt = payment.UpdatedAt.UTC()

	err := s.update(ctx, func(tx *bolt.Tx) error {
		payments := tx.Bucket(paymentsBucket)
		byCart := tx.Bucket(paymentsByCartBucket)
		carts := tx.Bucket(cartsBucket)
		if payments.Get([]byte(payment.ID)) != nil {
			return fmt.Errorf("%w: %s", core.ErrDuplicateMandate, payment.ID)
		}
		var cart core.CartMandate
		if err := get(carts, "cart", payment.CartID, &cart); err != nil {
			return err
		}
		if cart.State != core.CartStateSigned {
			return fmt.Errorf("%w: cart %s is %s", core.ErrStateConflict, cart.ID, cart.State)
		}
		if byCart.Get([]byte(cart.ID)) != nil {
			return fmt.Errorf("%w: cart %s already has a payment", core.ErrStateConflict, cart.ID)
		}
		cart.State = core.CartStateConsumed
		cart.UpdatedAt = payment.Timestamp
		if err := put(carts, cart.ID, cart); err != nil {
			return err
		}
		if err := s.putPayment(ctx, payments, payment); err != nil {
			return err
		}
		return byCart.Put([]byte(cart.ID), []byte(payment.ID))
	})
	if err != nil {
		return core.PaymentMandate{}, err
	}
	return payment, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (core.PaymentMandate, error) {
	var payment core.PaymentMandate
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var getErr error
		payment, getErr = s.getPayment(ctx, tx.Bucket(paymentsBucket), strings.TrimSpace(id))
		return getErr
	})
	return payment, err
}

func (s *Store) GetPaymentByCart(ctx context.Context, cartID string) (core.PaymentMandate, error) {
	cartID = strings.TrimSpace(cartID)
	var payment core.PaymentMandate
	err := s.view(ctx, func(tx *bolt.Tx) error {
		paymentID := tx.Bucket(paymentsByCartBucket).Get([]byte(cartID))
		if paymentID == nil {
			return fmt.Errorf("%w: payment for cart %q", core.ErrMandateNotFound, cartID)
		}
		var getErr error
		payment, getErr = s.getPayment(ctx, tx.Bucket(paymentsBucket), string(paymentID))
		return getErr
	})
	return payment, err
}

func (s *Store) ClaimExecution(ctx context.Context, id string, at time.Time) (core.PaymentMandate, bool, error) {
	var payment core.PaymentMandate
	claimed := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(paymentsBucket)
		var err error
		if payment, err = s.getPayment(ctx, bucket, strings.TrimSpace(id)); err != nil {
			return err
		}
		if payment.State != core.PaymentStateAuthorized || payment.ExecutionClaimedAt != nil {
			return nil
		}
		claimedAt := at.UTC()
		payment.ExecutionClaimedAt = &claimedAt
		payment.UpdatedAt = claimedAt
		claimed = true
		return s.putPayment(ctx, bucket, payment)
	})
	if err != nil {
		return core.PaymentMandate{}, false, err
	}
	return payment, claimed, nil
}

func (s *Store) CompletePayment(ctx context.Context, id string, completion core.PaymentCompletion) (core.PaymentMandate, error) {
	if err := completion.Validate(); err != nil {
		return core.PaymentMandate{}, err
	}
	var payment core.PaymentMandate
	err := s.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(paymentsBucket)
		var err error
		if payment, err = s.getPayment(ctx, bucket, strings.TrimSpace(id)); err != nil {
			return err
		}
		if payment.State != core.PaymentStateAuthorized {
			return fmt.Errorf("%w: payment %s is %s", core.ErrStateConflict, payment.ID, payment.State)
		}
		payment = core.ApplyCompletion(payment, completion)
		return s.putPayment(ctx, bucket, payment)
	})
	if err != nil {
		return core.PaymentMandate{}, err
	}
	return payment, nil
}

func (s *Store) ListStalePayments(ctx context.Context, before time.Time, limit int) ([]core.PaymentMandate, error) {
	out := make([]core.PaymentMandate, 0)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var stale []paymentRecord
		if err := each(tx.Bucket(paymentsBucket), func(record paymentRecord) {
			if record.State == core.PaymentStateAuthorized && !core.PaymentPendingSince(record.PaymentMandate).After(before) {
				stale = append(stale, record)
			}
		}); err != nil {
			return err
		}
		for _, record := range stale {
			payment, err := s.paymentToDomain(ctx, record)
			if err != nil {
				return err
			}
			out = append(out, payment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return core.PaymentPendingSince(out[i]).Before(core.PaymentPendingSince(out[j]))
	})
	return limited(out, limit), nil
}

// paymentRecord is the stored payment. With a secret provider the payment
// method is kept only as ciphertext in SealedMethod.
type paymentRecord struct {
	core.PaymentMandate
	PaymentMethod *core.PaymentMethod `json:"payment_method,omitempty"`
	SealedMethod  []byte              `json:"sealed_payment_method,omitempty"`
}

func (s *Store) putPayment(ctx context.Context, bucket *bolt.Bucket, payment core.PaymentMandate) error {
	record := paymentRecord{PaymentMandate: payment}
	record.PaymentMandate.PaymentMethod = core.PaymentMethod{}
	if s.secrets == nil {
		method := payment.PaymentMethod
		record.PaymentMethod = &method
		return put(bucket, payment.ID, record)
	}
	plaintext, err := json.Marshal(payment.PaymentMethod)
	if err != nil {
		return fmt.Errorf("boltstore: encode payment method: %w", err)
	}
	record.SealedMethod, err = s.secrets.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("boltstore: seal payment method: %w", err)
	}
	return put(bucket, payment.ID, record)
}

func (s *Store) getPayment(ctx context.Context, bucket *bolt.Bucket, id string) (core.PaymentMandate, error) {
	var record paymentRecord
	if err := get(bucket, "payment", id, &record); err != nil {
		return core.PaymentMandate{}, err
	}
	return s.paymentToDomain(ctx, record)
}

func (s *Store) paymentToDomain(ctx context.Context, record paymentRecord) (core.PaymentMandate, error) {
	payment := record.PaymentMandate
	switch {
	case len(record.SealedMethod) > 0:
		if s.secrets == nil {
			return core.PaymentMandate{}, fmt.Errorf("boltstore: payment %s is sealed but no secret provider is configured", payment.ID)
		}
		opened, err := s.secrets.Decrypt(ctx, record.SealedMethod)
		if err != nil {
			return core.PaymentMandate{}, fmt.Errorf("boltstore: open payment method for %s: %w", payment.ID, err)
		}
		if err := json.Unmarshal(opened, &payment.PaymentMethod); err != nil {
			return core.PaymentMandate{}, fmt.Errorf("boltstore: decode payment method for %s: %w", payment.ID, err)
		}
	case record.PaymentMethod != nil:
		payment.PaymentMethod = *record.PaymentMethod
	}
	return payment, nil
}

func put(bucket *bolt.Bucket, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("boltstore: encode %s: %w", id, err)
	}
	return bucket.Put([]byte(id), data)
}

func get(bucket *bolt.Bucket, kind string, id string, dest any) error {
	data := bucket.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%w: %s %q", core.ErrMandateNotFound, kind, id)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("boltstore: decode %s %q: %w", kind, id, err)
	}
	return nil
}

func each[T any](bucket *bolt.Bucket, fn func(T)) error {
	return bucket.ForEach(func(k, v []byte) error {
		var value T
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("boltstore: decode %s: %w", k, err)
		}
		fn(value)
		return nil
	})
}

func limited[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
