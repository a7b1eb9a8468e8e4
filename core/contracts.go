package core

import (
	"context"
	"errors"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/shopspring/decimal"
)

var (
	ErrMandateNotFound   = errors.New("core: mandate not found")
	ErrStateConflict     = errors.New("core: mandate state conflict")
	ErrDuplicateMandate  = errors.New("core: mandate already exists")
	ErrServiceNotFound   = errors.New("core: service not found in catalog")
	ErrKeyNotFound       = errors.New("core: key material not found")
	ErrUnsupportedKey    = errors.New("core: unsupported key material")
	ErrDispatchNotWired  = errors.New("core: task dispatcher is not configured")
	ErrBackendNotWired   = errors.New("core: task backend is not configured")
	ErrCatalogNotWired   = errors.New("core: service catalog is not configured")
	ErrStoreNotWired     = errors.New("core: mandate store is not configured")
	ErrSignerNotWired    = errors.New("core: signer verifier is not configured")
	ErrEmptyDescription  = errors.New("core: description is required")
	ErrMissingServiceIDs = errors.New("core: at least one service id is required")
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

type IntentStore interface {
	CreateIntent(ctx context.Context, intent IntentMandate) (IntentMandate, error)
	GetIntent(ctx context.Context, id string) (IntentMandate, error)
	TransitionIntent(ctx context.Context, id string, from IntentState, to IntentState, at time.Time) (IntentMandate, error)
	ListStaleIntents(ctx context.Context, before time.Time, limit int) ([]IntentMandate, error)
}

type CartStore interface {
	// CreateCart stores a signed cart and, in the same atomic step, expires
	// every still-signed cart of the same intent and supersedes an active
	// intent.
	CreateCart(ctx context.Context, cart CartMandate) (CartMandate, error)
	GetCart(ctx context.Context, id string) (CartMandate, error)
	ListCartsByIntent(ctx context.Context, intentID string) ([]CartMandate, error)
	TransitionCart(ctx context.Context, id string, from CartState, to CartState, at time.Time) (CartMandate, error)
	ListStaleCarts(ctx context.Context, before time.Time, limit int) ([]CartMandate, error)
}

type PaymentStore interface {
	// BindPayment moves the referenced cart from signed to consumed and stores
	// the authorized payment as one linearizable step. ErrStateConflict is
	// returned when the cart is no longer signed.
	BindPayment(ctx context.Context, payment PaymentMandate) (PaymentMandate, error)
	GetPayment(ctx context.Context, id string) (PaymentMandate, error)
	GetPaymentByCart(ctx context.Context, cartID string) (PaymentMandate, error)
	// ClaimExecution marks an authorized, unclaimed payment as claimed. The
	// bool result is false when another caller already holds the claim or the
	// payment is terminal.
	ClaimExecution(ctx context.Context, id string, at time.Time) (PaymentMandate, bool, error)
	CompletePayment(ctx context.Context, id string, completion PaymentCompletion) (PaymentMandate, error)
	ListStalePayments(ctx context.Context, before time.Time, limit int) ([]PaymentMandate, error)
}

type MandateStore interface {
	IntentStore
	CartStore
	PaymentStore
}

type CatalogEntry struct {
	ServiceID   string          `json:"service_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Currency    string          `json:"currency"`
	Prompt      string          `json:"prompt,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

type Catalog interface {
	Lookup(ctx context.Context, serviceID string) (CatalogEntry, error)
	List(ctx context.Context) ([]CatalogEntry, error)
}

type PrincipalKind string

const (
	PrincipalUser     PrincipalKind = "user"
	PrincipalMerchant PrincipalKind = "merchant"
)

type Principal struct {
	Kind PrincipalKind `json:"kind"`
	ID   string        `json:"id"`
}

func UserPrincipal(id string) Principal {
	return Principal{Kind: PrincipalUser, ID: id}
}

func MerchantPrincipal(id string) Principal {
	return Principal{Kind: PrincipalMerchant, ID: id}
}

func (p Principal) String() string {
	return string(p.Kind) + ":" + p.ID
}

type KeyAlgorithm string

const (
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
	KeyAlgorithmHMACSHA256 KeyAlgorithm = "hmac-sha256"
)

// KeyMaterial carries the key for one principal. Ed25519 keys use
// PrivateKey/PublicKey; HMAC keys use Secret.
type KeyMaterial struct {
	KeyID      string
	Algorithm  KeyAlgorithm
	PrivateKey []byte
	PublicKey  []byte
	Secret     []byte
}

type KeyProvider interface {
	KeyMaterial(ctx context.Context, principal Principal) (KeyMaterial, error)
}

type SignerVerifier interface {
	Sign(ctx context.Context, principal Principal, payload []byte) ([]byte, error)
	Verify(ctx context.Context, principal Principal, payload []byte, signature []byte) (bool, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type TaskSpec struct {
	PaymentMandateID string `json:"payment_mandate_id"`
	CartID           string `json:"cart_id"`
	IntentID         string `json:"intent_id"`
	ServiceID        string `json:"service_id"`
	TaskDescription  string `json:"task_description"`
	Prompt           string `json:"prompt,omitempty"`
	Quantity         int    `json:"quantity"`
	Total            Money  `json:"total"`
}

type TaskBackend interface {
	Execute(ctx context.Context, spec TaskSpec) (TaskResult, error)
}

// TaskConversation is a follow-up message on a task that already ran.
type TaskConversation struct {
	Spec        TaskSpec `json:"spec"`
	PriorOutput string   `json:"prior_output,omitempty"`
	Message     string   `json:"message"`
}

// ConversationBackend is implemented by task backends that answer
// follow-up messages. Follow-ups are not billed and do not change payment
// state.
type ConversationBackend interface {
	Continue(ctx context.Context, conv TaskConversation) (string, error)
}

type TaskBackendFunc func(ctx context.Context, spec TaskSpec) (TaskResult, error)

func (f TaskBackendFunc) Execute(ctx context.Context, spec TaskSpec) (TaskResult, error) {
	return f(ctx, spec)
}

type TaskExecutor interface {
	ExecuteTask(ctx context.Context, paymentMandateID string) (TaskResult, error)
}

type TaskDispatcher interface {
	Dispatch(ctx context.Context, paymentMandateID string) error
}

type CreateIntentRequest struct {
	Description              string     `json:"description"`
	ServiceIDs               []string   `json:"service_ids"`
	RequiresCartConfirmation bool       `json:"requires_cart_confirmation,omitempty"`
	RequiresRefundability    bool       `json:"requires_refundability,omitempty"`
	MerchantIDs              []string   `json:"merchant_ids,omitempty"`
	ExpiresAt                *time.Time `json:"expires_at,omitempty"`
}

type CreateCartRequest struct {
	IntentID        string `json:"intent_id"`
	ServiceID       string `json:"service_id"`
	TaskDescription string `json:"task_description"`
	Quantity        int    `json:"quantity,omitempty"`
}

type ContinueTaskRequest struct {
	PaymentMandateID string `json:"payment_mandate_id"`
	Message          string `json:"message"`
}

type UserAuthorization struct {
	PayerID   string `json:"payer_id"`
	Signature []byte `json:"signature"`
}

type ProcessPaymentRequest struct {
	CartID        string            `json:"cart_id"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	Authorization UserAuthorization `json:"user_authorization"`
	ExpectedTotal *Money            `json:"expected_total,omitempty"`
}

type ReconcileResult struct {
	FailedPaymentIDs []string `json:"failed_payment_ids"`
	ExpiredIntentIDs []string `json:"expired_intent_ids"`
	ExpiredCartIDs   []string `json:"expired_cart_ids"`
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// RepositoryStoreFactory builds a MandateStore from a persistence client such
// as *bun.DB or a go-persistence-bun client.
type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type StoreProvider interface {
	MandateStore() MandateStore
}

// CatalogProvider is implemented by store providers that also persist the
// service catalog. An explicitly configured catalog takes precedence.
type CatalogProvider interface {
	Catalog() Catalog
}
