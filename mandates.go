// Package mandates exposes the intent, cart and payment mandate service and
// its command/query facade.
package mandates

import "github.com/goliatone/go-mandates/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type IntentMandate = core.IntentMandate
type CartMandate = core.CartMandate
type PaymentMandate = core.PaymentMandate
type MandateRecord = core.MandateRecord
type TaskResult = core.TaskResult
type TaskStatus = core.TaskStatus
type CatalogEntry = core.CatalogEntry
type ReconcileResult = core.ReconcileResult

type CreateIntentRequest = core.CreateIntentRequest
type CreateCartRequest = core.CreateCartRequest
type ProcessPaymentRequest = core.ProcessPaymentRequest

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithSecretProvider    = core.WithSecretProvider
	WithPersistenceClient = core.WithPersistenceClient
	WithRepositoryFactory = core.WithRepositoryFactory
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithMandateStore      = core.WithMandateStore
	WithCatalog           = core.WithCatalog
	WithSignerVerifier    = core.WithSignerVerifier
	WithKeyProvider       = core.WithKeyProvider
	WithTaskBackend       = core.WithTaskBackend
	WithTaskDispatcher    = core.WithTaskDispatcher
	WithJobEnqueuer       = core.WithJobEnqueuer
	WithClock             = core.WithClock
	WithLifecycleHooks    = core.WithLifecycleHooks
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
