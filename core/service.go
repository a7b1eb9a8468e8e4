package core

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Service is the mandate protocol engine. It issues intent, cart and payment
// mandates, verifies their signatures, and triggers task execution once per
// authorized payment.
type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	secretProvider    SecretProvider
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	store             MandateStore
	catalog           Catalog
	signer            SignerVerifier
	keyProvider       KeyProvider
	backend           TaskBackend
	dispatcher        TaskDispatcher
	jobEnqueuer       JobEnqueuer
	clock             Clock
	lifecycle         *LifecycleHookCoordinator
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	SecretProvider    SecretProvider
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	MandateStore      MandateStore
	Catalog           Catalog
	SignerVerifier    SignerVerifier
	KeyProvider       KeyProvider
	TaskBackend       TaskBackend
	TaskDispatcher    TaskDispatcher
	JobEnqueuer       JobEnqueuer
	Clock             Clock
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	// An explicit logger wins over the provider's named child.
	provider, logger := glog.Resolve("mandates", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if builder.logger != nil {
		logger = builder.logger
	} else if provider != nil {
		if named := provider.GetLogger("mandates"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = SystemClock{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.store == nil && builder.repositoryFactory != nil {
		if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
			stores, buildErr := storeFactory.BuildStores(builder.persistenceClient)
			if buildErr != nil {
				return nil, mapBuildError(builder.errorMapper, buildErr)
			}
			if stores != nil {
				builder.store = stores.MandateStore()
				builder.catalog = catalogFrom(stores, builder.catalog)
			}
		} else if stores, ok := builder.repositoryFactory.(StoreProvider); ok {
			builder.store = stores.MandateStore()
			builder.catalog = catalogFrom(stores, builder.catalog)
		}
	}
	if builder.catalog == nil {
		builder.catalog = NewStaticCatalog(DefaultCatalogEntries()...)
	}
	if builder.store == nil {
		builder.store = NewMemoryMandateStore()
	}

	if builder.signer == nil {
		if builder.keyProvider == nil {
			derived, keyErr := NewDerivedKeyProvider(nil)
			if keyErr != nil {
				return nil, mapBuildError(builder.errorMapper, keyErr)
			}
			builder.keyProvider = derived
		}
		builder.signer = NewKeyedSignerVerifier(builder.keyProvider)
	}

	svc := &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		secretProvider:    builder.secretProvider,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		store:             builder.store,
		catalog:           builder.catalog,
		signer:            builder.signer,
		keyProvider:       builder.keyProvider,
		backend:           builder.backend,
		jobEnqueuer:       builder.jobEnqueuer,
		clock:             builder.clock,
		lifecycle:         NewLifecycleHookCoordinator(builder.lifecycleHooks...),
	}

	dispatcher := builder.dispatcher
	if dispatcher == nil {
		dispatcher, err = svc.defaultDispatcher(finalConfig.Task.Dispatch)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}
	svc.dispatcher = dispatcher
	return svc, nil
}

func catalogFrom(stores StoreProvider, current Catalog) Catalog {
	if current != nil {
		return current
	}
	if provider, ok := stores.(CatalogProvider); ok {
		return provider.Catalog()
	}
	return nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		SecretProvider:    s.secretProvider,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		MandateStore:      s.store,
		Catalog:           s.catalog,
		SignerVerifier:    s.signer,
		KeyProvider:       s.keyProvider,
		TaskBackend:       s.backend,
		TaskDispatcher:    s.dispatcher,
		JobEnqueuer:       s.jobEnqueuer,
		Clock:             s.clock,
	}
}

func (s *Service) now() time.Time {
	if s == nil || s.clock == nil {
		return timestamp(time.Now())
	}
	return timestamp(s.clock.Now())
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

// kindError builds a kind-tagged error through the configured factory.
func (s *Service) kindError(kind string, message string, metadata map[string]any) error {
	category, code := kindEnvelope(kind)
	factory := goerrors.New
	if s != nil && s.errorFactory != nil {
		factory = s.errorFactory
	}
	err := factory(message, category).
		WithTextCode(kind).
		WithCode(code).
		WithMetadata(map[string]any{errorClassKey: kindClass(kind)}, metadata)
	if category == goerrors.CategoryInternal {
		err = err.WithSeverity(goerrors.SeverityCritical)
	}
	return err
}

// wrapKindError keeps cause reachable through errors.Is while tagging it with
// kind.
func (s *Service) wrapKindError(cause error, kind string, metadata map[string]any) error {
	if cause == nil {
		return nil
	}
	return wrapKind(cause, kind).WithMetadata(metadata)
}

func (s *Service) requireStore() error {
	if s == nil || s.store == nil {
		return s.mapError(ErrStoreNotWired)
	}
	return nil
}

func (s *Service) requireCatalog() error {
	if s == nil || s.catalog == nil {
		return s.mapError(ErrCatalogNotWired)
	}
	return nil
}

func (s *Service) requireSigner() error {
	if s == nil || s.signer == nil {
		return s.mapError(ErrSignerNotWired)
	}
	return nil
}
