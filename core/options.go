package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
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
	lifecycleHooks    []LifecycleHook
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

// WithSecretProvider is forwarded to repository factories that encrypt
// payment method details at rest.
func WithSecretProvider(provider SecretProvider) Option {
	return func(b *serviceBuilder) {
		b.secretProvider = provider
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithMandateStore(store MandateStore) Option {
	return func(b *serviceBuilder) {
		b.store = store
	}
}

func WithCatalog(catalog Catalog) Option {
	return func(b *serviceBuilder) {
		b.catalog = catalog
	}
}

func WithSignerVerifier(signer SignerVerifier) Option {
	return func(b *serviceBuilder) {
		b.signer = signer
	}
}

// WithKeyProvider builds a KeyedSignerVerifier when no signer is supplied.
func WithKeyProvider(provider KeyProvider) Option {
	return func(b *serviceBuilder) {
		b.keyProvider = provider
	}
}

func WithTaskBackend(backend TaskBackend) Option {
	return func(b *serviceBuilder) {
		b.backend = backend
	}
}

func WithTaskDispatcher(dispatcher TaskDispatcher) Option {
	return func(b *serviceBuilder) {
		b.dispatcher = dispatcher
	}
}

// WithJobEnqueuer backs the queue dispatch mode.
func WithJobEnqueuer(enqueuer JobEnqueuer) Option {
	return func(b *serviceBuilder) {
		b.jobEnqueuer = enqueuer
	}
}

func WithClock(clock Clock) Option {
	return func(b *serviceBuilder) {
		b.clock = clock
	}
}

// WithLifecycleHooks registers hooks that observe committed mandate events.
func WithLifecycleHooks(hooks ...LifecycleHook) Option {
	return func(b *serviceBuilder) {
		b.lifecycleHooks = append(b.lifecycleHooks, hooks...)
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	return serviceBuilder{
		runtimeConfig:   runtime,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		catalog:         NewStaticCatalog(DefaultCatalogEntries()...),
		clock:           SystemClock{},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return mandateErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// NewStaticRawConfigLoader serves a fixed raw map, typically decoded from
// environment variables or a config file by the caller.
func NewStaticRawConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, true),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap flattens cfg into an options layer. Loaded config is
// already merged over defaults, so only the sparse runtime layer drops zero
// values.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}
	if includeZero || strings.TrimSpace(cfg.Currency) != "" {
		layer["currency"] = normalizeCurrency(cfg.Currency)
	}

	merchant := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Merchant.ID) != "" {
		merchant["id"] = cfg.Merchant.ID
	}
	if includeZero || strings.TrimSpace(cfg.Merchant.Name) != "" {
		merchant["name"] = cfg.Merchant.Name
	}
	if len(merchant) > 0 {
		layer["merchant"] = merchant
	}

	if includeZero || cfg.Intent.TTL != 0 {
		layer["intent"] = map[string]any{"ttl": cfg.Intent.TTL}
	}

	cart := map[string]any{}
	if includeZero || cfg.Cart.TTL != 0 {
		cart["ttl"] = cfg.Cart.TTL
	}
	if includeZero || cfg.Cart.RefundPeriodDays != 0 {
		cart["refund_period_days"] = cfg.Cart.RefundPeriodDays
	}
	if includeZero || cfg.Cart.MaxQuantity != 0 {
		cart["max_quantity"] = cfg.Cart.MaxQuantity
	}
	if len(cart) > 0 {
		layer["cart"] = cart
	}

	task := map[string]any{}
	if includeZero || cfg.Task.Timeout != 0 {
		task["timeout"] = cfg.Task.Timeout
	}
	if includeZero || cfg.Task.ReconcileGrace != 0 {
		task["reconcile_grace"] = cfg.Task.ReconcileGrace
	}
	if includeZero || strings.TrimSpace(string(cfg.Task.Dispatch)) != "" {
		task["dispatch"] = string(cfg.Task.Dispatch)
	}
	if includeZero || cfg.Task.SweepBatchSize != 0 {
		task["sweep_batch_size"] = cfg.Task.SweepBatchSize
	}
	if len(task) > 0 {
		layer["task"] = task
	}
	return layer
}
