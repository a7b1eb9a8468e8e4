package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	mandates "github.com/goliatone/go-mandates"
	"github.com/goliatone/go-mandates/adapters/cloudwatch"
	"github.com/goliatone/go-mandates/adapters/gologger"
	"github.com/goliatone/go-mandates/backend"
	"github.com/goliatone/go-mandates/core"
	"github.com/goliatone/go-mandates/security"
)

// runtime holds everything a subcommand needs after wiring.
type runtime struct {
	Config   AppConfig
	Logger   *gologger.ZapLogger
	Provider *gologger.ZapProvider
	Store    *storeHandle
	Service  *mandates.Service
	Metrics  *cloudwatch.Recorder
}

func (r *runtime) Close() error {
	if r == nil {
		return nil
	}
	err := r.Store.Close()
	if r.Logger != nil {
		_ = r.Logger.Sync()
	}
	return err
}

type wiringOptions struct {
	migrate bool
	seed    bool
}

func buildRuntime(ctx context.Context, cfg AppConfig, opts wiringOptions) (*runtime, error) {
	logger, err := gologger.NewZapLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	provider := gologger.NewZapProvider(logger)
	rt := &runtime{Config: cfg, Logger: logger, Provider: provider}

	var awsCfg *aws.Config
	if cfg.KeySource == keySourceSecretsManager || cfg.CloudWatchEnabled {
		loaded, loadErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if loadErr != nil {
			return nil, fmt.Errorf("aws config: %w", loadErr)
		}
		awsCfg = &loaded
	}

	var source security.SecretSource
	if cfg.KeySource == keySourceSecretsManager {
		remote, srcErr := security.NewSecretsManagerSourceFromConfig(*awsCfg, cfg.SecretPrefix)
		if srcErr != nil {
			return nil, srcErr
		}
		cached, srcErr := security.NewCachedSecretSource(remote, 5*time.Minute)
		if srcErr != nil {
			return nil, srcErr
		}
		source = cached
	}

	secrets, err := buildSecretProvider(ctx, cfg, source)
	if err != nil {
		return nil, err
	}
	keys, err := buildKeyProvider(cfg, source, provider.GetLogger("keys"))
	if err != nil {
		return nil, err
	}

	target, err := parseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, target, storeOptions{
		migrate:      opts.migrate,
		secrets:      secrets,
		catalogTTL:   time.Duration(cfg.CatalogCacheTTLSec) * time.Second,
		seedCatalog:  opts.seed,
		debugQueries: cfg.Debug,
	})
	if err != nil {
		return nil, err
	}
	rt.Store = store

	taskBackend, err := buildBackend(cfg, store.Catalog)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	serviceOpts := []mandates.Option{
		mandates.WithLogger(logger),
		mandates.WithLoggerProvider(provider),
		mandates.WithConfigProvider(core.NewCfgxConfigProvider(core.NewStaticRawConfigLoader(cfg.Core))),
		mandates.WithMandateStore(store.Store),
		mandates.WithCatalog(store.Catalog),
		mandates.WithKeyProvider(keys),
		mandates.WithSignerVerifier(core.NewKeyedSignerVerifier(keys)),
		mandates.WithTaskBackend(taskBackend),
		mandates.WithLifecycleHooks(eventLogHook(provider.GetLogger("events"))),
	}
	if secrets != nil {
		serviceOpts = append(serviceOpts, mandates.WithSecretProvider(secrets))
	}
	if store.Factory != nil {
		serviceOpts = append(serviceOpts, mandates.WithRepositoryFactory(store.Factory))
	}
	if cfg.CloudWatchEnabled {
		recorder, recErr := cloudwatch.NewRecorderFromConfig(*awsCfg,
			cloudwatch.WithNamespace(cfg.CloudWatchNamespace),
			cloudwatch.WithLogger(provider.GetLogger("metrics")),
		)
		if recErr != nil {
			_ = rt.Close()
			return nil, recErr
		}
		rt.Metrics = recorder
		serviceOpts = append(serviceOpts, mandates.WithMetricsRecorder(recorder))
	}

	svc, err := mandates.NewService(mandates.Config{}, serviceOpts...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

func buildSecretProvider(ctx context.Context, cfg AppConfig, source security.SecretSource) (core.SecretProvider, error) {
	if key := strings.TrimSpace(cfg.AppKey); key != "" {
		return security.NewAppKeySecretProviderFromString(key)
	}
	if source != nil && strings.TrimSpace(cfg.AppKeySecretName) != "" {
		return security.AppKeyFromSource(ctx, source, cfg.AppKeySecretName)
	}
	return nil, nil
}

// buildKeyProvider returns the signing key provider. The static source
// derives keys from key_seed; secretsmanager reads them remotely and, under
// the fallback policy, falls back to the derived keys.
func buildKeyProvider(cfg AppConfig, source security.SecretSource, logger core.Logger) (core.KeyProvider, error) {
	var seed []byte
	if strings.TrimSpace(cfg.KeySeed) != "" {
		seed = []byte(cfg.KeySeed)
	}
	derived, err := core.NewDerivedKeyProvider(seed)
	if err != nil {
		return nil, err
	}
	if cfg.KeySource != keySourceSecretsManager {
		return derived, nil
	}
	remote, err := security.NewSecretKeyProvider(source)
	if err != nil {
		return nil, err
	}
	return security.NewFailoverKeyProvider(remote,
		security.WithFallbackKeyProvider(derived),
		security.WithKeyProviderFailurePolicy(security.KeyProviderFailurePolicy(cfg.KeyFailurePolicy)),
		security.WithKeyProviderDiagnostics(func(event security.KeyProviderDiagnostic) {
			logger.Warn("key provider failover",
				"principal", event.Principal,
				"policy", string(event.Policy),
				"outcome", event.Outcome,
				"error", event.Error,
			)
		}),
	)
}

func buildBackend(cfg AppConfig, catalog core.Catalog) (core.TaskBackend, error) {
	if cfg.Backend == backendHTTP {
		opts := []backend.HTTPOption{}
		if token := strings.TrimSpace(cfg.ExecutorToken); token != "" {
			opts = append(opts, backend.WithHeader("Authorization", "Bearer "+token))
		}
		if endpoint := strings.TrimSpace(cfg.ContinueURL); endpoint != "" {
			opts = append(opts, backend.WithContinueEndpoint(endpoint))
		}
		return backend.NewHTTPBackend(cfg.ExecutorURL, opts...)
	}
	return backend.NewTemplateBackend(backend.WithCatalog(catalog))
}

func eventLogHook(logger core.Logger) core.LifecycleHook {
	return core.NewLifecycleHook("event-log", func(ctx context.Context, event core.MandateEvent) error {
		logger.WithContext(ctx).Info("mandate event",
			"type", event.Type,
			"mandate_id", event.MandateID,
			"state", event.State,
		)
		return nil
	})
}
