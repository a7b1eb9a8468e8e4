package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-mandates/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db      *bun.DB
	secrets core.SecretProvider
	cache   repositorycache.CacheService

	mandateStore *MandateStore
	catalogStore *CatalogStore
	catalog      core.Catalog
}

type FactoryOption func(*RepositoryFactory)

// WithSecretProvider seals stored payment methods with provider.
func WithSecretProvider(provider core.SecretProvider) FactoryOption {
	return func(f *RepositoryFactory) {
		f.secrets = provider
	}
}

// WithCatalogCache fronts the persisted catalog with cacheService.
func WithCatalogCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.mandateStore != nil && f.catalogStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) MandateStore() core.MandateStore {
	if f == nil || f.mandateStore == nil {
		return nil
	}
	return f.mandateStore
}

// Catalog returns the persisted catalog, cached when a cache service is
// configured.
func (f *RepositoryFactory) Catalog() core.Catalog {
	if f == nil {
		return nil
	}
	return f.catalog
}

func (f *RepositoryFactory) CatalogStore() *CatalogStore {
	if f == nil {
		return nil
	}
	return f.catalogStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	mandateStore, err := NewMandateStore(f.db, f.secrets)
	if err != nil {
		return err
	}
	catalogStore, err := NewCatalogStore(f.db)
	if err != nil {
		return err
	}
	f.mandateStore = mandateStore
	f.catalogStore = catalogStore
	f.catalog = catalogStore
	if f.cache != nil {
		cached, cacheErr := NewCachedCatalog(catalogStore, f.cache)
		if cacheErr != nil {
			return cacheErr
		}
		f.catalog = cached
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
