package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
	mandatemigrations "github.com/goliatone/go-mandates/migrations"
	boltstore "github.com/goliatone/go-mandates/store/bolt"
	sqlstore "github.com/goliatone/go-mandates/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// storeHandle is an opened mandate store plus what the process needs around
// it: the catalog, a health check and a close hook.
type storeHandle struct {
	Target  databaseTarget
	Store   core.MandateStore
	Catalog core.Catalog
	// Factory and Client are set for SQL targets.
	Factory *sqlstore.RepositoryFactory
	Client  *persistence.Client
	SQLDB   *sql.DB
	Dialect string

	closers []func() error
}

func (h *storeHandle) Health(ctx context.Context) error {
	if h == nil || h.SQLDB == nil {
		return nil
	}
	return h.SQLDB.PingContext(ctx)
}

func (h *storeHandle) Close() error {
	if h == nil {
		return nil
	}
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type storeOptions struct {
	migrate      bool
	secrets      core.SecretProvider
	catalogTTL   time.Duration
	seedCatalog  bool
	debugQueries bool
}

func openStore(ctx context.Context, target databaseTarget, opts storeOptions) (*storeHandle, error) {
	switch target.Scheme {
	case schemeMemory:
		return &storeHandle{
			Target:  target,
			Store:   core.NewMemoryMandateStore(),
			Catalog: core.NewStaticCatalog(core.DefaultCatalogEntries()...),
		}, nil
	case schemeBolt:
		store, err := boltstore.Open(target.Path, time.Second, boltstore.WithSecretProvider(opts.secrets))
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			Target:  target,
			Store:   store,
			Catalog: core.NewStaticCatalog(core.DefaultCatalogEntries()...),
			closers: []func() error{store.Close},
		}, nil
	case schemeSQLite, schemePostgres:
		return openSQLStore(ctx, target, opts)
	default:
		return nil, fmt.Errorf("store: unsupported scheme %q", target.Scheme)
	}
}

func openSQLStore(ctx context.Context, target databaseTarget, opts storeOptions) (*storeHandle, error) {
	driver, dsn, dialectName, dialect := sqlTarget(target)
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if target.Scheme == schemeSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driver, server: dsn, debug: opts.debugQueries}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: persistence client: %w", err)
	}
	handle := &storeHandle{
		Target:  target,
		Client:  client,
		SQLDB:   sqlDB,
		Dialect: dialectName,
		closers: []func() error{client.Close},
	}

	tree, err := mandatemigrations.Tree(dialectName, nil)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("store: register migrations: %w", err)
	}
	client.RegisterSQLMigrations(tree)
	if opts.migrate {
		if err := client.Migrate(ctx); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}

	factoryOpts := []sqlstore.FactoryOption{sqlstore.WithSecretProvider(opts.secrets)}
	if opts.catalogTTL > 0 {
		cacheConfig := repositorycache.DefaultConfig()
		cacheConfig.TTL = opts.catalogTTL
		cacheService, cacheErr := repositorycache.NewCacheService(cacheConfig)
		if cacheErr != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("store: catalog cache: %w", cacheErr)
		}
		factoryOpts = append(factoryOpts, sqlstore.WithCatalogCache(cacheService))
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, factoryOpts...)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	handle.Factory = factory
	handle.Store = factory.MandateStore()
	handle.Catalog = factory.Catalog()

	if opts.seedCatalog {
		if _, err := seedCatalogIfEmpty(ctx, factory.CatalogStore()); err != nil {
			_ = handle.Close()
			return nil, err
		}
	}
	return handle, nil
}

func sqlTarget(target databaseTarget) (driver string, dsn string, dialectName string, dialect schema.Dialect) {
	if target.Scheme == schemePostgres {
		return "postgres", target.Path, mandatemigrations.DialectPostgres, pgdialect.New()
	}
	dsn = target.Path
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	return "sqlite3", dsn, mandatemigrations.DialectSQLite, sqlitedialect.New()
}

// seedCatalogIfEmpty writes the default catalog into an empty catalog table.
func seedCatalogIfEmpty(ctx context.Context, store *sqlstore.CatalogStore) (int, error) {
	if store == nil {
		return 0, nil
	}
	entries, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: list catalog: %w", err)
	}
	if len(entries) > 0 {
		return 0, nil
	}
	return store.Seed(ctx, core.DefaultCatalogEntries()...)
}

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "mandates" }
