package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-mandates/core"
	mandatemigrations "github.com/goliatone/go-mandates/migrations"
)

func TestOpenStore_Memory(t *testing.T) {
	handle, err := openStore(context.Background(), databaseTarget{Scheme: schemeMemory}, storeOptions{})
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	defer handle.Close()

	if handle.Store == nil || handle.Catalog == nil {
		t.Fatalf("expected store and catalog")
	}
	if handle.Factory != nil || handle.SQLDB != nil {
		t.Fatalf("memory store should not carry sql handles")
	}
	if err := handle.Health(context.Background()); err != nil {
		t.Fatalf("memory health: %v", err)
	}
	entries, err := handle.Catalog.List(context.Background())
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	if len(entries) != len(core.DefaultCatalogEntries()) {
		t.Fatalf("expected default catalog, got %d entries", len(entries))
	}
}

func TestOpenStore_Bolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mandates.bolt")
	handle, err := openStore(context.Background(), databaseTarget{Scheme: schemeBolt, Path: path}, storeOptions{})
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	_, err = handle.Store.GetIntent(context.Background(), "intent_missing")
	if !errors.Is(err, core.ErrMandateNotFound) {
		t.Fatalf("expected not found from bolt store, got %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("close bolt store: %v", err)
	}
}

func TestOpenStore_SQLiteMigratesAndSeeds(t *testing.T) {
	ctx := context.Background()
	target := databaseTarget{Scheme: schemeSQLite, Path: filepath.Join(t.TempDir(), "mandates.db")}

	handle, err := openStore(ctx, target, storeOptions{migrate: true, seedCatalog: true, catalogTTL: time.Minute})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer handle.Close()

	if handle.Dialect != mandatemigrations.DialectSQLite {
		t.Fatalf("unexpected dialect %q", handle.Dialect)
	}
	if err := handle.Health(ctx); err != nil {
		t.Fatalf("sqlite health: %v", err)
	}
	missing, err := mandatemigrations.MissingTables(ctx, handle.SQLDB, handle.Dialect)
	if err != nil {
		t.Fatalf("missing tables: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected migrated schema, missing %v", missing)
	}

	entries, err := handle.Catalog.List(ctx)
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	defaults := core.DefaultCatalogEntries()
	if len(entries) != len(defaults) {
		t.Fatalf("expected %d seeded entries, got %d", len(defaults), len(entries))
	}
	for i, entry := range entries {
		if entry.ServiceID != defaults[i].ServiceID {
			t.Fatalf("entry %d: expected %q, got %q", i, defaults[i].ServiceID, entry.ServiceID)
		}
	}

	written, err := seedCatalogIfEmpty(ctx, handle.Factory.CatalogStore())
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if written != 0 {
		t.Fatalf("expected seeding to skip a populated catalog, wrote %d", written)
	}
}

func TestSQLTarget(t *testing.T) {
	driver, dsn, dialect, _ := sqlTarget(databaseTarget{Scheme: schemeSQLite, Path: "mandates.db"})
	if driver != "sqlite3" || dialect != mandatemigrations.DialectSQLite {
		t.Fatalf("unexpected sqlite target %q %q", driver, dialect)
	}
	if dsn != "file:mandates.db?_foreign_keys=on&_busy_timeout=5000" {
		t.Fatalf("unexpected sqlite dsn %q", dsn)
	}

	driver, dsn, dialect, _ = sqlTarget(databaseTarget{Scheme: schemePostgres, Path: "postgres://db/mandates"})
	if driver != "postgres" || dsn != "postgres://db/mandates" || dialect != mandatemigrations.DialectPostgres {
		t.Fatalf("unexpected postgres target %q %q %q", driver, dsn, dialect)
	}
}
