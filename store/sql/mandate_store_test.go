package sqlstore_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-mandates/core"
	mandatemigrations "github.com/goliatone/go-mandates/migrations"
	sqlstore "github.com/goliatone/go-mandates/store/sql"
	"github.com/goliatone/go-mandates/store/storetest"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-mandates-tests"
}

type prefixSecretProvider struct {
	prefix []byte
}

func (p prefixSecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	out := append([]byte(nil), p.prefix...)
	for _, b := range plaintext {
		out = append(out, b^0x5a)
	}
	return out, nil
}

func (p prefixSecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, p.prefix) {
		return nil, errors.New("ciphertext missing prefix")
	}
	body := ciphertext[len(p.prefix):]
	out := make([]byte, 0, len(body))
	for _, b := range body {
		out = append(out, b^0x5a)
	}
	return out, nil
}

func TestMandateStore_SQLiteBehaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.MandateStore {
		client, cleanup := newSQLiteClient(t)
		t.Cleanup(cleanup)
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
		if err != nil {
			t.Fatalf("new repository factory: %v", err)
		}
		return factory.MandateStore()
	})
}

func TestMandateStore_SealsPaymentMethod(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	ctx := context.Background()

	secrets := prefixSecretProvider{prefix: []byte("sealed:")}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlstore.WithSecretProvider(secrets))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.MandateStore()

	cart := seedSignedCart(t, store, "intent_sealed", "cart_sealed")
	payment := storetest.Payment("pay_sealed", cart, storetest.Epoch.Add(time.Minute))
	if _, err := store.BindPayment(ctx, payment); err != nil {
		t.Fatalf("bind payment: %v", err)
	}

	var format string
	var payload []byte
	if err := client.DB().NewRaw(
		"SELECT payment_method_format, payment_method_payload FROM service_payment_mandates WHERE id = ?",
		"pay_sealed",
	).Scan(ctx, &format, &payload); err != nil {
		t.Fatalf("select raw payment method: %v", err)
	}
	if format != "sealed" {
		t.Fatalf("expected sealed format, got %q", format)
	}
	if !bytes.HasPrefix(payload, []byte("sealed:")) || json.Valid(payload) {
		t.Fatalf("expected opaque sealed payload, got %q", payload)
	}

	loaded, err := store.GetPayment(ctx, "pay_sealed")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if loaded.PaymentMethod.Kind != core.PaymentMethodCard || loaded.PaymentMethod.Card == nil {
		t.Fatalf("expected card payment method round trip, got %+v", loaded.PaymentMethod)
	}
	if loaded.PaymentMethod.Card.PayerEmail != "ada@example.com" {
		t.Fatalf("unexpected payer email %q", loaded.PaymentMethod.Card.PayerEmail)
	}

	plain, err := sqlstore.NewMandateStore(client.DB(), nil)
	if err != nil {
		t.Fatalf("new plain mandate store: %v", err)
	}
	if _, err := plain.GetPayment(ctx, "pay_sealed"); err == nil {
		t.Fatalf("expected sealed payment to require a secret provider")
	}
}

func TestMandateStore_PlainPaymentMethodIsJSON(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	ctx := context.Background()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.MandateStore()
	cart := seedSignedCart(t, store, "intent_plain", "cart_plain")
	if _, err := store.BindPayment(ctx, storetest.Payment("pay_plain", cart, storetest.Epoch.Add(time.Minute))); err != nil {
		t.Fatalf("bind payment: %v", err)
	}

	var payload []byte
	if err := client.DB().NewRaw(
		"SELECT payment_method_payload FROM service_payment_mandates WHERE id = ?",
		"pay_plain",
	).Scan(ctx, &payload); err != nil {
		t.Fatalf("select raw payment method: %v", err)
	}
	if !json.Valid(payload) {
		t.Fatalf("expected JSON payload, got %q", payload)
	}
}

func TestMandateStore_PreservesDecimalTotals(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	ctx := context.Background()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.MandateStore()
	cart := seedSignedCart(t, store, "intent_decimal", "cart_decimal")

	loaded, err := store.GetCart(ctx, cart.ID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if !loaded.Total.Amount.Equal(cart.Total.Amount) || loaded.Total.Currency != cart.Total.Currency {
		t.Fatalf("expected total %v, got %v", cart.Total, loaded.Total)
	}
	if len(loaded.LineItems) != len(cart.LineItems) || !loaded.LineItems[0].UnitPrice.Equal(cart.LineItems[0].UnitPrice) {
		t.Fatalf("expected line items to round trip, got %+v", loaded.LineItems)
	}
	if !bytes.Equal(loaded.MerchantSignature, cart.MerchantSignature) {
		t.Fatalf("expected merchant signature to round trip")
	}
}

func TestMandateStore_NotFound(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	ctx := context.Background()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	store := factory.MandateStore()

	if _, err := store.GetIntent(ctx, "intent_missing"); !errors.Is(err, core.ErrMandateNotFound) {
		t.Fatalf("expected intent not found, got %v", err)
	}
	if _, err := store.GetCart(ctx, "cart_missing"); !errors.Is(err, core.ErrMandateNotFound) {
		t.Fatalf("expected cart not found, got %v", err)
	}
	_, err = store.GetPaymentByCart(ctx, "cart_missing")
	if !errors.Is(err, core.ErrMandateNotFound) {
		t.Fatalf("expected payment not found, got %v", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows to be mapped, got %v", err)
	}
}

func TestNewMandateStore_RequiresDB(t *testing.T) {
	if _, err := sqlstore.NewMandateStore(nil, nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
	if _, err := sqlstore.NewRepositoryFactory().BuildStores(nil); err == nil {
		t.Fatalf("expected error for nil persistence client")
	}
	if _, err := sqlstore.NewRepositoryFactory().BuildStores("not a client"); err == nil {
		t.Fatalf("expected error for unsupported persistence client")
	}
}

func seedSignedCart(t *testing.T, store core.MandateStore, intentID string, cartID string) core.CartMandate {
	t.Helper()
	ctx := context.Background()
	if _, err := store.CreateIntent(ctx, storetest.Intent(intentID, storetest.Epoch.Add(time.Hour))); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cart, err := store.CreateCart(ctx, storetest.Cart(cartID, intentID, storetest.Epoch.Add(15*time.Minute)))
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	return cart
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:mandates-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	tree, err := mandatemigrations.Tree(mandatemigrations.DialectSQLite, nil)
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	client.RegisterSQLMigrations(tree)
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
