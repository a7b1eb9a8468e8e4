package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"strings"

	mandates "github.com/goliatone/go-mandates"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const migrationsDir = "data/sql/migrations"

// Tables lists the tables the mandate schema creates, in dependency order.
var Tables = []string{
	"service_intent_mandates",
	"service_cart_mandates",
	"service_payment_mandates",
	"service_catalog",
}

// Tree returns the migration files for dialect, ready for
// persistence.Client.RegisterSQLMigrations. Postgres files live at the top of
// the migrations directory and sqlite files under sqlite/. A nil root reads
// the embedded schema.
func Tree(dialect string, root fs.FS) (fs.FS, error) {
	if root == nil {
		root = mandates.GetMigrationsFS()
	}
	dir := migrationsDir
	switch normalizeDialect(dialect) {
	case DialectPostgres:
	case DialectSQLite:
		dir = path.Join(dir, "sqlite")
	default:
		return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}

	tree, err := fs.Sub(root, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", dir, err)
	}
	ups, err := fs.Glob(tree, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s tree %q has no *.up.sql files", dialect, dir)
	}
	// Every step ships with its rollback.
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(tree, down); err != nil {
			return nil, fmt.Errorf("migrations: %s has no rollback %s", path.Join(dir, up), down)
		}
	}
	return tree, nil
}

// MissingTables reports which schema tables are absent from db.
func MissingTables(ctx context.Context, db *sql.DB, dialect string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: sql db is required")
	}
	var query string
	switch normalizeDialect(dialect) {
	case DialectSQLite:
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	case DialectPostgres:
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`
	default:
		return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}

	var missing []string
	for _, table := range Tables {
		var count int
		if err := db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
			return nil, fmt.Errorf("migrations: inspect table %s: %w", table, err)
		}
		if count == 0 {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

func normalizeDialect(dialect string) string {
	return strings.TrimSpace(strings.ToLower(dialect))
}
