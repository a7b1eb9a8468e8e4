package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mandates/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// CatalogStore serves the service catalog from the service_catalog table.
// Entries list in insertion order.
type CatalogStore struct {
	db   *bun.DB
	repo repository.Repository[*catalogRecord]
}

func NewCatalogStore(db *bun.DB) (*CatalogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*catalogRecord](db, catalogHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid catalog repository wiring: %w", err)
		}
	}
	return &CatalogStore{db: db, repo: repo}, nil
}

func (s *CatalogStore) Lookup(ctx context.Context, serviceID string) (core.CatalogEntry, error) {
	if s == nil || s.db == nil {
		return core.CatalogEntry{}, core.ErrCatalogNotWired
	}
	serviceID = strings.TrimSpace(serviceID)
	record := &catalogRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", serviceID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.CatalogEntry{}, fmt.Errorf("%w: %q", core.ErrServiceNotFound, serviceID)
		}
		return core.CatalogEntry{}, err
	}
	return record.toDomain(), nil
}

func (s *CatalogStore) List(ctx context.Context) ([]core.CatalogEntry, error) {
	if s == nil || s.repo == nil {
		return nil, core.ErrCatalogNotWired
	}
	records, _, err := s.repo.List(ctx,
		repository.OrderBy("position ASC"),
		repository.OrderBy("id ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.CatalogEntry, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// Upsert inserts entry at the end of the catalog or updates it in place.
func (s *CatalogStore) Upsert(ctx context.Context, entry core.CatalogEntry) (core.CatalogEntry, error) {
	if s == nil || s.db == nil {
		return core.CatalogEntry{}, core.ErrCatalogNotWired
	}
	if err := validateCatalogEntry(entry); err != nil {
		return core.CatalogEntry{}, err
	}
	now := time.Now().UTC()

	var out core.CatalogEntry
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var position int
		if err := tx.NewSelect().
			Model((*catalogRecord)(nil)).
			ColumnExpr("COALESCE(MAX(position), 0)").
			Scan(ctx, &position); err != nil {
			return err
		}
		record := newCatalogRecord(entry, position+1, now)

		current := &catalogRecord{}
		err := tx.NewSelect().Model(current).Where("?TableAlias.id = ?", record.ID).Limit(1).Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				return insertErr
			}
		case err != nil:
			return err
		default:
			record.Position = current.Position
			record.CreatedAt = current.CreatedAt
			if _, updateErr := tx.NewUpdate().
				Model(record).
				Column("name", "description", "unit_price", "currency", "prompt", "tags", "updated_at").
				Where("id = ?", record.ID).
				Exec(ctx); updateErr != nil {
				return updateErr
			}
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.CatalogEntry{}, err
	}
	return out, nil
}

// Seed upserts entries in order and returns how many were written.
func (s *CatalogStore) Seed(ctx context.Context, entries ...core.CatalogEntry) (int, error) {
	written := 0
	for _, entry := range entries {
		if _, err := s.Upsert(ctx, entry); err != nil {
			return written, fmt.Errorf("sqlstore: seed catalog entry %q: %w", entry.ServiceID, err)
		}
		written++
	}
	return written, nil
}

func (s *CatalogStore) Delete(ctx context.Context, serviceID string) error {
	if s == nil || s.db == nil {
		return core.ErrCatalogNotWired
	}
	serviceID = strings.TrimSpace(serviceID)
	res, err := s.db.NewDelete().Model((*catalogRecord)(nil)).Where("id = ?", serviceID).Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %q", core.ErrServiceNotFound, serviceID)
	}
	return nil
}

func validateCatalogEntry(entry core.CatalogEntry) error {
	if strings.TrimSpace(entry.ServiceID) == "" {
		return fmt.Errorf("sqlstore: catalog service id is required")
	}
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("sqlstore: catalog entry %q needs a name", entry.ServiceID)
	}
	if !entry.UnitPrice.IsPositive() {
		return fmt.Errorf("sqlstore: catalog entry %q needs a positive unit price", entry.ServiceID)
	}
	if len(strings.TrimSpace(entry.Currency)) != 3 {
		return fmt.Errorf("sqlstore: catalog entry %q needs a three letter currency", entry.ServiceID)
	}
	return nil
}
