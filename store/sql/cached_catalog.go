package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-mandates/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const catalogCacheKeyPrefix = "go-mandates::catalog::v1"

// CatalogWriter is the mutable side of a persisted catalog.
type CatalogWriter interface {
	Upsert(ctx context.Context, entry core.CatalogEntry) (core.CatalogEntry, error)
	Delete(ctx context.Context, serviceID string) error
}

// CachedCatalog fronts a catalog with a go-repository-cache service. Writes
// made through it drop the affected keys.
type CachedCatalog struct {
	base  core.Catalog
	cache repositorycache.CacheService
}

func NewCachedCatalog(base core.Catalog, cacheService repositorycache.CacheService) (*CachedCatalog, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base catalog is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: catalog cache service is required")
	}
	return &CachedCatalog{base: base, cache: cacheService}, nil
}

// CatalogEntryCacheKey returns go-mandates::catalog::v1::entry::<service_id>
// with the service id URL-path escaped.
func CatalogEntryCacheKey(serviceID string) string {
	return strings.Join([]string{catalogCacheKeyPrefix, "entry", url.PathEscape(strings.TrimSpace(serviceID))}, "::")
}

func CatalogListCacheKey() string {
	return catalogCacheKeyPrefix + "::list"
}

func (c *CachedCatalog) Lookup(ctx context.Context, serviceID string) (core.CatalogEntry, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return core.CatalogEntry{}, core.ErrCatalogNotWired
	}
	serviceID = strings.TrimSpace(serviceID)
	entry, err := repositorycache.GetOrFetch(ctx, c.cache, CatalogEntryCacheKey(serviceID), func(ctx context.Context) (core.CatalogEntry, error) {
		return c.base.Lookup(ctx, serviceID)
	})
	if err != nil {
		return core.CatalogEntry{}, err
	}
	return cloneEntry(entry), nil
}

func (c *CachedCatalog) List(ctx context.Context) ([]core.CatalogEntry, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return nil, core.ErrCatalogNotWired
	}
	entries, err := repositorycache.GetOrFetch(ctx, c.cache, CatalogListCacheKey(), func(ctx context.Context) ([]core.CatalogEntry, error) {
		return c.base.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.CatalogEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, cloneEntry(entry))
	}
	return out, nil
}

func (c *CachedCatalog) Upsert(ctx context.Context, entry core.CatalogEntry) (core.CatalogEntry, error) {
	writer, err := c.writer()
	if err != nil {
		return core.CatalogEntry{}, err
	}
	saved, err := writer.Upsert(ctx, entry)
	if err != nil {
		return core.CatalogEntry{}, err
	}
	if err := c.invalidate(ctx, saved.ServiceID); err != nil {
		return core.CatalogEntry{}, err
	}
	return saved, nil
}

func (c *CachedCatalog) Delete(ctx context.Context, serviceID string) error {
	writer, err := c.writer()
	if err != nil {
		return err
	}
	if err := writer.Delete(ctx, serviceID); err != nil {
		return err
	}
	return c.invalidate(ctx, serviceID)
}

func (c *CachedCatalog) writer() (CatalogWriter, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return nil, core.ErrCatalogNotWired
	}
	writer, ok := c.base.(CatalogWriter)
	if !ok {
		return nil, fmt.Errorf("sqlstore: catalog %T is read-only", c.base)
	}
	return writer, nil
}

func (c *CachedCatalog) invalidate(ctx context.Context, serviceID string) error {
	if err := c.cache.Delete(ctx, CatalogEntryCacheKey(serviceID)); err != nil {
		return err
	}
	return c.cache.Delete(ctx, CatalogListCacheKey())
}

func cloneEntry(entry core.CatalogEntry) core.CatalogEntry {
	entry.Tags = append([]string(nil), entry.Tags...)
	return entry
}
