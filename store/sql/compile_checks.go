package sqlstore

import "github.com/goliatone/go-mandates/core"

var (
	_ core.MandateStore           = (*MandateStore)(nil)
	_ core.Catalog                = (*CatalogStore)(nil)
	_ core.Catalog                = (*CachedCatalog)(nil)
	_ CatalogWriter               = (*CatalogStore)(nil)
	_ CatalogWriter               = (*CachedCatalog)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.CatalogProvider        = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
