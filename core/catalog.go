package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

const cartLabelDescriptionLimit = 50

// DefaultCatalogEntries is the consulting catalog served when no catalog is
// configured.
func DefaultCatalogEntries() []CatalogEntry {
	return []CatalogEntry{
		{
			ServiceID:   "business-analysis",
			Name:        "Business Analysis",
			Description: "Comprehensive business analysis",
			UnitPrice:   decimal.RequireFromString("50.00"),
			Currency:    "USD",
			Prompt:      "You are a business analyst. Provide comprehensive business analysis with actionable insights.",
			Tags:        []string{"business", "analysis", "consulting"},
		},
		{
			ServiceID:   "market-research",
			Name:        "Market Research",
			Description: "Market research and competitive analysis",
			UnitPrice:   decimal.RequireFromString("75.00"),
			Currency:    "USD",
			Prompt:      "You are a market research expert. Provide detailed market analysis with data-driven insights.",
			Tags:        []string{"market", "research", "competition"},
		},
		{
			ServiceID:   "strategy-planning",
			Name:        "Strategy Planning",
			Description: "Strategic business planning",
			UnitPrice:   decimal.RequireFromString("100.00"),
			Currency:    "USD",
			Prompt:      "You are a strategic planning consultant. Provide strategic recommendations and implementation plans.",
			Tags:        []string{"strategy", "planning"},
		},
		{
			ServiceID:   "quick-consult",
			Name:        "Quick Consult",
			Description: "Quick consultation (15 min equivalent)",
			UnitPrice:   decimal.RequireFromString("25.00"),
			Currency:    "USD",
			Prompt:      "You are a business consultant. Provide quick, actionable advice.",
			Tags:        []string{"consulting", "quick"},
		},
	}
}

// StaticCatalog is an immutable in-memory Catalog preserving registration
// order.
type StaticCatalog struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]CatalogEntry
}

func NewStaticCatalog(entries ...CatalogEntry) *StaticCatalog {
	catalog := &StaticCatalog{entries: map[string]CatalogEntry{}}
	for _, entry := range entries {
		catalog.register(entry)
	}
	return catalog
}

func (c *StaticCatalog) register(entry CatalogEntry) {
	entry.ServiceID = strings.TrimSpace(entry.ServiceID)
	if entry.ServiceID == "" {
		return
	}
	entry.Currency = normalizeCurrency(entry.Currency)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[entry.ServiceID]; !exists {
		c.order = append(c.order, entry.ServiceID)
	}
	c.entries[entry.ServiceID] = cloneCatalogEntry(entry)
}

func (c *StaticCatalog) Lookup(_ context.Context, serviceID string) (CatalogEntry, error) {
	if c == nil {
		return CatalogEntry{}, ErrCatalogNotWired
	}
	serviceID = strings.TrimSpace(serviceID)
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[serviceID]
	if !ok {
		return CatalogEntry{}, fmt.Errorf("%w: %q", ErrServiceNotFound, serviceID)
	}
	return cloneCatalogEntry(entry), nil
}

func (c *StaticCatalog) List(context.Context) ([]CatalogEntry, error) {
	if c == nil {
		return nil, ErrCatalogNotWired
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneCatalogEntry(c.entries[id]))
	}
	return out, nil
}

func cloneCatalogEntry(entry CatalogEntry) CatalogEntry {
	entry.Tags = append([]string(nil), entry.Tags...)
	return entry
}

// CartLabel renders the line-item label for a service and task description.
func CartLabel(serviceID string, taskDescription string) string {
	description := []rune(strings.TrimSpace(taskDescription))
	if len(description) > cartLabelDescriptionLimit {
		description = description[:cartLabelDescriptionLimit]
	}
	if len(description) == 0 {
		return serviceID
	}
	return serviceID + " - " + string(description)
}
