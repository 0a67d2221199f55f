// Package catalog is a process-local marketplace inventory. It prices items
// and commits stock decrements; listings come from a JSON file so deployments
// can swap the catalog without a rebuild.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

// Item is one purchasable listing.
type Item struct {
	ItemID       string `json:"item_id"`
	PriceCredits int64  `json:"price_credits"`
	Stock        int64  `json:"stock"`
}

// Catalog implements wallet.Inventory over an in-memory item table.
type Catalog struct {
	mutex sync.Mutex
	items map[string]*Item
}

// New builds a catalog from the supplied items. Later entries with the same
// item id win.
func New(items []Item) *Catalog {
	catalog := &Catalog{items: make(map[string]*Item, len(items))}
	for _, item := range items {
		copied := item
		catalog.items[item.ItemID] = &copied
	}
	return catalog
}

// LoadFile reads a JSON array of items from disk.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for _, item := range items {
		if item.ItemID == "" {
			return nil, fmt.Errorf("catalog item missing item_id")
		}
		if item.PriceCredits <= 0 {
			return nil, fmt.Errorf("catalog item %q has non-positive price", item.ItemID)
		}
		if item.Stock < 0 {
			return nil, fmt.Errorf("catalog item %q has negative stock", item.ItemID)
		}
	}
	return New(items), nil
}

// Price returns the item's price in credits.
func (catalog *Catalog) Price(_ context.Context, itemID string) (wallet.CreditAmount, error) {
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	item, ok := catalog.items[itemID]
	if !ok {
		return 0, fmt.Errorf("%w: unknown item %q", wallet.ErrStockUnavailable, itemID)
	}
	return wallet.NewCreditAmount(item.PriceCredits)
}

// DecrementStock commits one unit of stock.
func (catalog *Catalog) DecrementStock(_ context.Context, itemID string) error {
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	item, ok := catalog.items[itemID]
	if !ok {
		return fmt.Errorf("%w: unknown item %q", wallet.ErrStockUnavailable, itemID)
	}
	if item.Stock <= 0 {
		return fmt.Errorf("%w: item %q sold out", wallet.ErrStockUnavailable, itemID)
	}
	item.Stock--
	return nil
}

// Remaining reports current stock, mostly for tests and admin inspection.
func (catalog *Catalog) Remaining(itemID string) int64 {
	catalog.mutex.Lock()
	defer catalog.mutex.Unlock()
	item, ok := catalog.items[itemID]
	if !ok {
		return 0
	}
	return item.Stock
}
