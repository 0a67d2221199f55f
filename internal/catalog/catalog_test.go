package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

func TestPriceAndDecrement(test *testing.T) {
	test.Parallel()
	inventory := New([]Item{{ItemID: "solar-charger", PriceCredits: 400, Stock: 2}})

	price, err := inventory.Price(context.Background(), "solar-charger")
	if err != nil {
		test.Fatalf("price: %v", err)
	}
	if price.Int64() != 400 {
		test.Fatalf("expected price 400, got %d", price.Int64())
	}

	if err := inventory.DecrementStock(context.Background(), "solar-charger"); err != nil {
		test.Fatalf("decrement: %v", err)
	}
	if err := inventory.DecrementStock(context.Background(), "solar-charger"); err != nil {
		test.Fatalf("decrement: %v", err)
	}
	if err := inventory.DecrementStock(context.Background(), "solar-charger"); !errors.Is(err, wallet.ErrStockUnavailable) {
		test.Fatalf("expected ErrStockUnavailable, got %v", err)
	}
	if inventory.Remaining("solar-charger") != 0 {
		test.Fatalf("expected empty stock, got %d", inventory.Remaining("solar-charger"))
	}
}

func TestUnknownItemIsUnavailable(test *testing.T) {
	test.Parallel()
	inventory := New(nil)
	if _, err := inventory.Price(context.Background(), "ghost"); !errors.Is(err, wallet.ErrStockUnavailable) {
		test.Fatalf("expected ErrStockUnavailable, got %v", err)
	}
	if err := inventory.DecrementStock(context.Background(), "ghost"); !errors.Is(err, wallet.ErrStockUnavailable) {
		test.Fatalf("expected ErrStockUnavailable, got %v", err)
	}
}

func TestLoadFileValidatesItems(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "catalog.json")

	valid := `[{"item_id":"bamboo-brush","price_credits":50,"stock":10}]`
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}
	inventory, err := LoadFile(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if inventory.Remaining("bamboo-brush") != 10 {
		test.Fatalf("expected stock 10, got %d", inventory.Remaining("bamboo-brush"))
	}

	invalid := `[{"item_id":"","price_credits":50,"stock":10}]`
	if err := os.WriteFile(path, []byte(invalid), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		test.Fatalf("expected validation error")
	}

	negative := `[{"item_id":"x","price_credits":0,"stock":10}]`
	if err := os.WriteFile(path, []byte(negative), 0o644); err != nil {
		test.Fatalf("write catalog: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		test.Fatalf("expected price validation error")
	}
}
