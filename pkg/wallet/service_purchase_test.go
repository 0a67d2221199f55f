package wallet

import (
	"context"
	"errors"
	"testing"
)

func TestPurchaseDebitsPriceAndDecrementsStock(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test)
	userID := mustUserID(test, "buyer")
	harness.registerWithBalance(test, userID, 1000)
	harness.inventory.prices["phone-1"] = 400

	account, entry, err := harness.service.Purchase(context.Background(), userID, "phone-1")
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if account.BalanceCredits != 600 {
		test.Fatalf("expected balance 600, got %d", account.BalanceCredits)
	}
	if entry.Kind != EntrySpent || entry.Status != EntryStatusCompleted {
		test.Fatalf("unexpected entry %s/%s", entry.Kind, entry.Status)
	}
	if len(harness.inventory.decremented) != 1 || harness.inventory.decremented[0] != "phone-1" {
		test.Fatalf("expected stock decremented for phone-1")
	}
}

func TestPurchaseStockFailureIsCompensated(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test)
	userID := mustUserID(test, "unlucky-buyer")
	harness.registerWithBalance(test, userID, 1000)
	harness.inventory.prices["phone-1"] = 400
	harness.inventory.decrementErr = errors.New("out of stock")

	_, _, err := harness.service.Purchase(context.Background(), userID, "phone-1")
	if !errors.Is(err, ErrStockUnavailable) {
		test.Fatalf("expected ErrStockUnavailable, got %v", err)
	}
	account, _ := harness.service.Balance(context.Background(), userID)
	if account.BalanceCredits != 1000 {
		test.Fatalf("expected balance restored to 1000, got %d", account.BalanceCredits)
	}
	entries := harness.store.entriesFor(userID)
	if len(entries) != 2 {
		test.Fatalf("expected spent plus compensating entry, got %d", len(entries))
	}
	if entries[0].Kind != EntrySpent || entries[1].Kind != EntryEarned {
		test.Fatalf("expected spent then earned, got %s then %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[0].AmountCredits != entries[1].AmountCredits {
		test.Fatalf("expected matching magnitudes, got %d and %d", entries[0].AmountCredits, entries[1].AmountCredits)
	}
}

func TestPurchaseInsufficientBalance(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test)
	userID := mustUserID(test, "broke-buyer")
	harness.registerWithBalance(test, userID, 100)
	harness.inventory.prices["phone-1"] = 400

	_, _, err := harness.service.Purchase(context.Background(), userID, "phone-1")
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(harness.inventory.decremented) != 0 {
		test.Fatalf("expected no stock decrement")
	}
}

func TestRewardCreditsWithoutChallenge(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test)
	userID := mustUserID(test, "recycler")
	harness.registerWithBalance(test, userID, 0)

	account, entry, err := harness.service.Reward(context.Background(), userID, mustCreditAmount(test, 75), "laptop pickup approved", "pickup-42")
	if err != nil {
		test.Fatalf("reward: %v", err)
	}
	if account.BalanceCredits != 75 {
		test.Fatalf("expected balance 75, got %d", account.BalanceCredits)
	}
	if entry.Kind != EntryEarned {
		test.Fatalf("expected earned entry, got %s", entry.Kind)
	}
	if len(harness.notifier.delivered) != 0 {
		test.Fatalf("reward must not issue a challenge")
	}
}

func TestRewardDuplicateReferenceRejected(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test)
	userID := mustUserID(test, "double-recycler")
	harness.registerWithBalance(test, userID, 0)

	if _, _, err := harness.service.Reward(context.Background(), userID, mustCreditAmount(test, 75), "", "pickup-42"); err != nil {
		test.Fatalf("first reward: %v", err)
	}
	_, _, err := harness.service.Reward(context.Background(), userID, mustCreditAmount(test, 75), "", "pickup-42")
	if !errors.Is(err, ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	account, _ := harness.service.Balance(context.Background(), userID)
	if account.BalanceCredits != 75 {
		test.Fatalf("expected single credit of 75, got %d", account.BalanceCredits)
	}
}

func TestRegisterSeedsWelcomeBonus(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test, WithWelcomeBonus(250))
	userID := mustUserID(test, "new-user")

	account, err := harness.service.Register(context.Background(), userID)
	if err != nil {
		test.Fatalf("register: %v", err)
	}
	if account.BalanceCredits != 250 {
		test.Fatalf("expected welcome bonus 250, got %d", account.BalanceCredits)
	}
	if _, err := harness.service.Register(context.Background(), userID); !errors.Is(err, ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestBalanceMatchesCompletedEntrySum(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test)
	userID := mustUserID(test, "conservation-user")
	welcome := int64(100)
	harness.registerWithBalance(test, userID, welcome)
	harness.inventory.prices["cable-1"] = 30

	if _, _, err := harness.service.Reward(context.Background(), userID, mustCreditAmount(test, 50), "", "pickup-a"); err != nil {
		test.Fatalf("reward: %v", err)
	}
	if _, _, err := harness.service.Purchase(context.Background(), userID, "cable-1"); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	request := toCreditsRequest(test, 4)
	if _, err := harness.service.StartConversion(context.Background(), userID, request); err != nil {
		test.Fatalf("start conversion: %v", err)
	}
	if _, _, err := harness.service.ConfirmConversion(context.Background(), userID, request, harness.notifier.lastCode(test)); err != nil {
		test.Fatalf("confirm conversion: %v", err)
	}

	expected := welcome
	for _, entry := range harness.store.entriesFor(userID) {
		if entry.Status != EntryStatusCompleted {
			continue
		}
		if entry.Kind.Credits() {
			expected += entry.AmountCredits.Int64()
		} else {
			expected -= entry.AmountCredits.Int64()
		}
	}
	account, err := harness.service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if account.BalanceCredits != expected {
		test.Fatalf("balance %d diverged from completed entry sum %d", account.BalanceCredits, expected)
	}
}

func TestListEntriesNewestFirstAndIdempotent(test *testing.T) {
	test.Parallel()
	harness := newServiceHarness(test)
	userID := mustUserID(test, "history-user")
	harness.registerWithBalance(test, userID, 0)

	for index := 0; index < 3; index++ {
		reference := string(rune('a' + index))
		if _, _, err := harness.service.Reward(context.Background(), userID, mustCreditAmount(test, 10), "", "pickup-"+reference); err != nil {
			test.Fatalf("reward %d: %v", index, err)
		}
		harness.clock.Advance(1)
	}

	first, err := harness.service.ListEntries(context.Background(), userID, 0, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(first) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(first))
	}
	for index := 1; index < len(first); index++ {
		if first[index-1].CreatedUnixUTC < first[index].CreatedUnixUTC {
			test.Fatalf("entries not newest first at index %d", index)
		}
	}
	second, err := harness.service.ListEntries(context.Background(), userID, 0, 10)
	if err != nil {
		test.Fatalf("second list: %v", err)
	}
	if len(second) != len(first) {
		test.Fatalf("expected identical listings, got %d and %d", len(first), len(second))
	}
	for index := range first {
		if first[index].EntryID != second[index].EntryID {
			test.Fatalf("listing order changed at index %d", index)
		}
	}
}
