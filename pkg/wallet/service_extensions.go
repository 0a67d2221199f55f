package wallet

import (
	"context"
	"fmt"
)

// Purchase debits the item price and then commits the stock decrement. When
// the decrement fails after the debit, a compensating earned entry refunds
// the full amount; both entries stay visible in the history.
func (service *Service) Purchase(ctx context.Context, userID UserID, itemID string) (Account, Entry, error) {
	account, entry, operationError := service.purchase(ctx, userID, itemID)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		UserID:    userID,
		Kind:      entry.Kind,
		Amount:    entry.AmountCredits,
		Reference: entry.PaymentReference,
		EntryID:   entry.EntryID,
		Error:     operationError,
	})
	return account, entry, operationError
}

func (service *Service) purchase(ctx context.Context, userID UserID, itemID string) (Account, Entry, error) {
	if service.inventory == nil {
		return Account{}, Entry{}, fmt.Errorf("%w: inventory not configured", ErrInvalidServiceConfig)
	}
	price, err := service.inventory.Price(ctx, itemID)
	if err != nil {
		return Account{}, Entry{}, fmt.Errorf("%w: %v", ErrStockUnavailable, err)
	}
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"item_id":%q}`, itemID))
	if err != nil {
		return Account{}, Entry{}, err
	}
	description := fmt.Sprintf("marketplace purchase of item %s", itemID)
	account, entry, err := service.applyEntry(ctx, userID, EntrySpent, price, description, "", EntryStatusCompleted, metadata)
	if err != nil {
		return Account{}, Entry{}, err
	}
	if err := service.inventory.DecrementStock(ctx, itemID); err != nil {
		refund := fmt.Sprintf("refund for failed purchase of item %s", itemID)
		restored, _, refundErr := service.applyEntry(ctx, userID, EntryEarned, price, refund, entry.EntryID, EntryStatusCompleted, metadata)
		if refundErr != nil {
			return Account{}, Entry{}, refundErr
		}
		return restored, entry, fmt.Errorf("%w: %v", ErrStockUnavailable, err)
	}
	return account, entry, nil
}

// Reward credits an admin-approved pickup amount. This is a credit in the
// user's favor from a trusted workflow, so no challenge gates it.
func (service *Service) Reward(ctx context.Context, userID UserID, amount CreditAmount, description string, reference string) (Account, Entry, error) {
	if description == "" {
		description = "pickup reward"
	}
	account, entry, operationError := service.applyEntry(ctx, userID, EntryEarned, amount, description, reference, EntryStatusCompleted, MetadataJSON{})
	service.logOperation(ctx, OperationLog{
		Operation: operationReward,
		UserID:    userID,
		Kind:      EntryEarned,
		Amount:    amount,
		Reference: reference,
		EntryID:   entry.EntryID,
		Error:     operationError,
	})
	return account, entry, operationError
}

// ListEntries lists ledger entries for a user before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, userID, beforeUnixUTC, limit)
}

// ConfirmPayout marks a processing payout entry completed. The balance was
// already debited when the entry was written, so only the status moves.
func (service *Service) ConfirmPayout(ctx context.Context, entryID string) error {
	entry, err := service.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Kind != EntryConvertedToMoney {
		return fmt.Errorf("%w: entry %s is not a payout", ErrEntryStatusConflict, entryID)
	}
	operationError := service.store.UpdateEntryStatus(ctx, entryID, EntryStatusProcessing, EntryStatusCompleted)
	service.logOperation(ctx, OperationLog{
		Operation: operationPayoutConfirm,
		UserID:    entry.UserID,
		Kind:      entry.Kind,
		Amount:    entry.AmountCredits,
		Reference: entry.PaymentReference,
		EntryID:   entryID,
		Error:     operationError,
	})
	return operationError
}

// FailPayout marks a processing payout entry failed and restores the debited
// balance in the same transaction. The debit never completed, so the
// conservation equation over completed entries stays exact.
func (service *Service) FailPayout(ctx context.Context, entryID string) error {
	entry, err := service.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Kind != EntryConvertedToMoney {
		return fmt.Errorf("%w: entry %s is not a payout", ErrEntryStatusConflict, entryID)
	}
	unlock := service.accountLocks.lock(entry.UserID)
	defer unlock()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.UpdateEntryStatus(ctx, entryID, EntryStatusProcessing, EntryStatusFailed); err != nil {
			return err
		}
		account, err := transactionStore.GetAccountForUpdate(ctx, entry.UserID)
		if err != nil {
			return err
		}
		return transactionStore.SetBalance(ctx, entry.UserID, account.BalanceCredits+entry.AmountCredits.Int64())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPayoutFail,
		UserID:    entry.UserID,
		Kind:      entry.Kind,
		Amount:    entry.AmountCredits,
		Reference: entry.PaymentReference,
		EntryID:   entryID,
		Error:     operationError,
	})
	return operationError
}

// ReconcilePayout polls the provider for a processing entry and moves it to
// its terminal state. Pending payouts are left untouched.
func (service *Service) ReconcilePayout(ctx context.Context, entry Entry) error {
	if service.payouts == nil {
		return fmt.Errorf("%w: payout provider not configured", ErrInvalidServiceConfig)
	}
	state, err := service.payouts.PayoutStatus(ctx, entry.PaymentReference)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExternalPayoutFailed, err)
	}
	switch state {
	case PayoutSucceeded:
		return service.ConfirmPayout(ctx, entry.EntryID)
	case PayoutFailed:
		return service.FailPayout(ctx, entry.EntryID)
	}
	return nil
}

// ReconcileProcessingPayouts sweeps payout entries stuck in processing older
// than the cutoff. Safe to run concurrently with itself: the status
// compare-and-set makes each transition apply at most once.
func (service *Service) ReconcileProcessingPayouts(ctx context.Context, olderThanUnixUTC int64, limit int) error {
	entries, err := service.store.ListProcessingPayouts(ctx, olderThanUnixUTC, limit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := service.ReconcilePayout(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
