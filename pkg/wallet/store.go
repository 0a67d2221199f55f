package wallet

import "context"

// Store is the persistence contract used by Service. Balance mutations flow
// exclusively through WithTx so that the entry insert and the balance update
// commit as one unit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, userID UserID, initialBalance int64, nowUnixUTC int64) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	// GetAccountForUpdate re-reads the account under a row lock. Only
	// meaningful inside WithTx.
	GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error)
	SetBalance(ctx context.Context, userID UserID, balanceCredits int64) error
	// InsertEntry persists the entry and returns it with its assigned id.
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	GetEntry(ctx context.Context, entryID string) (Entry, error)
	// UpdateEntryStatus moves an entry from one status to another and fails
	// with ErrEntryStatusConflict when the entry is not in the from status.
	UpdateEntryStatus(ctx context.Context, entryID string, from EntryStatus, to EntryStatus) error
	// ListEntries returns entries for a user created strictly before the
	// cutoff, newest first. A zero cutoff means "now".
	ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error)
	// ListProcessingPayouts feeds the payout reconciliation job.
	ListProcessingPayouts(ctx context.Context, olderThanUnixUTC int64, limit int) ([]Entry, error)
}
