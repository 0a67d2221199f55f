package wallet

import "context"

// Challenger issues and validates the one-time codes gating balance
// mutations. Implementations must keep at most one live challenge per user:
// issuing again replaces any prior unconsumed challenge.
type Challenger interface {
	Issue(ctx context.Context, userID UserID) (Challenge, error)
	// Verify consumes the challenge on an exact match before expiry. A
	// mismatch leaves the challenge in place for retry; expiry discards it.
	Verify(ctx context.Context, userID UserID, code OTPCode) error
}

// PaymentCapturer charges the user's external payment method. Money must be
// confirmed received before any credit is written to the ledger.
type PaymentCapturer interface {
	Capture(ctx context.Context, userID UserID, amount MoneyAmount, method string) (reference string, err error)
}

// PayoutProvider moves money out to the user's bank or UPI destination.
// Payouts are asynchronous: initiation is correlated by a caller-chosen
// reference which is later polled for a terminal state.
type PayoutProvider interface {
	Payout(ctx context.Context, reference string, userID UserID, amount MoneyAmount, destination string) error
	PayoutStatus(ctx context.Context, reference string) (PayoutState, error)
}

// Inventory prices marketplace items and commits stock decrements.
type Inventory interface {
	Price(ctx context.Context, itemID string) (CreditAmount, error)
	DecrementStock(ctx context.Context, itemID string) error
}

// Notifier delivers a challenge code to the user out of band. The code never
// appears in an API response or a log line.
type Notifier interface {
	DeliverCode(ctx context.Context, userID UserID, code OTPCode, expiresAtUnixUTC int64) error
}
