package wallet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a strictly positive EcoCredits magnitude.
type CreditAmount int64

// MoneyAmount is a strictly positive amount of external currency units.
type MoneyAmount int64

// UserID identifies an account owner. The value is issued by the external
// identity provider and treated as opaque.
type UserID struct {
	value string
}

// OTPCode is a fixed-width six digit challenge code.
type OTPCode struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewOTPCode validates a submitted challenge code. Leading zeros are
// significant, so the code is kept as a string.
func NewOTPCode(raw string) (OTPCode, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) != OTPCodeLength {
		return OTPCode{}, fmt.Errorf("%w: must be %d digits", ErrInvalidCode, OTPCodeLength)
	}
	for _, character := range trimmed {
		if character < '0' || character > '9' {
			return OTPCode{}, fmt.Errorf("%w: must be numeric", ErrInvalidCode)
		}
	}
	return OTPCode{value: trimmed}, nil
}

// String returns the code including leading zeros.
func (code OTPCode) String() string {
	return code.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCreditAmount validates a credit magnitude and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw magnitude.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewMoneyAmount validates a currency amount and ensures it is strictly positive.
func NewMoneyAmount(raw int64) (MoneyAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return MoneyAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount MoneyAmount) Int64() int64 {
	return int64(amount)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryEarned             EntryKind = "earned"
	EntrySpent              EntryKind = "spent"
	EntryConvertedToCredits EntryKind = "converted_to_credits"
	EntryConvertedToMoney   EntryKind = "converted_to_money"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryEarned, EntrySpent, EntryConvertedToCredits, EntryConvertedToMoney:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// Credits reports whether the kind increases the account balance. The amount
// on an entry is always a positive magnitude; the sign is implied here.
func (kind EntryKind) Credits() bool {
	return kind == EntryEarned || kind == EntryConvertedToCredits
}

// EntryStatus enumerates ledger entry lifecycle states.
type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusProcessing EntryStatus = "processing"
	EntryStatusCompleted  EntryStatus = "completed"
	EntryStatusFailed     EntryStatus = "failed"
)

// ParseEntryStatus validates a stored entry status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(raw) {
	case EntryStatusPending, EntryStatusProcessing, EntryStatusCompleted, EntryStatusFailed:
		return EntryStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
}

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// Entry is a single immutable line in the ledger once completed.
type Entry struct {
	EntryID          string
	UserID           UserID
	Kind             EntryKind
	AmountCredits    CreditAmount
	Description      string
	PaymentReference string
	Status           EntryStatus
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// Account is the balance view for a user.
type Account struct {
	UserID         UserID
	BalanceCredits int64
	CreatedUnixUTC int64
}

// ConversionDirection selects which way a conversion moves value.
type ConversionDirection string

const (
	DirectionToCredits ConversionDirection = "to_credits"
	DirectionToMoney   ConversionDirection = "to_money"
)

// ParseConversionDirection validates a conversion direction.
func ParseConversionDirection(raw string) (ConversionDirection, error) {
	switch ConversionDirection(raw) {
	case DirectionToCredits, DirectionToMoney:
		return ConversionDirection(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
}

// String returns the stored representation.
func (direction ConversionDirection) String() string {
	return string(direction)
}

// ConversionRequest describes a money-to-credits or credits-to-money exchange.
// It is transient; only the resulting ledger entry is persisted.
type ConversionRequest struct {
	Direction ConversionDirection
	// Money is the external currency amount. The credit magnitude is always
	// derived from it through the configured conversion rate.
	Money MoneyAmount
	// PaymentMethod describes how inbound money is captured (to_credits).
	PaymentMethod string
	// PayoutDestination describes where outbound money is sent (to_money).
	PayoutDestination string
	Metadata          MetadataJSON
}

// Challenge is an issued one-time code with its expiry instant.
type Challenge struct {
	Code             OTPCode
	ExpiresAtUnixUTC int64
}

// ChallengeReceipt is what a caller learns after a challenge is issued. The
// code itself travels out of band and is never part of the receipt.
type ChallengeReceipt struct {
	ExpiresAtUnixUTC int64
	CreditAmount     CreditAmount
}

// PayoutState enumerates external payout lifecycle states.
type PayoutState string

const (
	PayoutPending   PayoutState = "pending"
	PayoutSucceeded PayoutState = "succeeded"
	PayoutFailed    PayoutState = "failed"
)

// ParsePayoutState validates a provider-reported payout state.
func ParsePayoutState(raw string) (PayoutState, error) {
	switch PayoutState(raw) {
	case PayoutPending, PayoutSucceeded, PayoutFailed:
		return PayoutState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPayoutState, raw)
}
