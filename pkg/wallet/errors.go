package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountExists         = errors.New("account already exists")
	ErrEntryNotFound         = errors.New("entry not found")
	ErrEntryStatusConflict   = errors.New("entry status conflict")
	ErrDuplicateReference    = errors.New("duplicate payment reference")
	ErrChallengeNotFound     = errors.New("challenge not found")
	ErrChallengeExpired      = errors.New("challenge expired")
	ErrChallengeMismatch     = errors.New("challenge code mismatch")
	ErrExternalPaymentFailed = errors.New("external payment failed")
	ErrExternalPayoutFailed  = errors.New("external payout failed")
	ErrStockUnavailable      = errors.New("stock unavailable")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidCode           = errors.New("invalid challenge code")
	ErrInvalidEntryID        = errors.New("invalid entry id")
	ErrInvalidEntryKind      = errors.New("invalid entry kind")
	ErrInvalidEntryStatus    = errors.New("invalid entry status")
	ErrInvalidDirection      = errors.New("invalid conversion direction")
	ErrInvalidPayoutState    = errors.New("invalid payout state")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
