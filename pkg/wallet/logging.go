package wallet

import "context"

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation. It never carries
// the challenge code.
type OperationLog struct {
	Operation string
	UserID    UserID
	Kind      EntryKind
	Amount    CreditAmount
	Reference string
	EntryID   string
	Status    string
	Error     error
}
