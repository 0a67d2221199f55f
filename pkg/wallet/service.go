package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the conversion orchestrator: the only caller-facing surface for
// balance mutations. It drives the OTP challenge and applies every balance
// change through the Store as one atomic settlement.
type Service struct {
	store      Store
	challenger Challenger
	nowFn      func() int64
	logger     OperationLogger
	capturer   PaymentCapturer
	payouts    PayoutProvider
	inventory  Inventory
	notifier   Notifier

	conversionRate  int64
	welcomeBonus    int64
	externalTimeout time.Duration

	accountLocks accountMutex
}

// NewService wires a Service.
func NewService(store Store, challenger Challenger, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if challenger == nil {
		return nil, fmt.Errorf("%w: challenger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		challenger:      challenger,
		nowFn:           now,
		conversionRate:  DefaultConversionRate,
		welcomeBonus:    DefaultWelcomeBonus,
		externalTimeout: DefaultExternalTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.conversionRate <= 0 {
		return nil, fmt.Errorf("%w: conversion rate must be positive", ErrInvalidServiceConfig)
	}
	if service.welcomeBonus < 0 {
		return nil, fmt.Errorf("%w: welcome bonus must not be negative", ErrInvalidServiceConfig)
	}
	if service.externalTimeout <= 0 {
		return nil, fmt.Errorf("%w: external timeout must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// ConversionRate returns the configured credits-per-currency-unit rate.
func (service *Service) ConversionRate() int64 {
	return service.conversionRate
}

// Register creates the user's account seeded with the welcome bonus.
func (service *Service) Register(ctx context.Context, userID UserID) (Account, error) {
	account, operationError := service.store.CreateAccount(ctx, userID, service.welcomeBonus, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationRegister,
		UserID:    userID,
		Error:     operationError,
	})
	if operationError != nil {
		return Account{}, operationError
	}
	return account, nil
}

// Balance returns the user's account view.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(ctx, userID)
}

// StartConversion validates the request, issues a fresh challenge, and hands
// the code to the out-of-band delivery channel. For credits-to-money requests
// the balance is checked first so that a request that cannot succeed never
// spends a challenge.
func (service *Service) StartConversion(ctx context.Context, userID UserID, request ConversionRequest) (ChallengeReceipt, error) {
	receipt, operationError := service.startConversion(ctx, userID, request)
	service.logOperation(ctx, OperationLog{
		Operation: operationStartConvert,
		UserID:    userID,
		Amount:    receipt.CreditAmount,
		Error:     operationError,
	})
	return receipt, operationError
}

func (service *Service) startConversion(ctx context.Context, userID UserID, request ConversionRequest) (ChallengeReceipt, error) {
	credits, err := service.creditValue(request)
	if err != nil {
		return ChallengeReceipt{}, err
	}
	if request.Direction == DirectionToMoney {
		account, err := service.store.GetAccount(ctx, userID)
		if err != nil {
			return ChallengeReceipt{}, err
		}
		if account.BalanceCredits < credits.Int64() {
			return ChallengeReceipt{}, ErrInsufficientBalance
		}
	}
	challenge, err := service.challenger.Issue(ctx, userID)
	if err != nil {
		return ChallengeReceipt{}, err
	}
	if service.notifier != nil {
		if err := service.notifier.DeliverCode(ctx, userID, challenge.Code, challenge.ExpiresAtUnixUTC); err != nil {
			return ChallengeReceipt{}, err
		}
	}
	return ChallengeReceipt{
		ExpiresAtUnixUTC: challenge.ExpiresAtUnixUTC,
		CreditAmount:     credits,
	}, nil
}

// ConfirmConversion verifies the submitted code and settles the conversion.
// Inbound money is captured before any credit is written; outbound money is
// debited immediately with a processing entry and completed or failed once
// the payout resolves.
func (service *Service) ConfirmConversion(ctx context.Context, userID UserID, request ConversionRequest, code OTPCode) (Account, Entry, error) {
	account, entry, operationError := service.confirmConversion(ctx, userID, request, code)
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirmConvert,
		UserID:    userID,
		Kind:      entry.Kind,
		Amount:    entry.AmountCredits,
		Reference: entry.PaymentReference,
		EntryID:   entry.EntryID,
		Error:     operationError,
	})
	return account, entry, operationError
}

func (service *Service) confirmConversion(ctx context.Context, userID UserID, request ConversionRequest, code OTPCode) (Account, Entry, error) {
	credits, err := service.creditValue(request)
	if err != nil {
		return Account{}, Entry{}, err
	}
	if err := service.challenger.Verify(ctx, userID, code); err != nil {
		return Account{}, Entry{}, err
	}
	switch request.Direction {
	case DirectionToCredits:
		return service.settleInbound(ctx, userID, request, credits)
	case DirectionToMoney:
		return service.settleOutbound(ctx, userID, request, credits)
	}
	return Account{}, Entry{}, fmt.Errorf("%w: %q", ErrInvalidDirection, request.Direction)
}

func (service *Service) settleInbound(ctx context.Context, userID UserID, request ConversionRequest, credits CreditAmount) (Account, Entry, error) {
	if service.capturer == nil {
		return Account{}, Entry{}, fmt.Errorf("%w: payment capturer not configured", ErrInvalidServiceConfig)
	}
	captureCtx, cancel := context.WithTimeout(ctx, service.externalTimeout)
	defer cancel()
	reference, err := service.capturer.Capture(captureCtx, userID, request.Money, request.PaymentMethod)
	if err != nil {
		return Account{}, Entry{}, fmt.Errorf("%w: %v", ErrExternalPaymentFailed, err)
	}
	description := fmt.Sprintf("converted %d currency units to %d credits", request.Money.Int64(), credits.Int64())
	return service.applyEntry(ctx, userID, EntryConvertedToCredits, credits, description, reference, EntryStatusCompleted, request.Metadata)
}

func (service *Service) settleOutbound(ctx context.Context, userID UserID, request ConversionRequest, credits CreditAmount) (Account, Entry, error) {
	if service.payouts == nil {
		return Account{}, Entry{}, fmt.Errorf("%w: payout provider not configured", ErrInvalidServiceConfig)
	}
	reference := uuid.NewString()
	description := fmt.Sprintf("converted %d credits to %d currency units", credits.Int64(), request.Money.Int64())
	account, entry, err := service.applyEntry(ctx, userID, EntryConvertedToMoney, credits, description, reference, EntryStatusProcessing, request.Metadata)
	if err != nil {
		return Account{}, Entry{}, err
	}
	payoutCtx, cancel := context.WithTimeout(ctx, service.externalTimeout)
	defer cancel()
	if err := service.payouts.Payout(payoutCtx, reference, userID, request.Money, request.PayoutDestination); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || payoutCtx.Err() != nil {
			// The provider may have accepted the transfer before the
			// deadline fired. The entry stays processing with the debit
			// held until reconciliation learns the real outcome.
			return Account{}, Entry{}, fmt.Errorf("%w: %v", ErrExternalPayoutFailed, err)
		}
		if failErr := service.FailPayout(ctx, entry.EntryID); failErr != nil {
			return Account{}, Entry{}, fmt.Errorf("%w: %v; restoring the debit failed: %v", ErrExternalPayoutFailed, err, failErr)
		}
		return Account{}, Entry{}, fmt.Errorf("%w: %v", ErrExternalPayoutFailed, err)
	}
	return account, entry, nil
}

func (service *Service) creditValue(request ConversionRequest) (CreditAmount, error) {
	if _, err := ParseConversionDirection(request.Direction.String()); err != nil {
		return 0, err
	}
	if request.Money.Int64() <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.Money.Int64() > math.MaxInt64/service.conversionRate {
		return 0, fmt.Errorf("%w: %d currency units exceed the convertible maximum", ErrInvalidAmount, request.Money.Int64())
	}
	return NewCreditAmount(request.Money.Int64() * service.conversionRate)
}

// applyEntry is the sole writer path for balances. Calls for one user are
// serialized by a per-account mutex; the entry insert and the balance update
// commit in one transaction, and a debit that would drive the balance
// negative is rejected with nothing applied.
func (service *Service) applyEntry(ctx context.Context, userID UserID, kind EntryKind, amount CreditAmount, description string, reference string, status EntryStatus, metadata MetadataJSON) (Account, Entry, error) {
	unlock := service.accountLocks.lock(userID)
	defer unlock()

	var account Account
	var entry Entry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := current.BalanceCredits + amount.Int64()
		if !kind.Credits() {
			newBalance = current.BalanceCredits - amount.Int64()
		}
		if newBalance < 0 {
			return ErrInsufficientBalance
		}
		inserted, err := transactionStore.InsertEntry(ctx, Entry{
			UserID:           userID,
			Kind:             kind,
			AmountCredits:    amount,
			Description:      description,
			PaymentReference: reference,
			Status:           status,
			Metadata:         metadata,
			CreatedUnixUTC:   service.nowFn(),
		})
		if err != nil {
			return err
		}
		if err := transactionStore.SetBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		current.BalanceCredits = newBalance
		account = current
		entry = inserted
		return nil
	})
	if operationError != nil {
		return Account{}, Entry{}, operationError
	}
	return account, entry, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// accountMutex hands out one mutex per user id. Entries are never evicted;
// the map is bounded by the number of distinct users seen by this process.
type accountMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (locks *accountMutex) lock(userID UserID) func() {
	locks.mu.Lock()
	if locks.locks == nil {
		locks.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := locks.locks[userID.String()]
	if !ok {
		lock = &sync.Mutex{}
		locks.locks[userID.String()] = lock
	}
	locks.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
