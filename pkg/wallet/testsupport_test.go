package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type testClock struct {
	mu  sync.Mutex
	now int64
}

func newTestClock(start int64) *testClock {
	return &testClock{now: start}
}

func (clock *testClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

// stubStore is an in-memory Store. WithTx runs the closure directly; the
// service-level per-account mutex is what keeps same-user calls serialized.
type stubStore struct {
	mu              sync.Mutex
	accounts        map[string]Account
	entries         []Entry
	sequence        int
	updateStatusErr error
}

func newStubStore() *stubStore {
	return &stubStore{accounts: make(map[string]Account)}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateAccount(_ context.Context, userID UserID, initialBalance int64, nowUnixUTC int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[userID.String()]; exists {
		return Account{}, ErrAccountExists
	}
	account := Account{UserID: userID, BalanceCredits: initialBalance, CreatedUnixUTC: nowUnixUTC}
	store.accounts[userID.String()] = account
	return account, nil
}

func (store *stubStore) GetAccount(_ context.Context, userID UserID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, exists := store.accounts[userID.String()]
	if !exists {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) SetBalance(_ context.Context, userID UserID, balanceCredits int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, exists := store.accounts[userID.String()]
	if !exists {
		return ErrAccountNotFound
	}
	account.BalanceCredits = balanceCredits
	store.accounts[userID.String()] = account
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if entry.PaymentReference != "" {
		for _, existing := range store.entries {
			if existing.UserID == entry.UserID && existing.PaymentReference == entry.PaymentReference {
				return Entry{}, ErrDuplicateReference
			}
		}
	}
	store.sequence++
	entry.EntryID = fmt.Sprintf("entry-%d", store.sequence)
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) GetEntry(_ context.Context, entryID string) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, entry := range store.entries {
		if entry.EntryID == entryID {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (store *stubStore) UpdateEntryStatus(_ context.Context, entryID string, from EntryStatus, to EntryStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateStatusErr != nil {
		return store.updateStatusErr
	}
	for index, entry := range store.entries {
		if entry.EntryID != entryID {
			continue
		}
		if entry.Status != from {
			return ErrEntryStatusConflict
		}
		store.entries[index].Status = to
		return nil
	}
	return ErrEntryNotFound
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]Entry, 0, limit)
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.UserID != userID {
			continue
		}
		if beforeUnixUTC != 0 && entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		listed = append(listed, entry)
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) ListProcessingPayouts(_ context.Context, olderThanUnixUTC int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]Entry, 0, limit)
	for _, entry := range store.entries {
		if entry.Kind != EntryConvertedToMoney || entry.Status != EntryStatusProcessing {
			continue
		}
		if entry.CreatedUnixUTC > olderThanUnixUTC {
			continue
		}
		listed = append(listed, entry)
		if limit > 0 && len(listed) == limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) entriesFor(userID UserID) []Entry {
	store.mu.Lock()
	defer store.mu.Unlock()
	owned := make([]Entry, 0, len(store.entries))
	for _, entry := range store.entries {
		if entry.UserID == userID {
			owned = append(owned, entry)
		}
	}
	return owned
}

// stubChallenger issues deterministic sequential codes with a five-minute
// window against the shared test clock. Issue replaces, verify consumes.
type stubChallenger struct {
	mu     sync.Mutex
	clock  *testClock
	active map[string]Challenge
	issued int
}

func newStubChallenger(clock *testClock) *stubChallenger {
	return &stubChallenger{clock: clock, active: make(map[string]Challenge)}
}

func (challenger *stubChallenger) Issue(_ context.Context, userID UserID) (Challenge, error) {
	challenger.mu.Lock()
	defer challenger.mu.Unlock()
	challenger.issued++
	code, err := NewOTPCode(fmt.Sprintf("%06d", 100000+challenger.issued))
	if err != nil {
		return Challenge{}, err
	}
	challenge := Challenge{Code: code, ExpiresAtUnixUTC: challenger.clock.Now() + 300}
	challenger.active[userID.String()] = challenge
	return challenge, nil
}

func (challenger *stubChallenger) Verify(_ context.Context, userID UserID, code OTPCode) error {
	challenger.mu.Lock()
	defer challenger.mu.Unlock()
	challenge, exists := challenger.active[userID.String()]
	if !exists {
		return ErrChallengeNotFound
	}
	if challenger.clock.Now() > challenge.ExpiresAtUnixUTC {
		delete(challenger.active, userID.String())
		return ErrChallengeExpired
	}
	if challenge.Code != code {
		return ErrChallengeMismatch
	}
	delete(challenger.active, userID.String())
	return nil
}

type stubCapturer struct {
	mu       sync.Mutex
	failWith error
	captures int
}

func (capturer *stubCapturer) Capture(_ context.Context, _ UserID, _ MoneyAmount, _ string) (string, error) {
	capturer.mu.Lock()
	defer capturer.mu.Unlock()
	if capturer.failWith != nil {
		return "", capturer.failWith
	}
	capturer.captures++
	return fmt.Sprintf("capture-%d", capturer.captures), nil
}

type stubPayouts struct {
	mu         sync.Mutex
	failWith   error
	references []string
	states     map[string]PayoutState
}

func newStubPayouts() *stubPayouts {
	return &stubPayouts{states: make(map[string]PayoutState)}
}

func (payouts *stubPayouts) Payout(_ context.Context, reference string, _ UserID, _ MoneyAmount, _ string) error {
	payouts.mu.Lock()
	defer payouts.mu.Unlock()
	if payouts.failWith != nil {
		return payouts.failWith
	}
	payouts.references = append(payouts.references, reference)
	payouts.states[reference] = PayoutPending
	return nil
}

func (payouts *stubPayouts) PayoutStatus(_ context.Context, reference string) (PayoutState, error) {
	payouts.mu.Lock()
	defer payouts.mu.Unlock()
	state, exists := payouts.states[reference]
	if !exists {
		return "", fmt.Errorf("unknown payout %s", reference)
	}
	return state, nil
}

func (payouts *stubPayouts) setState(reference string, state PayoutState) {
	payouts.mu.Lock()
	defer payouts.mu.Unlock()
	payouts.states[reference] = state
}

type stubInventory struct {
	mu           sync.Mutex
	prices       map[string]int64
	decrementErr error
	decremented  []string
}

func (inventory *stubInventory) Price(_ context.Context, itemID string) (CreditAmount, error) {
	inventory.mu.Lock()
	defer inventory.mu.Unlock()
	price, exists := inventory.prices[itemID]
	if !exists {
		return 0, fmt.Errorf("unknown item %s", itemID)
	}
	return NewCreditAmount(price)
}

func (inventory *stubInventory) DecrementStock(_ context.Context, itemID string) error {
	inventory.mu.Lock()
	defer inventory.mu.Unlock()
	if inventory.decrementErr != nil {
		return inventory.decrementErr
	}
	inventory.decremented = append(inventory.decremented, itemID)
	return nil
}

type stubNotifier struct {
	mu        sync.Mutex
	delivered []OTPCode
	failWith  error
}

func (notifier *stubNotifier) DeliverCode(_ context.Context, _ UserID, code OTPCode, _ int64) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.failWith != nil {
		return notifier.failWith
	}
	notifier.delivered = append(notifier.delivered, code)
	return nil
}

func (notifier *stubNotifier) lastCode(test *testing.T) OTPCode {
	test.Helper()
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.delivered) == 0 {
		test.Fatalf("no code delivered")
	}
	return notifier.delivered[len(notifier.delivered)-1]
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount %d: %v", raw, err)
	}
	return amount
}

func mustMoneyAmount(test *testing.T, raw int64) MoneyAmount {
	test.Helper()
	amount, err := NewMoneyAmount(raw)
	if err != nil {
		test.Fatalf("money amount %d: %v", raw, err)
	}
	return amount
}

func mustOTPCode(test *testing.T, raw string) OTPCode {
	test.Helper()
	code, err := NewOTPCode(raw)
	if err != nil {
		test.Fatalf("otp code %q: %v", raw, err)
	}
	return code
}

type serviceHarness struct {
	service    *Service
	store      *stubStore
	challenger *stubChallenger
	clock      *testClock
	capturer   *stubCapturer
	payouts    *stubPayouts
	inventory  *stubInventory
	notifier   *stubNotifier
}

func newServiceHarness(test *testing.T, options ...ServiceOption) *serviceHarness {
	test.Helper()
	clock := newTestClock(1_700_000_000)
	store := newStubStore()
	challenger := newStubChallenger(clock)
	capturer := &stubCapturer{}
	payouts := newStubPayouts()
	inventory := &stubInventory{prices: make(map[string]int64)}
	notifier := &stubNotifier{}
	wired := append([]ServiceOption{
		WithPaymentCapturer(capturer),
		WithPayoutProvider(payouts),
		WithInventory(inventory),
		WithNotifier(notifier),
	}, options...)
	service, err := NewService(store, challenger, clock.Now, wired...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return &serviceHarness{
		service:    service,
		store:      store,
		challenger: challenger,
		clock:      clock,
		capturer:   capturer,
		payouts:    payouts,
		inventory:  inventory,
		notifier:   notifier,
	}
}

func (harness *serviceHarness) registerWithBalance(test *testing.T, userID UserID, balance int64) {
	test.Helper()
	if _, err := harness.store.CreateAccount(context.Background(), userID, balance, harness.clock.Now()); err != nil {
		test.Fatalf("create account: %v", err)
	}
}
