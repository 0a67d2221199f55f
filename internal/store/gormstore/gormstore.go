package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

const (
	constraintUserReference = "uniq_entry_user_reference"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSetBalance     = "set_balance"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite deployments and tests;
// postgres schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, userID wallet.UserID, initialBalance int64, nowUnixUTC int64) (wallet.Account, error) {
	model := Account{
		UserID:         userID.String(),
		BalanceCredits: initialBalance,
		CreatedAt:      time.Unix(nowUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountExists)
	}
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return wallet.Account{
		UserID:         userID,
		BalanceCredits: model.BalanceCredits,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) GetAccount(ctx context.Context, userID wallet.UserID) (wallet.Account, error) {
	return store.getAccount(ctx, userID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID wallet.UserID) (wallet.Account, error) {
	return store.getAccount(ctx, userID, true)
}

func (store *Store) getAccount(ctx context.Context, userID wallet.UserID, forUpdate bool) (wallet.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return wallet.Account{
		UserID:         userID,
		BalanceCredits: model.BalanceCredits,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) SetBalance(ctx context.Context, userID wallet.UserID, balanceCredits int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Update("balance_credits", balanceCredits)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSetBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSetBalance, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.Entry, error) {
	var reference *string
	if entry.PaymentReference != "" {
		value := entry.PaymentReference
		reference = &value
	}
	model := LedgerEntry{
		UserID:           entry.UserID.String(),
		Kind:             entry.Kind.String(),
		AmountCredits:    entry.AmountCredits.Int64(),
		Description:      entry.Description,
		PaymentReference: reference,
		Status:           entry.Status.String(),
		Metadata:         datatypesJSON(entry.Metadata.String()),
		CreatedAt:        time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isReferenceConflict(err) {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.EntryID = model.EntryID
	return entry, nil
}

func (store *Store) GetEntry(ctx context.Context, entryID string) (wallet.Entry, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).Where("entry_id = ?", entryID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, wallet.ErrEntryNotFound)
		}
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID string, from wallet.EntryStatus, to wallet.EntryStatus) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", entryID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&LedgerEntry{}).Where("entry_id = ?", entryID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, wallet.ErrEntryNotFound)
		}
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, wallet.ErrEntryStatusConflict)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID wallet.UserID, beforeUnixUTC int64, limit int) ([]wallet.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC, entry_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func (store *Store) ListProcessingPayouts(ctx context.Context, olderThanUnixUTC int64, limit int) ([]wallet.Entry, error) {
	cutoff := time.Unix(olderThanUnixUTC, 0).UTC()
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND created_at <= ?", wallet.EntryConvertedToMoney.String(), wallet.EntryStatusProcessing.String(), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerEntries(rows []LedgerEntry) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func mapLedgerEntry(row LedgerEntry) (wallet.Entry, error) {
	userID, err := wallet.NewUserID(row.UserID)
	if err != nil {
		return wallet.Entry{}, err
	}
	kind, err := wallet.ParseEntryKind(row.Kind)
	if err != nil {
		return wallet.Entry{}, err
	}
	amount, err := wallet.NewCreditAmount(row.AmountCredits)
	if err != nil {
		return wallet.Entry{}, err
	}
	status, err := wallet.ParseEntryStatus(row.Status)
	if err != nil {
		return wallet.Entry{}, err
	}
	metadata, err := wallet.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return wallet.Entry{}, err
	}
	reference := ""
	if row.PaymentReference != nil {
		reference = *row.PaymentReference
	}
	return wallet.Entry{
		EntryID:          row.EntryID,
		UserID:           userID,
		Kind:             kind,
		AmountCredits:    amount,
		Description:      row.Description,
		PaymentReference: reference,
		Status:           status,
		Metadata:         metadata,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUserReference
	}
	return isSQLiteConstraint(err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return isSQLiteConstraint(err)
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
