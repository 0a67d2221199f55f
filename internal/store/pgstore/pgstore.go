// Package pgstore implements wallet.Store directly over pgx. It targets a
// schema managed outside the process:
//
//	create table accounts(
//	    user_id         text primary key,
//	    balance_credits bigint not null default 0,
//	    created_at      timestamptz not null
//	);
// Entry ids are time-ordered v7 uuids assigned by the application, so
// "order by created_at desc, entry_id desc" stays in commit order even when
// several entries share the same second.
//
//	create table ledger_entries(
//	    entry_id          uuid primary key,
//	    user_id           text not null,
//	    kind              text not null,
//	    amount_credits    bigint not null,
//	    description       text not null default '',
//	    payment_reference text,
//	    status            text not null,
//	    metadata          jsonb not null default '{}',
//	    created_at        timestamptz not null,
//	    constraint uniq_entry_user_reference unique (user_id, payment_reference)
//	);
//	create index idx_entries_user_created on ledger_entries(user_id, created_at desc);
package pgstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GreenLoopResearchLab/wallet/pkg/wallet"
)

const (
	constraintUserReference = "uniq_entry_user_reference"
	constraintAccountKey    = "accounts_pkey"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSetBalance     = "set_balance"
	errorCodeUpdateStatus   = "update_status"

	sqlInsertAccount = `
		insert into accounts(user_id, balance_credits, created_at)
		values($1, $2, to_timestamp($3))
	`

	sqlSelectAccount = `
		select balance_credits, extract(epoch from created_at)::bigint
		from accounts
		where user_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + `
		for update
	`

	sqlUpdateBalance = `
		update accounts set balance_credits = $2 where user_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, kind, amount_credits, description, payment_reference, metadata, status, created_at
		)
		values(
			$1, $2, $3, $4, $5,
			nullif($6,''),
			coalesce(nullif($7,''),'{}')::jsonb,
			$8,
			to_timestamp($9)
		)
		returning entry_id::text
	`

	sqlSelectEntry = `
		select
			entry_id::text,
			user_id,
			kind,
			amount_credits,
			description,
			coalesce(payment_reference,''),
			status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where entry_id = $1::uuid
	`

	sqlUpdateEntryStatus = `
		update ledger_entries
		set status = $3
		where entry_id = $1::uuid and status = $2
	`

	sqlCountEntry = `
		select count(*) from ledger_entries where entry_id = $1::uuid
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			user_id,
			kind,
			amount_credits,
			description,
			coalesce(payment_reference,''),
			status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, entry_id desc
		limit $3
	`

	sqlListProcessingPayouts = `
		select
			entry_id::text,
			user_id,
			kind,
			amount_credits,
			description,
			coalesce(payment_reference,''),
			status,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where kind = $1 and status = $2 and created_at <= to_timestamp($3)
		order by created_at asc
		limit $4
	`
)

// querier is the slice of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements wallet.Store using a pgx connection pool (autocommit
// outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, userID wallet.UserID, initialBalance int64, nowUnixUTC int64) (wallet.Account, error) {
	_, err := store.db.Exec(ctx, sqlInsertAccount, userID.String(), initialBalance, nowUnixUTC)
	if isAccountConflict(err) {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountExists)
	}
	if err != nil {
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return wallet.Account{
		UserID:         userID,
		BalanceCredits: initialBalance,
		CreatedUnixUTC: nowUnixUTC,
	}, nil
}

func (store *Store) GetAccount(ctx context.Context, userID wallet.UserID) (wallet.Account, error) {
	return store.getAccount(ctx, userID, sqlSelectAccount)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID wallet.UserID) (wallet.Account, error) {
	return store.getAccount(ctx, userID, sqlSelectAccountForUpdate)
}

func (store *Store) getAccount(ctx context.Context, userID wallet.UserID, query string) (wallet.Account, error) {
	var (
		balance   int64
		createdAt int64
	)
	err := store.db.QueryRow(ctx, query, userID.String()).Scan(&balance, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return wallet.Account{
		UserID:         userID,
		BalanceCredits: balance,
		CreatedUnixUTC: createdAt,
	}, nil
}

func (store *Store) SetBalance(ctx context.Context, userID wallet.UserID, balanceCredits int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance, userID.String(), balanceCredits)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSetBalance, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSetBalance, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry wallet.Entry) (wallet.Entry, error) {
	assignedID, err := uuid.NewV7()
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	var entryID string
	err = store.db.QueryRow(ctx, sqlInsertEntry,
		assignedID.String(),
		entry.UserID.String(),
		entry.Kind.String(),
		entry.AmountCredits.Int64(),
		entry.Description,
		entry.PaymentReference,
		entry.Metadata.String(),
		entry.Status.String(),
		entry.CreatedUnixUTC,
	).Scan(&entryID)
	if isReferenceConflict(err) {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry.EntryID = entryID
	return entry, nil
}

func (store *Store) GetEntry(ctx context.Context, entryID string) (wallet.Entry, error) {
	row := store.db.QueryRow(ctx, sqlSelectEntry, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, wallet.ErrEntryNotFound)
		}
		return wallet.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID string, from wallet.EntryStatus, to wallet.EntryStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateEntryStatus, entryID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		var count int64
		if err := store.db.QueryRow(ctx, sqlCountEntry, entryID).Scan(&count); err != nil {
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
	before := beforeUnixUTC
	if before == 0 {
		// An open-ended listing; push the cutoff past any existing row.
		before = int64(1) << 40
	}
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID.String(), before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListProcessingPayouts(ctx context.Context, olderThanUnixUTC int64, limit int) ([]wallet.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListProcessingPayouts,
		wallet.EntryConvertedToMoney.String(),
		wallet.EntryStatusProcessing.String(),
		olderThanUnixUTC,
		limit,
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanEntries(rows pgx.Rows) ([]wallet.Entry, error) {
	entries := make([]wallet.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (wallet.Entry, error) {
	var (
		entryIDValue   string
		userIDValue    string
		kindValue      string
		amountValue    int64
		description    string
		reference      string
		statusValue    string
		metadataValue  string
		createdAtValue int64
	)
	if err := row.Scan(
		&entryIDValue,
		&userIDValue,
		&kindValue,
		&amountValue,
		&description,
		&reference,
		&statusValue,
		&metadataValue,
		&createdAtValue,
	); err != nil {
		return wallet.Entry{}, err
	}
	userID, err := wallet.NewUserID(userIDValue)
	if err != nil {
		return wallet.Entry{}, err
	}
	kind, err := wallet.ParseEntryKind(kindValue)
	if err != nil {
		return wallet.Entry{}, err
	}
	amount, err := wallet.NewCreditAmount(amountValue)
	if err != nil {
		return wallet.Entry{}, err
	}
	status, err := wallet.ParseEntryStatus(statusValue)
	if err != nil {
		return wallet.Entry{}, err
	}
	metadata, err := wallet.NewMetadataJSON(metadataValue)
	if err != nil {
		return wallet.Entry{}, err
	}
	return wallet.Entry{
		EntryID:          entryIDValue,
		UserID:           userID,
		Kind:             kind,
		AmountCredits:    amount,
		Description:      description,
		PaymentReference: reference,
		Status:           status,
		Metadata:         metadata,
		CreatedUnixUTC:   createdAtValue,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isReferenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUserReference
	}
	return false
}

func isAccountConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountKey
	}
	return false
}
