package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The balance is denormalized and is
// only ever written in the same transaction as the entry that changes it.
type Account struct {
	UserID         string    `gorm:"primaryKey"`
	BalanceCredits int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID          string         `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"not null;index:idx_entries_user_created,priority:1;index:uniq_entry_user_reference,unique,priority:1"`
	Kind             string         `gorm:"not null"`
	AmountCredits    int64          `gorm:"not null"`
	Description      string         `gorm:"not null"`
	PaymentReference *string        `gorm:"index:uniq_entry_user_reference,unique,priority:2"`
	Status           string         `gorm:"not null;index:idx_entries_status"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_entries_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// BeforeCreate assigns a time-ordered v7 id. Stored timestamps carry second
// resolution, so the id doubles as the tiebreaker that keeps listings in
// commit order when entries land within the same second.
func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID != "" {
		return nil
	}
	entryID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	entry.EntryID = entryID.String()
	return nil
}
