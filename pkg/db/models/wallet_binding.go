package models

import (
	"time"

	"github.com/google/uuid"
)

// WalletBinding associates a user with a ledger address. It is written
// by an out-of-band sync process; the checkout core only reads it and
// never treats it as proof of ownership.
type WalletBinding struct {
	ID            uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	UserID        uuid.UUID `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	LedgerAddress string    `gorm:"column:ledger_address;not null"`
	SyncedAt      time.Time `gorm:"column:synced_at"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
