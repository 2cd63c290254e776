package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/pkg/enums"
)

// PendingOrder is the persisted record of one checkout attempt.
// Status transitions are owned by the reconciliation guard; terminal
// states are sticky.
type PendingOrder struct {
	ID            uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID       uuid.UUID         `gorm:"column:buyer_id;type:uuid;not null;index"`
	TotalCents    int64             `gorm:"column:total_cents;not null"`
	Currency      enums.Currency    `gorm:"column:currency;not null"`
	Status        enums.OrderStatus `gorm:"column:status;not null;default:'pending'"`
	Reference     string            `gorm:"column:reference;not null;uniqueIndex"`
	Rail          enums.PaymentRail `gorm:"column:rail;not null"`
	FailureReason *string           `gorm:"column:failure_reason"`
	CompletedAt   *time.Time        `gorm:"column:completed_at"`
	Items         []OrderLineItem   `gorm:"foreignKey:OrderID"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
