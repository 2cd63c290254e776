package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/pkg/enums"
)

// OrderLineItem snapshots one purchased listing at checkout time.
// Prices are locked here and never re-derived from the live catalog.
type OrderLineItem struct {
	ID                  uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	OrderID             uuid.UUID         `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID           uuid.UUID         `gorm:"column:product_id;type:uuid;not null"`
	Title               string            `gorm:"column:title;not null"`
	LicenseTier         enums.LicenseTier `gorm:"column:license_tier;not null"`
	UnitPriceCents      int64             `gorm:"column:unit_price_cents;not null"`
	SellerID            uuid.UUID         `gorm:"column:seller_id;type:uuid;not null"`
	SellerPayoutAddress *string           `gorm:"column:seller_payout_address"`
	Signature           *string           `gorm:"column:signature"`
	CreatedAt           time.Time         `gorm:"column:created_at;autoCreateTime"`
}
