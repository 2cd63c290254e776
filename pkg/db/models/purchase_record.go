package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/pkg/enums"
)

// PurchaseRecord is the proof of a completed sale. At most one row may
// ever exist per (buyer, product); the unique index enforces it.
type PurchaseRecord struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID     uuid.UUID         `gorm:"column:buyer_id;type:uuid;not null;uniqueIndex:idx_purchase_buyer_product"`
	ProductID   uuid.UUID         `gorm:"column:product_id;type:uuid;not null;uniqueIndex:idx_purchase_buyer_product"`
	OrderID     uuid.UUID         `gorm:"column:order_id;type:uuid;not null"`
	SellerID    uuid.UUID         `gorm:"column:seller_id;type:uuid;not null"`
	LicenseTier enums.LicenseTier `gorm:"column:license_tier;not null"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
}
