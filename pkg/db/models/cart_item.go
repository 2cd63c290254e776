package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/pkg/enums"
)

// CartItem is one selected listing in a buyer's cart.
type CartItem struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID     uuid.UUID         `gorm:"column:buyer_id;type:uuid;not null;uniqueIndex:idx_cart_buyer_product"`
	ProductID   uuid.UUID         `gorm:"column:product_id;type:uuid;not null;uniqueIndex:idx_cart_buyer_product"`
	LicenseTier enums.LicenseTier `gorm:"column:license_tier;not null;default:'basic'"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
}
