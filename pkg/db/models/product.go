package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/pkg/enums"
)

// Product is a catalog listing. The checkout core only reads it.
type Product struct {
	ID                  uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	SellerID            uuid.UUID           `gorm:"column:seller_id;type:uuid;not null"`
	Title               string              `gorm:"column:title;not null"`
	Status              enums.ProductStatus `gorm:"column:status;not null;default:'draft'"`
	PriceCents          int64               `gorm:"column:price_cents;not null"`
	Currency            enums.Currency      `gorm:"column:currency;not null;default:'USD'"`
	SellerPayoutAddress *string             `gorm:"column:seller_payout_address"`
	CreatedAt           time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
