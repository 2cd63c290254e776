package intent

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/soundforge/beatmarket-backend/pkg/enums"
)

// Line is one price-locked item inside an order intent.
type Line struct {
	ProductID           uuid.UUID         `validate:"required"`
	Title               string            `validate:"required"`
	LicenseTier         enums.LicenseTier `validate:"required"`
	UnitPriceCents      int64             `validate:"gt=0"`
	SellerID            uuid.UUID         `validate:"required"`
	SellerPayoutAddress string
}

// OrderIntent is the immutable snapshot handed to an orchestrator.
// Prices are locked at build time and never re-derived from the live
// catalog afterwards.
type OrderIntent struct {
	BuyerID     uuid.UUID       `validate:"required"`
	Lines       []Line          `validate:"min=1,dive"`
	TotalAmount decimal.Decimal `validate:"required"`
	Currency    enums.Currency  `validate:"required"`
}

// TotalCents sums the locked line prices in minor units.
func (oi *OrderIntent) TotalCents() int64 {
	var total int64
	for _, line := range oi.Lines {
		total += line.UnitPriceCents
	}
	return total
}

// ProductIDs returns the product ids in line order.
func (oi *OrderIntent) ProductIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(oi.Lines))
	for i, line := range oi.Lines {
		ids[i] = line.ProductID
	}
	return ids
}
