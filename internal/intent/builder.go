package intent

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/soundforge/beatmarket-backend/pkg/db/models"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
)

// CartLine is a raw cart entry before price locking.
type CartLine struct {
	ProductID   uuid.UUID
	LicenseTier enums.LicenseTier
}

type catalogReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

type purchaseChecker interface {
	PurchasedProductIDs(ctx context.Context, buyerID uuid.UUID) (map[uuid.UUID]struct{}, error)
}

// ItemProblem names one offending cart entry in a validation failure.
type ItemProblem struct {
	ProductID uuid.UUID `json:"product_id"`
	Reason    string    `json:"reason"`
}

// Builder turns a cart into a validated, price-locked OrderIntent.
// Availability and the duplicate-purchase guard are re-checked at build
// time; nothing from an earlier page load is trusted.
type Builder struct {
	catalog   catalogReader
	purchases purchaseChecker
	validate  *validator.Validate
	logg      *logger.Logger
}

// NewBuilder constructs the cart/order builder.
func NewBuilder(catalog catalogReader, purchases purchaseChecker, logg *logger.Logger) (*Builder, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog reader required")
	}
	if purchases == nil {
		return nil, fmt.Errorf("purchase checker required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Builder{
		catalog:   catalog,
		purchases: purchases,
		validate:  validator.New(),
		logg:      logg,
	}, nil
}

// Build validates every cart line and produces an immutable intent.
// Any violation fails the whole build; no partial intent is produced.
func (b *Builder) Build(ctx context.Context, buyerID uuid.UUID, cart []CartLine) (*OrderIntent, error) {
	if buyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer id required")
	}
	if len(cart) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart contains no items")
	}

	owned, err := b.purchases.PurchasedProductIDs(ctx, buyerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "loading purchase history")
	}

	var (
		problems []ItemProblem
		errs     []error
		lines    = make([]Line, 0, len(cart))
		currency enums.Currency
	)
	for _, entry := range cart {
		if _, already := owned[entry.ProductID]; already {
			problems = append(problems, ItemProblem{ProductID: entry.ProductID, Reason: "already purchased"})
			errs = append(errs, fmt.Errorf("product %s already purchased", entry.ProductID))
			continue
		}

		product, err := b.catalog.FindByID(ctx, entry.ProductID)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				problems = append(problems, ItemProblem{ProductID: entry.ProductID, Reason: "no longer available"})
				errs = append(errs, fmt.Errorf("product %s not found", entry.ProductID))
				continue
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "loading product")
		}
		if !product.Status.Purchasable() {
			problems = append(problems, ItemProblem{ProductID: entry.ProductID, Reason: "not available for purchase"})
			errs = append(errs, fmt.Errorf("product %s is %s", entry.ProductID, product.Status))
			continue
		}
		if currency == "" {
			currency = product.Currency
		} else if product.Currency != currency {
			problems = append(problems, ItemProblem{ProductID: entry.ProductID, Reason: "currency mismatch"})
			errs = append(errs, fmt.Errorf("product %s priced in %s, cart is %s", entry.ProductID, product.Currency, currency))
			continue
		}

		tier := entry.LicenseTier
		if tier == "" {
			tier = enums.LicenseTierBasic
		}
		payout := ""
		if product.SellerPayoutAddress != nil {
			payout = *product.SellerPayoutAddress
		}
		lines = append(lines, Line{
			ProductID:           product.ID,
			Title:               product.Title,
			LicenseTier:         tier,
			UnitPriceCents:      product.PriceCents,
			SellerID:            product.SellerID,
			SellerPayoutAddress: payout,
		})
	}

	if len(problems) > 0 {
		b.logg.Warn(ctx, fmt.Sprintf("intent build rejected: %v", multierr.Combine(errs...)))
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart failed validation").WithDetails(problems)
	}

	result := &OrderIntent{
		BuyerID:     buyerID,
		Lines:       lines,
		TotalAmount: decimal.NewFromInt(sumCents(lines)).Shift(-2),
		Currency:    currency,
	}
	if err := b.validate.Struct(result); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "intent failed validation")
	}
	return result, nil
}

func sumCents(lines []Line) int64 {
	var total int64
	for _, line := range lines {
		total += line.UnitPriceCents
	}
	return total
}
