package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/internal/orders"
	"github.com/soundforge/beatmarket-backend/internal/session"
	"github.com/soundforge/beatmarket-backend/pkg/db/models"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
)

type intentBuilder interface {
	Build(ctx context.Context, buyerID uuid.UUID, cart []intent.CartLine) (*intent.OrderIntent, error)
}

type cartReader interface {
	Items(ctx context.Context, buyerID uuid.UUID) ([]models.CartItem, error)
}

type orderStore interface {
	Create(ctx context.Context, order *models.PendingOrder) (*models.PendingOrder, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next enums.OrderStatus, failureReason *string) error
}

type bindingReader interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.WalletBinding, error)
}

type completer interface {
	Complete(ctx context.Context, orderID uuid.UUID, lines []intent.Line) error
}

// Checkout runs the crypto-rail flow end to end: intent build, order
// creation, sequential settlement through the engine, completion signal.
type Checkout struct {
	builder   intentBuilder
	cart      cartReader
	orders    orderStore
	bindings  bindingReader
	sessions  *session.Manager
	engine    *Engine
	completer completer
	logg      *logger.Logger
}

// CheckoutParams collects the crypto checkout dependencies.
type CheckoutParams struct {
	Builder   intentBuilder
	Cart      cartReader
	Orders    orderStore
	Bindings  bindingReader
	Sessions  *session.Manager
	Engine    *Engine
	Completer completer
	Logger    *logger.Logger
}

// NewCheckout validates dependencies and builds the flow.
func NewCheckout(params CheckoutParams) (*Checkout, error) {
	if params.Builder == nil {
		return nil, errors.New("intent builder required")
	}
	if params.Cart == nil {
		return nil, errors.New("cart reader required")
	}
	if params.Orders == nil {
		return nil, errors.New("order store required")
	}
	if params.Sessions == nil {
		return nil, errors.New("session manager required")
	}
	if params.Engine == nil {
		return nil, errors.New("settlement engine required")
	}
	if params.Completer == nil {
		return nil, errors.New("completer required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	return &Checkout{
		builder:   params.Builder,
		cart:      params.Cart,
		orders:    params.Orders,
		bindings:  params.Bindings,
		sessions:  params.Sessions,
		engine:    params.Engine,
		completer: params.Completer,
		logg:      params.Logger,
	}, nil
}

// Start validates the cart, persists a crypto-rail order, and settles
// it seller by seller. Guard failures leave the order pending for a
// retry; a failure after the first submission leaves the order
// payment_started for operator reconciliation, because settled
// transfers cannot be rolled back.
func (c *Checkout) Start(ctx context.Context, buyerID uuid.UUID, wallet Wallet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered := pkgerrors.New(pkgerrors.CodeUnknown, fmt.Sprintf("unexpected panic: %v", r))
			c.logg.Error(ctx, "crypto checkout panic recovered", recovered)
			err = recovered
		}
	}()

	if wallet == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "wallet not connected")
	}

	logCtx := c.logg.WithRail(c.logg.WithBuyerID(ctx, buyerID.String()), enums.PaymentRailCrypto.String())

	items, err := c.cart.Items(ctx, buyerID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "loading cart")
	}
	cartLines := make([]intent.CartLine, len(items))
	for i, item := range items {
		cartLines[i] = intent.CartLine{ProductID: item.ProductID, LicenseTier: item.LicenseTier}
	}

	oi, err := c.builder.Build(ctx, buyerID, cartLines)
	if err != nil {
		return err
	}

	payItems := make([]PayItem, len(oi.Lines))
	for i, line := range oi.Lines {
		payItems[i] = PayItem{
			ProductID:        line.ProductID,
			Recipient:        line.SellerPayoutAddress,
			AmountMinorUnits: line.UnitPriceCents,
		}
	}

	c.checkBinding(logCtx, buyerID, wallet)

	order, err := c.createOrder(ctx, buyerID, oi)
	if err != nil {
		return err
	}
	logCtx = c.logg.WithOrderID(logCtx, order.ID.String())

	if err := c.sessions.Begin(ctx, buyerID, session.State{
		OrderID:   order.ID,
		Reference: order.Reference,
		Rail:      enums.PaymentRailCrypto,
		Currency:  oi.Currency,
		Lines:     oi.Lines,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "persisting checkout session")
	}

	if err := c.orders.UpdateStatus(ctx, order.ID, enums.OrderStatusPaymentStarted, nil); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "marking payment started")
	}

	result, err := c.engine.Pay(ctx, order.ID, payItems, wallet)
	if err != nil {
		if result.FailedIndex < 0 {
			// Pre-flight rejection; nothing was built or submitted, so
			// the order goes back for a retry.
			_ = c.orders.UpdateStatus(ctx, order.ID, enums.OrderStatusPending, nil)
			return err
		}
		// Transfers 1..k-1 stand. The order stays payment_started and
		// the partial report goes to the operator log.
		c.logg.Error(c.logg.WithFields(logCtx, map[string]any{
			"settled":      len(result.Settlements),
			"failed_index": result.FailedIndex,
		}), "partial settlement requires operator reconciliation", err)
		return err
	}

	if err := c.completer.Complete(ctx, order.ID, oi.Lines); err != nil {
		c.logg.Error(logCtx, "completion signal failed, reconciliation will retry", err)
		return pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "completing order")
	}

	c.logg.Info(logCtx, "crypto checkout settled and completed")
	return nil
}

func (c *Checkout) createOrder(ctx context.Context, buyerID uuid.UUID, oi *intent.OrderIntent) (*models.PendingOrder, error) {
	lineItems := make([]models.OrderLineItem, len(oi.Lines))
	for i, line := range oi.Lines {
		payout := line.SellerPayoutAddress
		var payoutPtr *string
		if payout != "" {
			payoutPtr = &payout
		}
		lineItems[i] = models.OrderLineItem{
			ProductID:           line.ProductID,
			Title:               line.Title,
			LicenseTier:         line.LicenseTier,
			UnitPriceCents:      line.UnitPriceCents,
			SellerID:            line.SellerID,
			SellerPayoutAddress: payoutPtr,
		}
	}
	order, err := c.orders.Create(ctx, &models.PendingOrder{
		BuyerID:    buyerID,
		TotalCents: oi.TotalCents(),
		Currency:   oi.Currency,
		Status:     enums.OrderStatusPending,
		Reference:  orders.NewReference(),
		Rail:       enums.PaymentRailCrypto,
		Items:      lineItems,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "creating order")
	}
	return order, nil
}

// checkBinding compares the connected wallet against the buyer's synced
// binding. The binding disambiguates, it does not authorize, so a
// mismatch is logged and the checkout continues.
func (c *Checkout) checkBinding(ctx context.Context, buyerID uuid.UUID, wallet Wallet) {
	if c.bindings == nil {
		return
	}
	binding, err := c.bindings.FindByUserID(ctx, buyerID)
	if err != nil {
		if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			c.logg.Error(ctx, "reading wallet binding", err)
		}
		return
	}
	if binding.LedgerAddress != wallet.Address().String() {
		c.logg.Warn(c.logg.WithField(ctx, "bound_address", binding.LedgerAddress),
			"connected wallet differs from synced binding")
	}
}
