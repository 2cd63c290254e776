// Package reconcile owns the completion path. Every trigger funnels
// through Complete, which is the only code allowed to move an order to
// completed and release its goods.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/soundforge/beatmarket-backend/internal/cart"
	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/internal/orders"
	"github.com/soundforge/beatmarket-backend/internal/session"
	"github.com/soundforge/beatmarket-backend/pkg/db"
	"github.com/soundforge/beatmarket-backend/pkg/db/models"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
	"github.com/soundforge/beatmarket-backend/pkg/metrics"
	redisclient "github.com/soundforge/beatmarket-backend/pkg/redis"
)

const completionMarkTTL = 10 * time.Minute

// Service is the idempotency guard around order completion.
type Service interface {
	// Complete finishes an order exactly once: status flip, purchase
	// records, cart and session cleanup, seller notification. Repeat
	// calls from any trigger are observable no-ops.
	Complete(ctx context.Context, orderID uuid.UUID, lines []intent.Line) error
	// Resync resolves a checkout session found at page load.
	Resync(ctx context.Context, buyerID uuid.UUID) error
}

// Params collects the guard dependencies.
type Params struct {
	DB       *db.Client
	Orders   orders.Repository
	Cart     cart.Repository
	Sessions *session.Manager
	Marks    redisclient.KV
	Events   eventPublisher
	Logger   *logger.Logger
	Metrics  *metrics.CheckoutMetrics
	// Redirect fires once per completed order, after durable effects.
	Redirect func(buyerID, orderID uuid.UUID)
}

type service struct {
	db       *db.Client
	orders   orders.Repository
	cart     cart.Repository
	sessions *session.Manager
	marks    redisclient.KV
	events   eventPublisher
	logg     *logger.Logger
	checkout *metrics.CheckoutMetrics
	redirect func(buyerID, orderID uuid.UUID)
}

// NewService validates dependencies and builds the guard.
func NewService(params Params) (Service, error) {
	if params.DB == nil {
		return nil, errors.New("db client required")
	}
	if params.Orders == nil {
		return nil, errors.New("orders repository required")
	}
	if params.Cart == nil {
		return nil, errors.New("cart repository required")
	}
	if params.Sessions == nil {
		return nil, errors.New("session manager required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	return &service{
		db:       params.DB,
		orders:   params.Orders,
		cart:     params.Cart,
		sessions: params.Sessions,
		marks:    params.Marks,
		events:   params.Events,
		logg:     params.Logger,
		checkout: params.Metrics,
		redirect: params.Redirect,
	}, nil
}

func (s *service) Complete(ctx context.Context, orderID uuid.UUID, lines []intent.Line) error {
	logCtx := s.logg.WithOrderID(ctx, orderID.String())

	// Cheap short-circuit for repeat triggers. The mark is advisory;
	// the transaction below is what actually enforces exactly-once.
	marked, markKey := s.tryMark(logCtx, orderID)
	if !marked {
		s.logg.Info(logCtx, "completion already in flight, skipping")
		return nil
	}

	var order *models.PendingOrder
	var alreadyDone bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)

		found, err := repo.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		order = found

		switch order.Status {
		case enums.OrderStatusCompleted:
			alreadyDone = true
			return nil
		case enums.OrderStatusFailed, enums.OrderStatusCancelled:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order already terminal").
				WithDetails(order.Status.String())
		}

		if err := repo.UpdateStatus(ctx, orderID, enums.OrderStatusCompleted, nil); err != nil {
			return err
		}
		if err := repo.InsertPurchaseRecords(ctx, purchaseRecords(order, lines)); err != nil {
			return err
		}
		return s.cart.WithTx(tx).Clear(ctx, order.BuyerID)
	})
	if err != nil {
		// Let a later trigger through.
		s.dropMark(logCtx, markKey)
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "completing order")
	}
	if alreadyDone {
		s.logg.Info(logCtx, "order already completed")
		return nil
	}

	// Post-commit effects. The order is durably completed; everything
	// from here is best effort and logged, never retried into a
	// double-release.
	if err := s.sessions.Clear(ctx, order.BuyerID); err != nil {
		s.logg.Error(logCtx, "clearing checkout session", err)
	}
	s.publishCompleted(logCtx, order)
	if s.redirect != nil {
		s.redirect(order.BuyerID, order.ID)
	}
	s.checkout.IncCompleted(order.Rail.String())
	s.logg.Info(logCtx, "order completed")
	return nil
}

func (s *service) Resync(ctx context.Context, buyerID uuid.UUID) error {
	logCtx := s.logg.WithBuyerID(ctx, buyerID.String())

	state, err := s.sessions.Get(ctx, buyerID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "reading checkout session")
	}
	if state == nil {
		return nil
	}
	logCtx = s.logg.WithOrderID(logCtx, state.OrderID.String())

	status, err := s.orders.GetStatus(ctx, state.OrderID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			s.logg.Warn(logCtx, "session points at a missing order, clearing")
			return s.sessions.Clear(ctx, buyerID)
		}
		return err
	}

	switch status {
	case enums.OrderStatusCompleted:
		// Completion effects may be partial if the completing process
		// died mid-way; Complete converges them and clears the session.
		return s.Complete(ctx, state.OrderID, state.Lines)
	case enums.OrderStatusFailed, enums.OrderStatusCancelled:
		s.logg.Info(logCtx, "clearing session for terminal order")
		return s.sessions.Clear(ctx, buyerID)
	}

	// Still pending or payment_started; the next Start reuses it.
	s.logg.Info(logCtx, "open checkout session found, leaving for reuse")
	return nil
}

func (s *service) tryMark(ctx context.Context, orderID uuid.UUID) (bool, string) {
	key := redisclient.IdempotencyKey("order-complete", orderID.String())
	if s.marks == nil {
		return true, key
	}
	ok, err := s.marks.SetNX(ctx, key, "1", completionMarkTTL)
	if err != nil {
		// Redis trouble must not block completion.
		s.logg.Error(ctx, "setting completion mark", err)
		return true, key
	}
	return ok, key
}

func (s *service) dropMark(ctx context.Context, key string) {
	if s.marks == nil {
		return
	}
	if err := s.marks.Del(ctx, key); err != nil {
		s.logg.Error(ctx, "releasing completion mark", err)
	}
}

func (s *service) publishCompleted(ctx context.Context, order *models.PendingOrder) {
	if s.events == nil {
		return
	}
	event := Event{
		Type:       EventTypeOrderCompleted,
		OrderID:    order.ID.String(),
		BuyerID:    order.BuyerID.String(),
		Reference:  order.Reference,
		Rail:       order.Rail.String(),
		TotalCents: order.TotalCents,
		Currency:   order.Currency.String(),
		SellerIDs:  sellerIDs(order),
		OccurredAt: time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logg.Error(ctx, "publishing order.completed", err)
	}
}

// purchaseRecords prefers the caller's price-locked lines and falls
// back to the stored order items (event triggers carry no lines).
func purchaseRecords(order *models.PendingOrder, lines []intent.Line) []models.PurchaseRecord {
	if len(lines) > 0 {
		records := make([]models.PurchaseRecord, len(lines))
		for i, line := range lines {
			records[i] = models.PurchaseRecord{
				BuyerID:     order.BuyerID,
				ProductID:   line.ProductID,
				OrderID:     order.ID,
				SellerID:    line.SellerID,
				LicenseTier: line.LicenseTier,
			}
		}
		return records
	}
	records := make([]models.PurchaseRecord, len(order.Items))
	for i, item := range order.Items {
		records[i] = models.PurchaseRecord{
			BuyerID:     order.BuyerID,
			ProductID:   item.ProductID,
			OrderID:     order.ID,
			SellerID:    item.SellerID,
			LicenseTier: item.LicenseTier,
		}
	}
	return records
}

func sellerIDs(order *models.PendingOrder) []string {
	seen := make(map[uuid.UUID]struct{}, len(order.Items))
	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		if _, ok := seen[item.SellerID]; ok {
			continue
		}
		seen[item.SellerID] = struct{}{}
		ids = append(ids, item.SellerID.String())
	}
	return ids
}
