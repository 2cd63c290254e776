package fiat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/internal/orders"
	"github.com/soundforge/beatmarket-backend/internal/session"
	"github.com/soundforge/beatmarket-backend/pkg/config"
	"github.com/soundforge/beatmarket-backend/pkg/db/models"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
	"github.com/soundforge/beatmarket-backend/pkg/metrics"
)

// State is the orchestrator's position in the checkout flow.
type State string

const (
	StateIdle            State = "idle"
	StateValidating      State = "validating"
	StateCreatingOrder   State = "creating_order"
	StateAwaitingGateway State = "awaiting_gateway"
	StateVerifying       State = "verifying"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

type intentBuilder interface {
	Build(ctx context.Context, buyerID uuid.UUID, cart []intent.CartLine) (*intent.OrderIntent, error)
}

type cartReader interface {
	Items(ctx context.Context, buyerID uuid.UUID) ([]models.CartItem, error)
}

type orderStore interface {
	Create(ctx context.Context, order *models.PendingOrder) (*models.PendingOrder, error)
	GetStatus(ctx context.Context, id uuid.UUID) (enums.OrderStatus, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next enums.OrderStatus, failureReason *string) error
}

type completer interface {
	Complete(ctx context.Context, orderID uuid.UUID, lines []intent.Line) error
}

// Orchestrator drives one buyer's fiat checkout through the gateway.
// It owns only the in-memory state machine; the durable order and
// session state outlive it so a reload can resolve the outcome.
type Orchestrator struct {
	mu        sync.Mutex
	state     State
	buyerID   uuid.UUID
	orderID   uuid.UUID
	reference string
	lines     []intent.Line

	builder   intentBuilder
	cart      cartReader
	orders    orderStore
	gateway   Gateway
	sessions  *session.Manager
	completer completer
	logg      *logger.Logger
	checkout  *metrics.CheckoutMetrics
	cfg       config.CheckoutConfig

	watchStop chan struct{}
}

// Params collects the orchestrator dependencies.
type Params struct {
	BuyerID   uuid.UUID
	Builder   intentBuilder
	Cart      cartReader
	Orders    orderStore
	Gateway   Gateway
	Sessions  *session.Manager
	Completer completer
	Logger    *logger.Logger
	Metrics   *metrics.CheckoutMetrics
	Config    config.CheckoutConfig
}

// NewOrchestrator builds an idle orchestrator for one buyer.
func NewOrchestrator(params Params) (*Orchestrator, error) {
	if params.BuyerID == uuid.Nil {
		return nil, fmt.Errorf("buyer id required")
	}
	if params.Builder == nil {
		return nil, fmt.Errorf("intent builder required")
	}
	if params.Cart == nil {
		return nil, fmt.Errorf("cart reader required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order store required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session manager required")
	}
	if params.Completer == nil {
		return nil, fmt.Errorf("completer required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Config.SoftTimeout <= 0 {
		params.Config.SoftTimeout = 3 * time.Second
	}
	if params.Config.HardTimeout <= 0 {
		params.Config.HardTimeout = 120 * time.Second
	}
	return &Orchestrator{
		state:     StateIdle,
		buyerID:   params.BuyerID,
		builder:   params.Builder,
		cart:      params.Cart,
		orders:    params.Orders,
		gateway:   params.Gateway,
		sessions:  params.Sessions,
		completer: params.Completer,
		logg:      params.Logger,
		checkout:  params.Metrics,
		cfg:       params.Config,
	}, nil
}

// State reports the current state machine position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OrderID returns the pending order id once one exists.
func (o *Orchestrator) OrderID() uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orderID
}

// Start runs validation, order creation, and gateway handoff. A second
// Start while the flow is not idle is a no-op: the single-flight guard
// is the only mutual exclusion this flow needs.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	defer o.recoverToTaxonomy(ctx, &err)

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil
	}
	o.state = StateValidating
	o.mu.Unlock()

	logCtx := o.logg.WithBuyerID(ctx, o.buyerID.String())

	items, err := o.cart.Items(ctx, o.buyerID)
	if err != nil {
		return o.fail(logCtx, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "loading cart"))
	}
	cartLines := make([]intent.CartLine, len(items))
	for i, item := range items {
		cartLines[i] = intent.CartLine{ProductID: item.ProductID, LicenseTier: item.LicenseTier}
	}

	// Validation re-runs here, immediately before any network call;
	// nothing from the browse session is trusted.
	oi, err := o.builder.Build(ctx, o.buyerID, cartLines)
	if err != nil {
		return o.fail(logCtx, err)
	}

	o.mu.Lock()
	o.state = StateCreatingOrder
	o.mu.Unlock()

	// A surviving session from a failed or interrupted attempt carries
	// a reusable order context; prices stay locked to its snapshot.
	if prior := o.reusableSession(logCtx); prior != nil {
		o.mu.Lock()
		o.orderID = prior.OrderID
		o.reference = prior.Reference
		o.lines = prior.Lines
		o.mu.Unlock()
		var priorTotal int64
		for _, line := range prior.Lines {
			priorTotal += line.UnitPriceCents
		}
		return o.handoff(logCtx, priorTotal, prior.Currency)
	}

	o.mu.Lock()
	o.lines = oi.Lines
	o.reference = orders.NewReference()
	o.mu.Unlock()

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
	created, err := o.orders.Create(ctx, &models.PendingOrder{
		BuyerID:    o.buyerID,
		TotalCents: oi.TotalCents(),
		Currency:   oi.Currency,
		Status:     enums.OrderStatusPending,
		Reference:  o.reference,
		Rail:       enums.PaymentRailFiat,
		Items:      lineItems,
	})
	if err != nil {
		return o.fail(logCtx, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "creating order"))
	}

	o.mu.Lock()
	o.orderID = created.ID
	o.mu.Unlock()

	// Durable session state first: a reload after this point can still
	// resolve the outcome through resync.
	if err := o.sessions.Begin(ctx, o.buyerID, session.State{
		OrderID:   created.ID,
		Reference: o.reference,
		Rail:      enums.PaymentRailFiat,
		Currency:  oi.Currency,
		Lines:     oi.Lines,
	}); err != nil {
		return o.fail(logCtx, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "persisting checkout session"))
	}

	return o.handoff(logCtx, oi.TotalCents(), oi.Currency)
}

// reusableSession returns the prior session when its order can still
// accept a payment attempt.
func (o *Orchestrator) reusableSession(ctx context.Context) *session.State {
	prior, err := o.sessions.Get(ctx, o.buyerID)
	if err != nil || prior == nil || prior.Rail != enums.PaymentRailFiat || len(prior.Lines) == 0 {
		return nil
	}
	status, err := o.orders.GetStatus(ctx, prior.OrderID)
	if err != nil {
		return nil
	}
	if status != enums.OrderStatusPending && status != enums.OrderStatusPaymentStarted {
		return nil
	}
	o.logg.Info(o.logg.WithOrderID(ctx, prior.OrderID.String()), "reusing order from prior checkout session")
	return prior
}

// handoff marks the payment started and opens the gateway session.
// Failures here leave the order pending and the session in place so the
// next Start can pick the context back up.
func (o *Orchestrator) handoff(ctx context.Context, totalCents int64, currency enums.Currency) error {
	o.mu.Lock()
	orderID := o.orderID
	reference := o.reference
	o.mu.Unlock()
	ctx = o.logg.WithReference(o.logg.WithOrderID(ctx, orderID.String()), reference)

	if err := o.orders.UpdateStatus(ctx, orderID, enums.OrderStatusPaymentStarted, nil); err != nil {
		return o.fail(ctx, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "marking payment started"))
	}

	o.mu.Lock()
	o.state = StateAwaitingGateway
	o.mu.Unlock()

	if err := o.gateway.Initialize(ctx, InitParams{
		AmountMinorUnits: totalCents,
		Currency:         currency,
		Reference:        reference,
		Metadata:         map[string]string{"order_id": orderID.String()},
	}); err != nil {
		_ = o.orders.UpdateStatus(ctx, orderID, enums.OrderStatusPending, nil)
		return o.fail(ctx, pkgerrors.Wrap(pkgerrors.CodeGatewayInit, err, "initializing gateway session"))
	}

	o.startWatcher(ctx)
	o.logg.Info(ctx, "gateway session opened")
	return nil
}

// OnClose handles the buyer dismissing the gateway UI. The pending
// order is kept (not deleted) so a retry can reuse its context; only
// local and session state change. Cancellation is advisory: it cannot
// un-fire a verification already in flight.
func (o *Orchestrator) OnClose(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateAwaitingGateway {
		o.mu.Unlock()
		return
	}
	o.state = StateCancelled
	orderID := o.orderID
	o.stopWatcherLocked()
	o.mu.Unlock()

	logCtx := o.logg.WithOrderID(o.logg.WithBuyerID(ctx, o.buyerID.String()), orderID.String())
	_ = o.orders.UpdateStatus(ctx, orderID, enums.OrderStatusPending, nil)
	if err := o.sessions.Clear(ctx, o.buyerID); err != nil {
		o.logg.Error(logCtx, "clearing checkout session after cancel", err)
	}
	o.logg.Info(logCtx, "checkout cancelled by buyer")
}

// OnGatewaySuccess handles the gateway's client-visible success
// callback. The callback is a hint, never proof: unless the order is
// already completed by a concurrent trigger, the authoritative
// server-side verification runs before anything is released.
func (o *Orchestrator) OnGatewaySuccess(ctx context.Context, reference string) (err error) {
	defer o.recoverToTaxonomy(ctx, &err)

	o.mu.Lock()
	if o.state != StateAwaitingGateway {
		o.mu.Unlock()
		return nil
	}
	if reference != o.reference {
		o.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeVerificationFailure, "gateway reported an unknown reference")
	}
	o.state = StateVerifying
	orderID := o.orderID
	lines := o.lines
	o.stopWatcherLocked()
	o.mu.Unlock()

	logCtx := o.logg.WithReference(o.logg.WithOrderID(ctx, orderID.String()), reference)

	// Cheap direct read first: a webhook or realtime event may have
	// completed the order before this callback landed.
	status, statusErr := o.orders.GetStatus(ctx, orderID)
	if statusErr == nil && status == enums.OrderStatusCompleted {
		o.mu.Lock()
		o.state = StateSucceeded
		o.mu.Unlock()
		_ = o.sessions.Clear(ctx, o.buyerID)
		o.logg.Info(logCtx, "order already completed, skipping verification")
		return nil
	}

	// Failed verification leaves the order pending and the session in
	// place; a later Start reuses the context instead of re-pricing.
	result, err := o.gateway.Verify(ctx, reference, orderID, lines)
	if err != nil {
		_ = o.orders.UpdateStatus(ctx, orderID, enums.OrderStatusPending, nil)
		return o.fail(logCtx, pkgerrors.Wrap(pkgerrors.CodeVerificationFailure, err, "verification call failed"))
	}
	if !result.Verified {
		_ = o.orders.UpdateStatus(ctx, orderID, enums.OrderStatusPending, nil)
		message := result.Message
		if message == "" {
			message = "payment not verified by gateway"
		}
		return o.fail(logCtx, pkgerrors.New(pkgerrors.CodeVerificationFailure, message))
	}

	if err := o.completer.Complete(ctx, orderID, lines); err != nil {
		// Funds have moved; reconciliation is the safety net, so the
		// error is surfaced but the order is not failed here.
		o.logg.Error(logCtx, "completion signal failed, reconciliation will retry", err)
		return pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "completing order")
	}

	o.mu.Lock()
	o.state = StateSucceeded
	o.mu.Unlock()
	o.logg.Info(logCtx, "fiat checkout verified and completed")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, err error) error {
	o.mu.Lock()
	o.state = StateFailed
	o.mu.Unlock()
	o.checkout.IncFailed(enums.PaymentRailFiat.String(), string(pkgerrors.CodeOf(err)))
	o.logg.Error(ctx, "fiat checkout failed", err)
	return err
}

// startWatcher arms the soft (informational) and hard (abandon) timers.
// Abandonment stops the UI from waiting but never mutates the pending
// order: the payment may still complete out of band.
func (o *Orchestrator) startWatcher(ctx context.Context) {
	stop := make(chan struct{})
	o.mu.Lock()
	o.watchStop = stop
	o.mu.Unlock()

	go func() {
		soft := time.NewTimer(o.cfg.SoftTimeout)
		defer soft.Stop()
		hard := time.NewTimer(o.cfg.HardTimeout)
		defer hard.Stop()

		for {
			select {
			case <-stop:
				return
			case <-soft.C:
				o.logg.Info(ctx, "gateway session still open")
			case <-hard.C:
				o.abandon(ctx)
				return
			}
		}
	}()
}

func (o *Orchestrator) stopWatcherLocked() {
	if o.watchStop != nil {
		close(o.watchStop)
		o.watchStop = nil
	}
}

func (o *Orchestrator) abandon(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateAwaitingGateway {
		o.mu.Unlock()
		return
	}
	o.state = StateFailed
	o.watchStop = nil
	o.mu.Unlock()

	if err := o.sessions.Clear(ctx, o.buyerID); err != nil {
		o.logg.Error(ctx, "clearing checkout session after timeout", err)
	}
	o.checkout.IncFailed(enums.PaymentRailFiat.String(), string(pkgerrors.CodeTimeout))
	o.logg.Warn(ctx, "gateway session abandoned after hard timeout")
}

// recoverToTaxonomy converts an unexpected panic into an UNKNOWN error
// instead of letting it escape a public entry point.
func (o *Orchestrator) recoverToTaxonomy(ctx context.Context, err *error) {
	if r := recover(); r != nil {
		recovered := pkgerrors.New(pkgerrors.CodeUnknown, fmt.Sprintf("unexpected panic: %v", r))
		o.logg.Error(ctx, "checkout panic recovered", recovered)
		*err = recovered
	}
}
