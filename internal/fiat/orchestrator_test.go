package fiat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/internal/session"
	"github.com/soundforge/beatmarket-backend/pkg/config"
	"github.com/soundforge/beatmarket-backend/pkg/db/models"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
	redisclient "github.com/soundforge/beatmarket-backend/pkg/redis"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV {
	return &memKV{data: map[string]string{}}
}

func (m *memKV) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(value.([]byte))
	return nil
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redisclient.Nil
}

func (m *memKV) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = "1"
	return true, nil
}

func (m *memKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

type stubBuilder struct {
	intent *intent.OrderIntent
	err    error
	calls  int
}

func (s *stubBuilder) Build(_ context.Context, buyerID uuid.UUID, _ []intent.CartLine) (*intent.OrderIntent, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	oi := *s.intent
	oi.BuyerID = buyerID
	return &oi, nil
}

type stubCart struct {
	items []models.CartItem
}

func (s *stubCart) Items(context.Context, uuid.UUID) ([]models.CartItem, error) {
	return s.items, nil
}

type stubOrders struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]enums.OrderStatus
	created  int
}

func newStubOrders() *stubOrders {
	return &stubOrders{statuses: map[uuid.UUID]enums.OrderStatus{}}
}

func (s *stubOrders) Create(_ context.Context, order *models.PendingOrder) (*models.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.ID = uuid.New()
	s.statuses[order.ID] = enums.OrderStatusPending
	s.created++
	return order, nil
}

func (s *stubOrders) GetStatus(_ context.Context, id uuid.UUID) (enums.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[id]
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return status, nil
}

func (s *stubOrders) UpdateStatus(_ context.Context, id uuid.UUID, next enums.OrderStatus, _ *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = next
	return nil
}

func (s *stubOrders) setStatus(id uuid.UUID, status enums.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
}

type stubGateway struct {
	initErr    error
	verify     VerifyResult
	verifyErr  error
	initCalls  int
	verifyDone int
}

func (s *stubGateway) Initialize(context.Context, InitParams) error {
	s.initCalls++
	return s.initErr
}

func (s *stubGateway) Verify(context.Context, string, uuid.UUID, []intent.Line) (VerifyResult, error) {
	s.verifyDone++
	return s.verify, s.verifyErr
}

type stubCompleter struct {
	mu     sync.Mutex
	calls  int
	lastID uuid.UUID
	err    error
}

func (s *stubCompleter) Complete(_ context.Context, orderID uuid.UUID, _ []intent.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastID = orderID
	return s.err
}

type fixture struct {
	orch      *Orchestrator
	buyerID   uuid.UUID
	builder   *stubBuilder
	orders    *stubOrders
	gateway   *stubGateway
	completer *stubCompleter
	sessions  *session.Manager
	store     *memKV
}

func newFixture(t *testing.T, cfg config.CheckoutConfig) *fixture {
	t.Helper()

	buyerID := uuid.New()
	productID := uuid.New()
	oi := &intent.OrderIntent{
		Lines: []intent.Line{{
			ProductID:      productID,
			Title:          "Night Drive",
			LicenseTier:    enums.LicenseTierBasic,
			UnitPriceCents: 7_500,
			SellerID:       uuid.New(),
		}, {
			ProductID:      uuid.New(),
			Title:          "Golden Hour",
			LicenseTier:    enums.LicenseTierPremium,
			UnitPriceCents: 7_500,
			SellerID:       uuid.New(),
		}},
		Currency: enums.CurrencyUSD,
	}

	store := newMemKV()
	sessions, err := session.NewManager(store, time.Minute)
	require.NoError(t, err)

	builder := &stubBuilder{intent: oi}
	ordersStub := newStubOrders()
	gateway := &stubGateway{verify: VerifyResult{Verified: true}}
	completer := &stubCompleter{}

	orch, err := NewOrchestrator(Params{
		BuyerID:   buyerID,
		Builder:   builder,
		Cart:      &stubCart{items: []models.CartItem{{BuyerID: buyerID, ProductID: productID}}},
		Orders:    ordersStub,
		Gateway:   gateway,
		Sessions:  sessions,
		Completer: completer,
		Logger:    logger.New(logger.Options{ServiceName: "test"}),
		Config:    cfg,
	})
	require.NoError(t, err)

	return &fixture{
		orch:      orch,
		buyerID:   buyerID,
		builder:   builder,
		orders:    ordersStub,
		gateway:   gateway,
		completer: completer,
		sessions:  sessions,
		store:     store,
	}
}

func defaultConfig() config.CheckoutConfig {
	return config.CheckoutConfig{SoftTimeout: time.Second, HardTimeout: time.Minute}
}

func TestStartOpensGatewaySession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	require.NoError(t, f.orch.Start(context.Background()))

	assert.Equal(t, StateAwaitingGateway, f.orch.State())
	assert.Equal(t, 1, f.gateway.initCalls)

	status, err := f.orders.GetStatus(context.Background(), f.orch.OrderID())
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaymentStarted, status)

	state, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, f.orch.OrderID(), state.OrderID)
	assert.True(t, state.InProgress)
}

func TestStartSingleFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	require.NoError(t, f.orch.Start(context.Background()))
	require.NoError(t, f.orch.Start(context.Background()))

	assert.Equal(t, 1, f.builder.calls, "second start is a no-op")
	assert.Equal(t, 1, f.orders.created)
	assert.Equal(t, 1, f.gateway.initCalls)
}

func TestStartRevalidatesBeforeAnyNetworkCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	f.builder.err = pkgerrors.New(pkgerrors.CodeValidation, "cart failed validation")

	err := f.orch.Start(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Equal(t, StateFailed, f.orch.State())
	assert.Zero(t, f.orders.created, "no order persisted on validation failure")
	assert.Zero(t, f.gateway.initCalls)
}

func TestOnCloseLeavesOrderPendingForRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	require.NoError(t, f.orch.Start(context.Background()))
	orderID := f.orch.OrderID()

	f.orch.OnClose(context.Background())

	assert.Equal(t, StateCancelled, f.orch.State())
	status, err := f.orders.GetStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, status)
	assert.Zero(t, f.completer.calls, "no purchase released on cancel")

	state, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	assert.Nil(t, state, "session cleared on cancel")
}

func TestOnGatewaySuccessVerifiesAndCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	require.NoError(t, f.orch.Start(context.Background()))

	state, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	require.NoError(t, f.orch.OnGatewaySuccess(context.Background(), state.Reference))

	assert.Equal(t, StateSucceeded, f.orch.State())
	assert.Equal(t, 1, f.gateway.verifyDone)
	assert.Equal(t, 1, f.completer.calls)
	assert.Equal(t, f.orch.OrderID(), f.completer.lastID)
}

func TestOnGatewaySuccessShortCircuitsCompletedOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	require.NoError(t, f.orch.Start(context.Background()))
	f.orders.setStatus(f.orch.OrderID(), enums.OrderStatusCompleted)

	state, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	require.NoError(t, f.orch.OnGatewaySuccess(context.Background(), state.Reference))

	assert.Equal(t, StateSucceeded, f.orch.State())
	assert.Zero(t, f.gateway.verifyDone, "no re-verification of a completed order")
	assert.Zero(t, f.completer.calls)
}

func TestOnGatewaySuccessRejectsUnknownReference(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	require.NoError(t, f.orch.Start(context.Background()))

	err := f.orch.OnGatewaySuccess(context.Background(), "ord-000-bogus")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeVerificationFailure))
	assert.Zero(t, f.completer.calls)
}

func TestVerificationFailureKeepsOrderAndSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	f.gateway.verify = VerifyResult{Verified: false, Message: "payment status is FAILED"}
	require.NoError(t, f.orch.Start(context.Background()))
	orderID := f.orch.OrderID()

	state, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	err = f.orch.OnGatewaySuccess(context.Background(), state.Reference)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeVerificationFailure))
	assert.Contains(t, pkgerrors.As(err).Message(), "FAILED")

	status, err := f.orders.GetStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, status, "retry with the same order allowed")

	kept, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	assert.NotNil(t, kept, "session survives for retry")
	assert.Zero(t, f.completer.calls)
}

func TestStartReusesOrderFromPriorSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	f.gateway.verify = VerifyResult{Verified: false}
	require.NoError(t, f.orch.Start(context.Background()))
	firstOrder := f.orch.OrderID()

	state, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	require.Error(t, f.orch.OnGatewaySuccess(context.Background(), state.Reference))

	retry := newFixture(t, defaultConfig())
	retry.orch.buyerID = f.buyerID
	retry.orch.sessions = f.sessions
	retry.orch.orders = f.orders

	require.NoError(t, retry.orch.Start(context.Background()))
	assert.Equal(t, firstOrder, retry.orch.OrderID(), "prior order context reused")
	assert.Zero(t, retry.orders.created, "no fresh order persisted")
}

func TestGatewayInitFailureRevertsOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	f.gateway.initErr = errors.New("gateway unreachable")

	err := f.orch.Start(context.Background())
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayInit))

	status, err := f.orders.GetStatus(context.Background(), f.orch.OrderID())
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, status)
}

func TestHardTimeoutAbandonsWithoutTouchingOrder(t *testing.T) {
	t.Parallel()

	cfg := config.CheckoutConfig{SoftTimeout: 5 * time.Millisecond, HardTimeout: 20 * time.Millisecond}
	f := newFixture(t, cfg)
	require.NoError(t, f.orch.Start(context.Background()))
	orderID := f.orch.OrderID()

	require.Eventually(t, func() bool {
		return f.orch.State() == StateFailed
	}, time.Second, 5*time.Millisecond)

	status, err := f.orders.GetStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaymentStarted, status, "abandon never mutates the order")

	state, err := f.sessions.Get(context.Background(), f.buyerID)
	require.NoError(t, err)
	assert.Nil(t, state, "session cleared so future checkouts are not blocked")
}
