package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	redisclient "github.com/soundforge/beatmarket-backend/pkg/redis"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemKV() *memKV {
	return &memKV{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memKV) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(value.([]byte))
	m.ttls[key] = ttl
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

func (m *memKV) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
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

func TestBeginGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := newMemKV()
	manager, err := NewManager(store, 30*time.Minute)
	require.NoError(t, err)

	buyerID := uuid.New()
	orderID := uuid.New()
	require.NoError(t, manager.Begin(context.Background(), buyerID, State{
		OrderID:   orderID,
		Reference: "ord-1700000000000-abc",
		Rail:      enums.PaymentRailFiat,
		Currency:  enums.CurrencyUSD,
		Lines: []intent.Line{{
			ProductID:      uuid.New(),
			Title:          "Blue Hour",
			LicenseTier:    enums.LicenseTierBasic,
			UnitPriceCents: 2_500,
			SellerID:       uuid.New(),
		}},
	}))

	state, err := manager.Get(context.Background(), buyerID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.InProgress)
	assert.Equal(t, orderID, state.OrderID)
	assert.Equal(t, enums.PaymentRailFiat, state.Rail)
	assert.Len(t, state.Lines, 1)
	assert.False(t, state.StartedAt.IsZero())
	assert.Equal(t, 30*time.Minute, store.ttls[redisclient.CheckoutSessionKey(buyerID.String())])
}

func TestGetWithoutSession(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(newMemKV(), time.Minute)
	require.NoError(t, err)

	state, err := manager.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestClearRemovesFlag(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(newMemKV(), time.Minute)
	require.NoError(t, err)

	buyerID := uuid.New()
	require.NoError(t, manager.Begin(context.Background(), buyerID, State{OrderID: uuid.New()}))
	require.NoError(t, manager.Clear(context.Background(), buyerID))

	state, err := manager.Get(context.Background(), buyerID)
	require.NoError(t, err)
	assert.Nil(t, state, "cleared flag never blocks future checkouts")
}

func TestBeginRequiresBuyer(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(newMemKV(), time.Minute)
	require.NoError(t, err)

	assert.Error(t, manager.Begin(context.Background(), uuid.Nil, State{}))
}
