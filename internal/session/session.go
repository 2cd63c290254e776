// Package session owns the process-wide "payment in progress" state.
// It lives in Redis rather than any component's memory so a page reload
// mid-flow can recover the pending order and resolve its outcome.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
	redisclient "github.com/soundforge/beatmarket-backend/pkg/redis"
)

// State is the durable snapshot of one in-flight checkout.
type State struct {
	InProgress bool              `json:"in_progress"`
	OrderID    uuid.UUID         `json:"order_id"`
	Reference  string            `json:"reference"`
	Rail       enums.PaymentRail `json:"rail"`
	Currency   enums.Currency    `json:"currency"`
	Lines      []intent.Line     `json:"lines"`
	StartedAt  time.Time         `json:"started_at"`
}

// Manager stores checkout session state with an explicit lifecycle:
// set on start, cleared on every terminal transition.
type Manager struct {
	store redisclient.KV
	ttl   time.Duration
}

// NewManager constructs a session manager backed by Redis.
func NewManager(store redisclient.KV, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// Begin records the in-progress checkout for the buyer.
func (m *Manager) Begin(ctx context.Context, buyerID uuid.UUID, state State) error {
	if buyerID == uuid.Nil {
		return fmt.Errorf("buyer id required")
	}
	state.InProgress = true
	if state.StartedAt.IsZero() {
		state.StartedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	return m.store.Set(ctx, redisclient.CheckoutSessionKey(buyerID.String()), raw, m.ttl)
}

// Get returns the stored state, or nil when no checkout is in flight.
func (m *Manager) Get(ctx context.Context, buyerID uuid.UUID) (*State, error) {
	raw, err := m.store.Get(ctx, redisclient.CheckoutSessionKey(buyerID.String()))
	if err != nil {
		if errors.Is(err, redisclient.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &state, nil
}

// Clear removes the in-progress flag. Invoked on success, failure, and
// cancel alike so a stale flag can never block future checkouts.
func (m *Manager) Clear(ctx context.Context, buyerID uuid.UUID) error {
	return m.store.Del(ctx, redisclient.CheckoutSessionKey(buyerID.String()))
}
