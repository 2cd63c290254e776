package fiat

import (
	"context"

	"github.com/google/uuid"

	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/pkg/enums"
)

// InitParams is the handoff to the external gateway UI session.
type InitParams struct {
	AmountMinorUnits int64
	Currency         enums.Currency
	Reference        string
	Metadata         map[string]string
}

// VerifyResult is the tagged outcome of server-side verification.
// Gateway-reported success is a hint; only Verified proves fund
// movement.
type VerifyResult struct {
	Verified bool
	Message  string
}

// Gateway is the centralized card/bank gateway collaborator.
type Gateway interface {
	// Initialize hands amount, currency, and reference to the gateway
	// UI session. The session later invokes the orchestrator's
	// OnGatewaySuccess or OnClose.
	Initialize(ctx context.Context, params InitParams) error
	// Verify performs the authoritative out-of-band check.
	Verify(ctx context.Context, reference string, orderID uuid.UUID, lines []intent.Line) (VerifyResult, error)
}
