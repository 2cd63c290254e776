package fiat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/soundforge/beatmarket-backend/internal/intent"
	"github.com/soundforge/beatmarket-backend/pkg/config"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"

	paymentStatusCompleted = "COMPLETED"
)

var (
	errAccessTokenRequired = errors.New("gateway access token is required")
	errInvalidGatewayEnv   = fmt.Errorf("gateway environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired      = errors.New("gateway logger is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// SquareGateway implements Gateway against the Square Payments API.
// The hosted UI session runs client-side; this wrapper owns the
// server-side handoff and the authoritative verification read.
type SquareGateway struct {
	sdk         *sqclient.Client
	environment string
	locationID  string
	logger      *logger.Logger
}

// NewSquareGateway validates the credentials and builds the SDK client.
func NewSquareGateway(cfg config.GatewayConfig, logg *logger.Logger) (*SquareGateway, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env := strings.ToLower(strings.TrimSpace(cfg.Env))
	if env == "" {
		env = sandboxEnv
	}
	baseURL, ok := baseURLs[env]
	if !ok {
		return nil, errInvalidGatewayEnv
	}
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}

	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURL),
		sqoption.WithToken(accessToken),
	)
	return &SquareGateway{
		sdk:         sdk,
		environment: env,
		locationID:  strings.TrimSpace(cfg.LocationID),
		logger:      logg,
	}, nil
}

// Initialize validates the handoff parameters before the hosted UI
// session opens. Anything wrong here must surface now, not after the
// buyer has typed in a card number.
func (g *SquareGateway) Initialize(ctx context.Context, params InitParams) error {
	if params.AmountMinorUnits <= 0 {
		return fmt.Errorf("gateway amount must be positive, got %d", params.AmountMinorUnits)
	}
	if !params.Currency.IsValid() {
		return fmt.Errorf("unsupported gateway currency %q", params.Currency)
	}
	if strings.TrimSpace(params.Reference) == "" {
		return errors.New("gateway reference is required")
	}
	ctx = g.logger.WithFields(ctx, map[string]any{
		"reference":   params.Reference,
		"amount":      params.AmountMinorUnits,
		"currency":    params.Currency.String(),
		"location_id": g.locationID,
	})
	g.logger.Info(ctx, "square session handoff")
	return nil
}

// Verify reads the payment back from Square and checks that it both
// completed and charged the expected total. The client callback that
// triggered this call proves nothing on its own.
func (g *SquareGateway) Verify(ctx context.Context, reference string, orderID uuid.UUID, lines []intent.Line) (VerifyResult, error) {
	if strings.TrimSpace(reference) == "" {
		return VerifyResult{}, errors.New("verification reference is required")
	}

	resp, err := g.sdk.Payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: reference})
	if err != nil {
		return VerifyResult{}, g.mapSquareError(err, "get payment")
	}

	payment := resp.GetPayment()
	if payment == nil {
		return VerifyResult{Verified: false, Message: "payment not found at gateway"}, nil
	}

	status := stringValue(payment.GetStatus())
	if status != paymentStatusCompleted {
		return VerifyResult{
			Verified: false,
			Message:  fmt.Sprintf("payment status is %s", status),
		}, nil
	}

	var expected int64
	for _, line := range lines {
		expected += line.UnitPriceCents
	}
	money := payment.GetAmountMoney()
	if money == nil || int64Value(money.GetAmount()) != expected {
		return VerifyResult{
			Verified: false,
			Message:  "payment amount does not match order total",
		}, nil
	}

	ctx = g.logger.WithFields(ctx, map[string]any{
		"reference":  reference,
		"order_id":   orderID.String(),
		"payment_id": stringValue(payment.GetID()),
	})
	g.logger.Info(ctx, "square payment verified")
	return VerifyResult{Verified: true}, nil
}

func (g *SquareGateway) mapSquareError(err error, op string) error {
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := pkgerrors.CodeVerificationFailure
		if apiErr.StatusCode == 404 {
			code = pkgerrors.CodeNotFound
		}
		if apiErr.StatusCode >= 500 {
			code = pkgerrors.CodeConnectivity
		}
		return pkgerrors.Wrap(code, err, fmt.Sprintf("square %s", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, fmt.Sprintf("square %s", op))
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func int64Value(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

var _ Gateway = (*SquareGateway)(nil)
