// Package ledger settles crypto-rail orders by paying each seller a
// stablecoin transfer on the ledger, one item at a time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/soundforge/beatmarket-backend/pkg/config"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
	"github.com/soundforge/beatmarket-backend/pkg/metrics"
	pkgretry "github.com/soundforge/beatmarket-backend/pkg/retry"
)

const submitRetryInterval = time.Second

// PayItem is one seller payout inside a settlement batch.
type PayItem struct {
	ProductID        uuid.UUID
	Recipient        string
	AmountMinorUnits int64
}

// Settlement is one confirmed transfer.
type Settlement struct {
	ProductID uuid.UUID
	Recipient solana.PublicKey
	Signature solana.Signature
}

// BatchResult reports how far a batch got. FailedIndex is -1 when every
// item settled; otherwise it points at the item that stopped the batch,
// and Settlements lists the transfers that already went through. Settled
// transfers are never rolled back.
type BatchResult struct {
	Settlements []Settlement
	FailedIndex int
}

type bookkeeper interface {
	AttachSignature(ctx context.Context, orderID, productID uuid.UUID, signature string) error
}

// Engine drives pre-flight guards, per-item transaction assembly,
// simulation, bounded submission, and confirmation polling.
type Engine struct {
	client     Client
	books      bookkeeper
	logg       *logger.Logger
	checkout   *metrics.CheckoutMetrics
	cfg        config.LedgerConfig
	mint       solana.PublicKey
	commitment rpc.CommitmentType

	mu       sync.Mutex
	decimals *uint8
}

// NewEngine validates the mint and commitment configuration up front.
func NewEngine(client Client, books bookkeeper, logg *logger.Logger, checkout *metrics.CheckoutMetrics, cfg config.LedgerConfig) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("ledger client required")
	}
	if books == nil {
		return nil, fmt.Errorf("bookkeeper required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	mint, err := solana.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("parsing mint address: %w", err)
	}
	commitment, err := parseCommitment(cfg.Commitment)
	if err != nil {
		return nil, err
	}
	if cfg.SubmitRetries < 1 {
		cfg.SubmitRetries = 1
	}
	return &Engine{
		client:     client,
		books:      books,
		logg:       logg,
		checkout:   checkout,
		cfg:        cfg,
		mint:       mint,
		commitment: commitment,
	}, nil
}

// Pay settles the batch strictly in order. All guards run before the
// first transfer: one bad address or a short balance rejects the whole
// batch with nothing submitted. After the first submission the batch is
// partial-failure territory; see BatchResult.
func (e *Engine) Pay(ctx context.Context, orderID uuid.UUID, items []PayItem, wallet Wallet) (*BatchResult, error) {
	result := &BatchResult{FailedIndex: -1}
	if len(items) == 0 {
		return result, nil
	}
	if wallet == nil {
		return result, pkgerrors.New(pkgerrors.CodeValidation, "wallet required")
	}

	logCtx := e.logg.WithOrderID(ctx, orderID.String())

	recipients, err := e.guardRecipients(items)
	if err != nil {
		return result, err
	}

	decimals, err := e.mintDecimals(ctx)
	if err != nil {
		return result, err
	}

	amounts := make([]uint64, len(items))
	var total uint64
	for i, item := range items {
		units, err := baseUnits(item.AmountMinorUnits, decimals)
		if err != nil {
			return result, err
		}
		amounts[i] = units
		total += units
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(wallet.Address(), e.mint)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "deriving source token account")
	}
	if err := e.guardBalance(ctx, sourceATA, total); err != nil {
		return result, err
	}

	for i, item := range items {
		if i > 0 {
			if err := sleepCtx(ctx, e.cfg.BatchItemDelay); err != nil {
				result.FailedIndex = i
				return result, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "batch interrupted")
			}
		}

		itemCtx := e.logg.WithFields(logCtx, map[string]any{
			"product_id": item.ProductID.String(),
			"recipient":  recipients[i].String(),
			"item":       i,
		})

		sig, err := e.settle(itemCtx, wallet, sourceATA, recipients[i], amounts[i], decimals)
		if err != nil {
			result.FailedIndex = i
			e.checkout.IncSettled("failed")
			e.logg.Error(itemCtx, "settlement stopped, earlier transfers stand", err)
			return result, err
		}

		result.Settlements = append(result.Settlements, Settlement{
			ProductID: item.ProductID,
			Recipient: recipients[i],
			Signature: sig,
		})
		e.checkout.IncSettled("confirmed")

		// Bookkeeping only; the transfer is already confirmed.
		if err := e.books.AttachSignature(ctx, orderID, item.ProductID, sig.String()); err != nil {
			e.logg.Error(itemCtx, "recording settlement signature", err)
		}
		e.logg.Info(itemCtx, "transfer confirmed")
	}

	return result, nil
}

// guardRecipients validates every payout address before anything is
// built. Problems are collected so one response lists them all.
func (e *Engine) guardRecipients(items []PayItem) ([]solana.PublicKey, error) {
	recipients := make([]solana.PublicKey, len(items))
	var problems []string
	var combined error
	for i, item := range items {
		if item.AmountMinorUnits <= 0 {
			problems = append(problems, fmt.Sprintf("item %d: amount must be positive", i))
			combined = multierr.Append(combined, fmt.Errorf("item %d: non-positive amount", i))
			continue
		}
		pub, err := solana.PublicKeyFromBase58(item.Recipient)
		if err != nil {
			problems = append(problems, fmt.Sprintf("item %d: bad payout address", i))
			combined = multierr.Append(combined, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		recipients[i] = pub
	}
	if combined != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidRecipient, combined, "batch rejected before any transfer").
			WithDetails(problems)
	}
	return recipients, nil
}

func (e *Engine) guardBalance(ctx context.Context, sourceATA solana.PublicKey, required uint64) error {
	balance, err := e.client.GetTokenAccountBalance(ctx, sourceATA, e.commitment)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "wallet holds no token account for the settlement mint")
		}
		return pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "reading wallet balance")
	}
	available, err := strconv.ParseUint(balance.Value.Amount, 10, 64)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "parsing wallet balance")
	}
	if available < required {
		return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "wallet balance below batch total").
			WithDetails(map[string]uint64{"available": available, "required": required})
	}
	return nil
}

// settle runs one transfer end to end: fresh blockhash, recipient
// account creation folded into the same transaction when missing,
// simulation, bounded submission, then confirmation polling.
func (e *Engine) settle(ctx context.Context, wallet Wallet, sourceATA, recipient solana.PublicKey, amount uint64, decimals uint8) (solana.Signature, error) {
	blockhash, err := e.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "fetching blockhash")
	}

	destATA, _, err := solana.FindAssociatedTokenAddress(recipient, e.mint)
	if err != nil {
		return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeInvalidRecipient, err, "deriving recipient token account")
	}

	builder := solana.NewTransactionBuilder().
		SetRecentBlockHash(blockhash.Value.Blockhash).
		SetFeePayer(wallet.Address())

	needsAccount, err := e.missingTokenAccount(ctx, destATA)
	if err != nil {
		return solana.Signature{}, err
	}
	if needsAccount {
		// Account creation rides in the same transaction so the pair
		// lands or fails atomically.
		createIx, err := associatedtokenaccount.NewCreateInstruction(wallet.Address(), recipient, e.mint).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "building account creation")
		}
		builder.AddInstruction(createIx)
		e.logg.Info(ctx, "recipient token account missing, creating in-transaction")
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(e.mint).
		SetDestinationAccount(destATA).
		SetOwnerAccount(wallet.Address()).
		ValidateAndBuild()
	if err != nil {
		return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "building transfer")
	}
	builder.AddInstruction(transferIx)

	tx, err := builder.Build()
	if err != nil {
		return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "assembling transaction")
	}
	if err := wallet.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "signing transaction")
	}

	sim, err := e.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment: e.commitment,
	})
	if err != nil {
		return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "simulating transaction")
	}
	if sim.Value != nil && sim.Value.Err != nil {
		return solana.Signature{}, pkgerrors.New(pkgerrors.CodeSimulationFailure, "transaction would fail on the ledger").
			WithDetails(fmt.Sprint(sim.Value.Err))
	}

	sig, err := e.submit(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := e.confirm(ctx, sig); err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (e *Engine) missingTokenAccount(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := e.client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return true, nil
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "checking recipient token account")
	}
	return info == nil || info.Value == nil, nil
}

// submit pushes the signed transaction with a bounded number of retries.
// Preflight is skipped because simulation already ran.
func (e *Engine) submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	var zero uint
	retryAll := func(error) bool { return true }
	err := pkgretry.Do(ctx, e.cfg.SubmitRetries, submitRetryInterval, retryAll, func(ctx context.Context) error {
		var sendErr error
		sig, sendErr = e.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: e.commitment,
			MaxRetries:          &zero,
		})
		return sendErr
	})
	if err != nil {
		return solana.Signature{}, pkgerrors.Wrap(pkgerrors.CodeSubmissionFailure, err, "submission retries exhausted")
	}
	return sig, nil
}

// confirm polls signature status until the commitment is reached or the
// window closes. A closed window is CONFIRMATION_TIMEOUT, not a
// submission failure: the transfer may still land.
func (e *Engine) confirm(ctx context.Context, sig solana.Signature) error {
	err := pkgretry.Poll(ctx, e.cfg.ConfirmInterval, e.cfg.ConfirmWindow, func(ctx context.Context) (bool, error) {
		out, err := e.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			// Transient RPC trouble mid-poll; keep polling until the
			// window decides.
			return false, nil
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return false, nil
		}
		status := out.Value[0]
		if status.Err != nil {
			return false, pkgerrors.New(pkgerrors.CodeSubmissionFailure, "transaction failed on the ledger").
				WithDetails(fmt.Sprint(status.Err))
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, pkgretry.ErrWindowElapsed) {
			e.checkout.IncConfirmationTimeout()
			return pkgerrors.Wrap(pkgerrors.CodeConfirmationTimeout, err, "confirmation window elapsed").
				WithDetails(sig.String())
		}
		return err
	}
	return nil
}

// mintDecimals reads and caches the mint's decimal count.
func (e *Engine) mintDecimals(ctx context.Context) (uint8, error) {
	e.mu.Lock()
	if e.decimals != nil {
		d := *e.decimals
		e.mu.Unlock()
		return d, nil
	}
	e.mu.Unlock()

	info, err := e.client.GetAccountInfo(ctx, e.mint)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeConnectivity, err, "reading mint account")
	}
	if info == nil || info.Value == nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "settlement mint does not exist")
	}
	var mintData token.Mint
	if err := bin.NewBinDecoder(info.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeUnknown, err, "decoding mint account")
	}

	e.mu.Lock()
	e.decimals = &mintData.Decimals
	e.mu.Unlock()
	return mintData.Decimals, nil
}

// baseUnits converts a minor-unit price to token base units.
func baseUnits(minorUnits int64, decimals uint8) (uint64, error) {
	units := decimal.NewFromInt(minorUnits).Shift(int32(decimals) - 2)
	if !units.IsInteger() || units.IsNegative() {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount not representable in token base units")
	}
	return units.BigInt().Uint64(), nil
}

func parseCommitment(value string) (rpc.CommitmentType, error) {
	switch value {
	case "processed":
		return rpc.CommitmentProcessed, nil
	case "confirmed", "":
		return rpc.CommitmentConfirmed, nil
	case "finalized":
		return rpc.CommitmentFinalized, nil
	}
	return "", fmt.Errorf("unknown ledger commitment %q", value)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
