package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundforge/beatmarket-backend/pkg/config"
	pkgerrors "github.com/soundforge/beatmarket-backend/pkg/errors"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
	"github.com/soundforge/beatmarket-backend/pkg/metrics"
)

// stubLedger scripts the RPC surface. Mint decimals is 2 in every test
// so token base units line up with minor units.
type stubLedger struct {
	mu          sync.Mutex
	mint        solana.PublicKey
	balance     string
	missingDest map[string]bool
	simFailOn   int
	sendErr     error
	neverConfirm bool
	failOnChain  bool

	sims, sends, confirms int
	sentInstrCounts       []int
	events                []string
}

func (s *stubLedger) record(event string) {
	s.events = append(s.events, event)
}

func (s *stubLedger) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("blockhash")
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1}},
	}, nil
}

func (s *stubLedger) GetAccountInfo(_ context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.Equals(s.mint) {
		return mintAccount(2), nil
	}
	if s.missingDest[account.String()] {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{}}, nil
}

func (s *stubLedger) GetTokenAccountBalance(context.Context, solana.PublicKey, rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: s.balance, Decimals: 2},
	}, nil
}

func (s *stubLedger) SimulateTransactionWithOpts(context.Context, *solana.Transaction, *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sims++
	s.record("simulate")
	if s.simFailOn > 0 && s.sims == s.simFailOn {
		return &rpc.SimulateTransactionResponse{
			Value: &rpc.SimulateTransactionResult{Err: "InstructionError"},
		}, nil
	}
	return &rpc.SimulateTransactionResponse{
		Value: &rpc.SimulateTransactionResult{},
	}, nil
}

func (s *stubLedger) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		s.record("send-error")
		return solana.Signature{}, s.sendErr
	}
	s.sends++
	s.record("send")
	s.sentInstrCounts = append(s.sentInstrCounts, len(tx.Message.Instructions))
	return solana.Signature{byte(s.sends)}, nil
}

func (s *stubLedger) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms++
	s.record("confirm")
	if s.neverConfirm {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	status := &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	if s.failOnChain {
		status.Err = "InstructionError"
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{status}}, nil
}

// mintAccount encodes the fixed 82-byte SPL mint layout; decimals sits
// at offset 44.
func mintAccount(decimals byte) *rpc.GetAccountInfoResult {
	raw := make([]byte, 82)
	raw[44] = decimals
	raw[45] = 1

	encoded := base64.StdEncoding.EncodeToString(raw)
	var data rpc.DataBytesOrJSON
	if err := json.Unmarshal([]byte(fmt.Sprintf(`["%s","base64"]`, encoded)), &data); err != nil {
		panic(err)
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: &data}}
}

type stubBooks struct {
	mu         sync.Mutex
	signatures []string
	err        error
}

func (s *stubBooks) AttachSignature(_ context.Context, _, _ uuid.UUID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.signatures = append(s.signatures, signature)
	return nil
}

func testEngine(t *testing.T, client *stubLedger, books *stubBooks) *Engine {
	t.Helper()
	engine, err := NewEngine(client, books, logger.New(logger.Options{ServiceName: "test"}), metrics.NewCheckoutMetrics(nil), config.LedgerConfig{
		Mint:            client.mint.String(),
		Commitment:      "confirmed",
		ConfirmWindow:   300 * time.Millisecond,
		ConfirmInterval: 10 * time.Millisecond,
		SubmitRetries:   2,
		BatchItemDelay:  time.Millisecond,
	})
	require.NoError(t, err)
	return engine
}

func testWallet(t *testing.T) Wallet {
	t.Helper()
	wallet, err := NewWalletFromPrivateKey(solana.NewWallet().PrivateKey.String())
	require.NoError(t, err)
	return wallet
}

func newAddress() string {
	return solana.NewWallet().PublicKey().String()
}

func TestPayRejectsWholeBatchOnOneBadAddress(t *testing.T) {
	t.Parallel()

	client := &stubLedger{mint: solana.NewWallet().PublicKey(), balance: "100000"}
	engine := testEngine(t, client, &stubBooks{})

	result, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 1_000},
		{ProductID: uuid.New(), Recipient: "not-an-address", AmountMinorUnits: 1_000},
	}, testWallet(t))

	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvalidRecipient))
	assert.Zero(t, client.sends, "no transaction submitted for a rejected batch")
	assert.Zero(t, client.sims)
	assert.Empty(t, result.Settlements)
	assert.Equal(t, -1, result.FailedIndex)
}

func TestPayInsufficientFunds(t *testing.T) {
	t.Parallel()

	client := &stubLedger{mint: solana.NewWallet().PublicKey(), balance: "800"}
	engine := testEngine(t, client, &stubBooks{})

	result, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 1_000},
	}, testWallet(t))

	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientFunds))
	assert.Zero(t, client.sends)
	assert.Empty(t, result.Settlements)
}

func TestPaySettlesBatchSequentially(t *testing.T) {
	t.Parallel()

	client := &stubLedger{mint: solana.NewWallet().PublicKey(), balance: "10000"}
	books := &stubBooks{}
	engine := testEngine(t, client, books)

	result, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 4_000},
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 6_000},
	}, testWallet(t))

	require.NoError(t, err)
	assert.Equal(t, -1, result.FailedIndex)
	require.Len(t, result.Settlements, 2)
	assert.Equal(t, 2, client.sends)
	assert.Len(t, books.signatures, 2)

	// The second send must come after the first confirmation.
	firstConfirm, secondSend := -1, -1
	sends := 0
	for i, event := range client.events {
		if event == "confirm" && firstConfirm == -1 {
			firstConfirm = i
		}
		if event == "send" {
			sends++
			if sends == 2 {
				secondSend = i
			}
		}
	}
	require.GreaterOrEqual(t, firstConfirm, 0)
	require.GreaterOrEqual(t, secondSend, 0)
	assert.Greater(t, secondSend, firstConfirm, "strict sequencing")
}

func TestPayCreatesMissingRecipientAccountInSameTransaction(t *testing.T) {
	t.Parallel()

	recipient := newAddress()
	mint := solana.NewWallet().PublicKey()
	recipientKey, err := solana.PublicKeyFromBase58(recipient)
	require.NoError(t, err)
	destATA, _, err := solana.FindAssociatedTokenAddress(recipientKey, mint)
	require.NoError(t, err)

	client := &stubLedger{
		mint:        mint,
		balance:     "5000",
		missingDest: map[string]bool{destATA.String(): true},
	}
	engine := testEngine(t, client, &stubBooks{})

	_, err = engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: recipient, AmountMinorUnits: 5_000},
	}, testWallet(t))

	require.NoError(t, err)
	require.Len(t, client.sentInstrCounts, 1)
	assert.Equal(t, 2, client.sentInstrCounts[0], "account creation rides with the transfer")
}

func TestPaySimulationFailureSubmitsNothing(t *testing.T) {
	t.Parallel()

	client := &stubLedger{mint: solana.NewWallet().PublicKey(), balance: "5000", simFailOn: 1}
	engine := testEngine(t, client, &stubBooks{})

	result, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 5_000},
	}, testWallet(t))

	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSimulationFailure))
	assert.Zero(t, client.sends)
	assert.Equal(t, 0, result.FailedIndex)
}

func TestPayPartialFailureReportsSettledItems(t *testing.T) {
	t.Parallel()

	client := &stubLedger{mint: solana.NewWallet().PublicKey(), balance: "10000", simFailOn: 2}
	books := &stubBooks{}
	engine := testEngine(t, client, books)

	result, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 4_000},
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 6_000},
	}, testWallet(t))

	require.Error(t, err)
	assert.Equal(t, 1, result.FailedIndex)
	require.Len(t, result.Settlements, 1, "first transfer stands, never rolled back")
	assert.Equal(t, 1, client.sends)
	assert.Len(t, books.signatures, 1)
}

func TestPaySubmissionRetriesExhausted(t *testing.T) {
	t.Parallel()

	client := &stubLedger{
		mint:    solana.NewWallet().PublicKey(),
		balance: "5000",
		sendErr: fmt.Errorf("rpc node unavailable"),
	}
	engine := testEngine(t, client, &stubBooks{})

	_, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 5_000},
	}, testWallet(t))

	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSubmissionFailure))
}

func TestPayConfirmationTimeoutIsDistinct(t *testing.T) {
	t.Parallel()

	client := &stubLedger{
		mint:         solana.NewWallet().PublicKey(),
		balance:      "5000",
		neverConfirm: true,
	}
	engine := testEngine(t, client, &stubBooks{})

	_, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 5_000},
	}, testWallet(t))

	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConfirmationTimeout))
	assert.False(t, pkgerrors.IsCode(err, pkgerrors.CodeSubmissionFailure))
	assert.Equal(t, 1, client.sends, "the transaction was submitted; only confirmation lapsed")
	assert.True(t, pkgerrors.MetadataFor(pkgerrors.CodeConfirmationTimeout).FundsMayHaveMoved)
}

func TestPayBookkeepingFailureDoesNotFailSettlement(t *testing.T) {
	t.Parallel()

	client := &stubLedger{mint: solana.NewWallet().PublicKey(), balance: "5000"}
	books := &stubBooks{err: fmt.Errorf("order store offline")}
	engine := testEngine(t, client, books)

	result, err := engine.Pay(context.Background(), uuid.New(), []PayItem{
		{ProductID: uuid.New(), Recipient: newAddress(), AmountMinorUnits: 5_000},
	}, testWallet(t))

	require.NoError(t, err, "funds moved; bookkeeping trouble is logged, not raised")
	require.Len(t, result.Settlements, 1)
}
