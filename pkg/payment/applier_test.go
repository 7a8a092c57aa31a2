package payment

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
	"github.com/vanloc1808/arcana-entitlement/pkg/chain"
	"github.com/vanloc1808/arcana-entitlement/pkg/ledger"
	"github.com/vanloc1808/arcana-entitlement/pkg/logging"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

const paymentAddrHex = "0x000000000000000000000000000000000000aa"

type stubClient struct {
	mu          sync.Mutex
	tx          *types.Transaction
	receiptOK   bool
	blockNumber uint64
	headBlock   uint64
	notFound    bool
	providerErr error
}

func (s *stubClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerErr != nil {
		return nil, false, s.providerErr
	}
	if s.notFound {
		return nil, false, errors.New("not found")
	}
	return s.tx, false, nil
}

func (s *stubClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerErr != nil {
		return nil, s.providerErr
	}
	status := types.ReceiptStatusFailed
	if s.receiptOK {
		status = types.ReceiptStatusSuccessful
	}
	return &types.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(s.blockNumber)}, nil
}

func (s *stubClient) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headBlock, nil
}

func weiFor(t *testing.T, native string) *big.Int {
	t.Helper()
	return decimal.RequireFromString(native).Mul(decimal.New(1, 18)).BigInt()
}

func signedPayment(t *testing.T, weiAmount *big.Int) (*types.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := types.NewEIP155Signer(big.NewInt(1))
	tx := types.NewTransaction(0, common.HexToAddress(paymentAddrHex), weiAmount, 21000, big.NewInt(1), nil)
	signedTx, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)
	return signedTx, crypto.PubkeyToAddress(key.PublicKey)
}

func newTestApplier(t *testing.T, client chain.ChainClient) (*Applier, *store.DB) {
	t.Helper()
	db := openTestStore(t)
	log := logging.New("error")
	lg := ledger.New(db, log)
	verifier := chain.New(client, chain.Config{PaymentAddress: paymentAddrHex, MinConfirmations: 1, AmountTolerance: "0.0001"}, log)
	return New(db, verifier, lg, log), db
}

func TestSubmitCreditsOnSuccess(t *testing.T) {
	ctx := context.Background()
	weiAmount := weiFor(t, "0.0016")
	tx, sender := signedPayment(t, weiAmount)

	client := &stubClient{tx: tx, receiptOK: true, blockNumber: 100, headBlock: 100}
	a, db := newTestApplier(t, client)

	u, err := store.CreateUser(ctx, db, "buyer", 0)
	require.NoError(t, err)

	outcome, err := a.Submit(ctx, u.ID, chain.Request{TxHash: tx.Hash().Hex(), ClaimedSender: sender.Hex(), ProductVariant: "10_turns"})
	require.NoError(t, err)
	require.Equal(t, store.PaymentCredited, outcome.Status)
	require.Equal(t, 10, outcome.TurnsAdded)

	loaded, err := store.GetUser(ctx, db, u.ID)
	require.NoError(t, err)
	require.Equal(t, 10, loaded.PaidTurns)

	// Resubmitting the identical tx hash reports duplicate, not a second credit.
	outcome2, err := a.Submit(ctx, u.ID, chain.Request{TxHash: tx.Hash().Hex(), ClaimedSender: sender.Hex(), ProductVariant: "10_turns"})
	require.NoError(t, err)
	require.Equal(t, store.PaymentDuplicate, outcome2.Status)
	require.Equal(t, 10, outcome2.TurnsAdded)

	loaded2, err := store.GetUser(ctx, db, u.ID)
	require.NoError(t, err)
	require.Equal(t, 10, loaded2.PaidTurns)
}

func TestSubmitRejectsAndPersistsReason(t *testing.T) {
	ctx := context.Background()
	weiAmount := weiFor(t, "0.0016")
	tx, sender := signedPayment(t, weiAmount)

	client := &stubClient{tx: tx, receiptOK: false, blockNumber: 100, headBlock: 100}
	a, db := newTestApplier(t, client)

	u, err := store.CreateUser(ctx, db, "rejected-buyer", 0)
	require.NoError(t, err)

	outcome, err := a.Submit(ctx, u.ID, chain.Request{TxHash: tx.Hash().Hex(), ClaimedSender: sender.Hex(), ProductVariant: "10_turns"})
	require.NoError(t, err)
	require.Equal(t, store.PaymentRejected, outcome.Status)
	require.NotEmpty(t, outcome.RejectionReason)

	rec, err := store.GetPaymentByHash(ctx, db, tx.Hash().Hex())
	require.NoError(t, err)
	require.Equal(t, store.PaymentRejected, rec.Status)
	require.NotNil(t, rec.RejectionReason)
}

func TestSubmitProviderUnavailableLeavesVerifyingForRetry(t *testing.T) {
	ctx := context.Background()
	weiAmount := weiFor(t, "0.0016")
	tx, sender := signedPayment(t, weiAmount)

	client := &stubClient{providerErr: errors.New("dial tcp: connection refused")}
	a, db := newTestApplier(t, client)

	u, err := store.CreateUser(ctx, db, "flaky-buyer", 0)
	require.NoError(t, err)

	_, err = a.Submit(ctx, u.ID, chain.Request{TxHash: tx.Hash().Hex(), ClaimedSender: sender.Hex(), ProductVariant: "10_turns"})
	require.ErrorIs(t, err, apperr.ErrProviderUnavailable)

	rec, err := store.GetPaymentByHash(ctx, db, tx.Hash().Hex())
	require.NoError(t, err)
	require.Equal(t, store.PaymentVerifying, rec.Status)

	// Retrying once the provider recovers succeeds against the same record.
	client.mu.Lock()
	client.providerErr = nil
	client.tx = tx
	client.receiptOK = true
	client.blockNumber = 100
	client.headBlock = 100
	client.mu.Unlock()

	outcome, err := a.Submit(ctx, u.ID, chain.Request{TxHash: tx.Hash().Hex(), ClaimedSender: sender.Hex(), ProductVariant: "10_turns"})
	require.NoError(t, err)
	require.Equal(t, store.PaymentCredited, outcome.Status)
}

func TestSubmitUnknownVariantIsValidationError(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	a, db := newTestApplier(t, client)

	u, err := store.CreateUser(ctx, db, "picky-buyer", 0)
	require.NoError(t, err)

	_, err = a.Submit(ctx, u.ID, chain.Request{TxHash: "0xdead", ClaimedSender: "0xbeef", ProductVariant: "99_turns"})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReconcileStampsVerifiedWithoutRecrediting(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	a, db := newTestApplier(t, client)

	u, err := store.CreateUser(ctx, db, "stuck-buyer", 0)
	require.NoError(t, err)

	require.NoError(t, store.InsertPendingPayment(ctx, db, &store.PaymentRecord{
		TxHash: "0xstuck", UserID: u.ID, SenderAddress: "0xsender",
		Amount: "0.0016", ProductVariant: "10_turns", TurnsCredited: 10,
	}))
	require.NoError(t, store.MarkVerifying(ctx, db, "0xstuck"))
	require.NoError(t, store.MarkVerified(ctx, db, "0xstuck", 100))
	// Simulate the credit having already happened, crash before the stamp.
	lg := ledger.New(db, logging.New("error"))
	require.NoError(t, lg.CreditPaidForTx(ctx, u.ID, "0xstuck", 10))

	n, err := a.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := store.GetPaymentByHash(ctx, db, "0xstuck")
	require.NoError(t, err)
	require.Equal(t, store.PaymentCredited, rec.Status)

	loaded, err := store.GetUser(ctx, db, u.ID)
	require.NoError(t, err)
	require.Equal(t, 10, loaded.PaidTurns)

	// A second reconcile pass finds nothing left to stamp.
	n2, err := a.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n2)
}

func TestReconcileAppliesCreditWhenNeverApplied(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{}
	a, db := newTestApplier(t, client)

	u, err := store.CreateUser(ctx, db, "never-credited-buyer", 0)
	require.NoError(t, err)

	// Record reached Verified but the process died before the ledger
	// credit ever ran: no ledger_credits row exists for this tx hash.
	require.NoError(t, store.InsertPendingPayment(ctx, db, &store.PaymentRecord{
		TxHash: "0xnevercredited", UserID: u.ID, SenderAddress: "0xsender",
		Amount: "0.0016", ProductVariant: "10_turns", TurnsCredited: 10,
	}))
	require.NoError(t, store.MarkVerifying(ctx, db, "0xnevercredited"))
	require.NoError(t, store.MarkVerified(ctx, db, "0xnevercredited", 100))

	n, err := a.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := store.GetPaymentByHash(ctx, db, "0xnevercredited")
	require.NoError(t, err)
	require.Equal(t, store.PaymentCredited, rec.Status)

	loaded, err := store.GetUser(ctx, db, u.ID)
	require.NoError(t, err)
	require.Equal(t, 10, loaded.PaidTurns)

	// A second reconcile pass doesn't double-credit.
	n2, err := a.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n2)

	loaded2, err := store.GetUser(ctx, db, u.ID)
	require.NoError(t, err)
	require.Equal(t, 10, loaded2.PaidTurns)
}
