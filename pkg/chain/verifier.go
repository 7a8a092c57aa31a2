// Package chain implements the Payment Verifier (C3): on-chain inspection
// of a claimed payment transaction against the configured recipient
// address, sender, amount and confirmation threshold.
//
// It generalizes the teacher's pkg/blockchain BSC-USD transfer check —
// same ethclient.Dial client, same receipt-based inspection, same
// semaphore-throttled concurrency — to native-currency transfers (value
// carried directly on the transaction, not decoded from an ERC-20
// Transfer log) and to the six-step procedure the verifier must run.
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
)

// Variant describes a purchasable turn pack: its expected native-currency
// price and the turns it credits. The core ships with 10_turns and
// 20_turns; additional variants are configuration, not code.
type Variant struct {
	Name  string
	Price decimal.Decimal
	Turns int
}

// DefaultVariants is the shipped variant -> (amount, turns) table.
func DefaultVariants() map[string]Variant {
	return map[string]Variant{
		"10_turns": {Name: "10_turns", Price: decimal.RequireFromString("0.0016"), Turns: 10},
		"20_turns": {Name: "20_turns", Price: decimal.RequireFromString("0.0024"), Turns: 20},
	}
}

// weiPerNative converts the smallest on-chain unit to the native
// denomination, the same scale go-ethereum uses for ETH/wei.
var weiPerNative = decimal.New(1, 18)

// Report is the Verifier's output: a fully normalized view of the
// transaction, suitable for the Credit Applier to act on without any
// further chain access.
type Report struct {
	TxHash        string
	From          string
	To            string
	Amount        decimal.Decimal
	BlockNumber   int64
	Confirmations uint64
}

// ChainClient is the narrow surface the Verifier needs from a chain
// provider. An *ethclient.Client backs it in production; tests supply a
// fake.
type ChainClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial opens an ethclient.Client against rpcURL. Callers own the lifetime
// of the returned client and should Close it on shutdown.
func Dial(rpcURL string) (*ethclient.Client, error) {
	return ethclient.Dial(rpcURL)
}

// Verifier runs the C3 procedure against a ChainClient.
type Verifier struct {
	client           ChainClient
	paymentAddress   string // case-folded
	minConfirmations uint64
	amountTolerance  decimal.Decimal
	variants         map[string]Variant
	log              zerolog.Logger

	// sem throttles concurrent RPC calls against the provider, the same
	// fixed-size semaphore the teacher uses for BSC verification.
	sem chan struct{}
}

// Config bundles the Verifier's tunables, sourced from pkg/config.
type Config struct {
	PaymentAddress   string
	MinConfirmations int
	AmountTolerance  string
	Variants         map[string]Variant
	MaxConcurrentRPC int
}

// New builds a Verifier. A zero-value or malformed AmountTolerance falls
// back to the shipped default of 0.0001.
func New(client ChainClient, cfg Config, log zerolog.Logger) *Verifier {
	tol, err := decimal.NewFromString(cfg.AmountTolerance)
	if err != nil {
		tol = decimal.RequireFromString("0.0001")
	}
	variants := cfg.Variants
	if variants == nil {
		variants = DefaultVariants()
	}
	maxRPC := cfg.MaxConcurrentRPC
	if maxRPC <= 0 {
		maxRPC = 20
	}
	return &Verifier{
		client:           client,
		paymentAddress:   strings.ToLower(cfg.PaymentAddress),
		minConfirmations: uint64(cfg.MinConfirmations),
		amountTolerance:  tol,
		variants:         variants,
		log:              log.With().Str("component", "chain_verifier").Logger(),
		sem:              make(chan struct{}, maxRPC),
	}
}

// Request names the submission being verified.
type Request struct {
	TxHash         string
	ClaimedSender  string
	ProductVariant string
}

// Verify runs the six-step procedure from the component's design and
// returns a normalized Report on success. Every failure is one of the
// apperr transaction sentinels, wrapped with enough detail for logging but
// never for the client response.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Report, error) {
	variant, ok := v.variants[req.ProductVariant]
	if !ok {
		return nil, fmt.Errorf("%w: unknown product variant %q", apperr.ErrValidation, req.ProductVariant)
	}

	v.sem <- struct{}{}
	defer func() { <-v.sem }()

	hash := common.HexToHash(req.TxHash)

	tx, isPending, err := v.client.TransactionByHash(ctx, hash)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, apperr.ErrTxNotFound
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	if isPending {
		return nil, apperr.ErrTxNotConfirmed
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if isNotFoundErr(err) {
			return nil, apperr.ErrTxNotFound
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, apperr.ErrTxNotConfirmed
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	confirmations := confirmationsOf(head, receipt.BlockNumber.Uint64())
	if confirmations < v.minConfirmations {
		return nil, apperr.ErrTxNotConfirmed
	}

	to := ""
	if tx.To() != nil {
		to = strings.ToLower(tx.To().Hex())
	}
	if to != v.paymentAddress {
		return nil, apperr.ErrTxWrongRecipient
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrProviderUnavailable, err)
	}
	if strings.ToLower(sender.Hex()) != strings.ToLower(req.ClaimedSender) {
		return nil, apperr.ErrTxWrongSender
	}

	amount := decimal.NewFromBigInt(tx.Value(), 0).Div(weiPerNative)
	diff := amount.Sub(variant.Price).Abs()
	if diff.GreaterThan(v.amountTolerance) {
		return nil, apperr.ErrTxWrongAmount
	}

	report := &Report{
		TxHash:        req.TxHash,
		From:          strings.ToLower(sender.Hex()),
		To:            to,
		Amount:        amount,
		BlockNumber:   receipt.BlockNumber.Int64(),
		Confirmations: confirmations,
	}
	v.log.Info().Str("tx_hash", req.TxHash).Str("variant", req.ProductVariant).
		Str("amount", amount.String()).Uint64("confirmations", confirmations).
		Msg("payment transaction verified")
	return report, nil
}

// VariantFor exposes the configured variant table to the Credit Applier,
// so turns_for_variant and expected amounts stay single-sourced.
func (v *Verifier) VariantFor(name string) (Variant, bool) {
	variant, ok := v.variants[name]
	return variant, ok
}

func confirmationsOf(head, txBlock uint64) uint64 {
	if head < txBlock {
		return 0
	}
	return head - txBlock + 1
}

func isNotFoundErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}
