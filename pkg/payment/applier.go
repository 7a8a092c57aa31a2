// Package payment implements the Credit Applier (C4): the state machine
// that turns a verified on-chain payment into paid turns, exactly once per
// transaction hash, even across concurrent submissions and process
// restarts.
//
// It is grounded on the teacher's pkg/api/events.go PaymentDetectedHandler:
// same idea of a guarded status column driving a small state machine, same
// double-entry-style "write the record before the side effect, confirm
// after" recovery shape, generalized from BSC-USD order settlement to
// turn-pack payments.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
	"github.com/vanloc1808/arcana-entitlement/pkg/chain"
	"github.com/vanloc1808/arcana-entitlement/pkg/ledger"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

// Outcome is the Applier's user-facing result. Exactly one field set
// describes which terminal state the submission reached.
type Outcome struct {
	Status          store.PaymentStatus
	TurnsAdded      int
	RejectionReason string
}

// Applier drives the New -> Verifying -> Verified -> Credited state
// machine, or the Rejected / Duplicate terminal branches.
type Applier struct {
	db       *sql.DB
	verifier *chain.Verifier
	ledger   *ledger.Ledger
	log      zerolog.Logger
}

// New builds an Applier over its collaborators.
func New(db *sql.DB, verifier *chain.Verifier, lg *ledger.Ledger, log zerolog.Logger) *Applier {
	return &Applier{db: db, verifier: verifier, ledger: lg, log: log.With().Str("component", "credit_applier").Logger()}
}

// Submit runs one payment submission through to a terminal outcome, or
// returns an error for a retryable infrastructure fault (the caller's
// client may resubmit the identical tx hash safely — the idempotency
// guarantee holds across retries).
func (a *Applier) Submit(ctx context.Context, userID string, req chain.Request) (*Outcome, error) {
	existing, err := store.GetPaymentByHash(ctx, a.db, req.TxHash)
	if err != nil && !errors.Is(err, apperr.ErrTxNotFound) {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	// A record left in Verifying by a provider outage is resumed by the same
	// user's identical resubmission instead of being reported as a duplicate.
	resume := existing != nil && existing.Status == store.PaymentVerifying &&
		existing.UserID == userID && existing.ProductVariant == req.ProductVariant
	if existing != nil && !resume {
		return a.outcomeForExisting(existing), nil
	}

	variant, ok := a.verifier.VariantFor(req.ProductVariant)
	if !ok {
		return nil, fmt.Errorf("%w: unknown product variant %q", apperr.ErrValidation, req.ProductVariant)
	}

	if !resume {
		// New -> Verifying is unconditional at entry: the record exists the
		// instant a submission is accepted, so a concurrent duplicate racing
		// in sees it instead of also inserting.
		insertErr := store.InsertPendingPayment(ctx, a.db, &store.PaymentRecord{
			TxHash:         req.TxHash,
			UserID:         userID,
			SenderAddress:  req.ClaimedSender,
			Amount:         variant.Price.String(),
			ProductVariant: req.ProductVariant,
			TurnsCredited:  variant.Turns,
		})
		if insertErr != nil {
			if errors.Is(insertErr, apperr.ErrDuplicatePayment) {
				existing, err := store.GetPaymentByHash(ctx, a.db, req.TxHash)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
				}
				return a.outcomeForExisting(existing), nil
			}
			return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, insertErr)
		}

		if err := store.MarkVerifying(ctx, a.db, req.TxHash); err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
		}
	}

	report, verifyErr := a.verifier.Verify(ctx, req)
	if verifyErr != nil {
		if errors.Is(verifyErr, apperr.ErrProviderUnavailable) {
			// Leave the record in Verifying; the caller may retry the
			// identical submission once the provider recovers.
			return nil, verifyErr
		}
		reason := rejectionReason(verifyErr)
		if err := store.MarkRejected(ctx, a.db, req.TxHash, reason); err != nil {
			a.log.Warn().Err(err).Str("tx_hash", req.TxHash).Msg("failed to persist rejection")
		}
		a.log.Info().Str("tx_hash", req.TxHash).Str("reason", reason).Msg("payment rejected")
		return &Outcome{Status: store.PaymentRejected, RejectionReason: reason}, nil
	}

	if err := store.MarkVerified(ctx, a.db, req.TxHash, report.BlockNumber); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	// Verified -> Credited. The Ledger credit and the credited_at stamp
	// cannot share a single sqlite transaction (the ledger's own guarded
	// UPDATE needs its own tx and its own per-user lock), so this follows
	// the pending-confirmed-credited recovery protocol: the row is already
	// durably Verified; if the process dies between the credit below and
	// MarkCredited, a reconciliation sweep over PaymentsAwaitingCredit
	// finds it. CreditPaidForTx is keyed on txHash and safe to call again
	// from that sweep even if this call already applied it.
	if err := a.ledger.CreditPaidForTx(ctx, userID, req.TxHash, variant.Turns); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	if err := store.MarkCredited(ctx, a.db, req.TxHash); err != nil {
		a.log.Error().Err(err).Str("tx_hash", req.TxHash).
			Msg("credited ledger but failed to stamp payment record, reconciliation will retry the stamp")
	}

	a.log.Info().Str("tx_hash", req.TxHash).Str("user_id", userID).Int("turns_added", variant.Turns).
		Msg("payment credited")
	return &Outcome{Status: store.PaymentCredited, TurnsAdded: variant.Turns}, nil
}

// Reconcile closes the pending-confirmed-credited gap for every
// Verified-but-uncredited record: it re-applies the credit (a no-op if the
// original Submit call already got there — CreditPaidForTx is keyed on
// txHash) and only then stamps credited_at. This covers both crash
// windows: death before the credit ran, and death between the credit and
// the stamp.
func (a *Applier) Reconcile(ctx context.Context) (int, error) {
	pending, err := store.PaymentsAwaitingCredit(ctx, a.db)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	stamped := 0
	for _, p := range pending {
		if err := a.ledger.CreditPaidForTx(ctx, p.UserID, p.TxHash, p.TurnsCredited); err != nil {
			a.log.Warn().Err(err).Str("tx_hash", p.TxHash).Msg("reconciliation credit failed")
			continue
		}
		if err := store.MarkCredited(ctx, a.db, p.TxHash); err != nil {
			a.log.Warn().Err(err).Str("tx_hash", p.TxHash).Msg("reconciliation stamp failed")
			continue
		}
		stamped++
	}
	return stamped, nil
}

func (a *Applier) outcomeForExisting(p *store.PaymentRecord) *Outcome {
	switch p.Status {
	case store.PaymentCredited:
		return &Outcome{Status: store.PaymentDuplicate, TurnsAdded: p.TurnsCredited}
	case store.PaymentRejected:
		reason := ""
		if p.RejectionReason != nil {
			reason = *p.RejectionReason
		}
		return &Outcome{Status: store.PaymentRejected, RejectionReason: reason}
	default:
		// Still mid-flight (New/Verifying/Verified): report duplicate so
		// the caller doesn't double-submit against an in-progress record.
		return &Outcome{Status: store.PaymentDuplicate}
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, apperr.ErrTxNotFound):
		return "transaction not found"
	case errors.Is(err, apperr.ErrTxNotConfirmed):
		return "transaction not confirmed"
	case errors.Is(err, apperr.ErrTxWrongRecipient):
		return "transaction recipient mismatch"
	case errors.Is(err, apperr.ErrTxWrongSender):
		return "transaction sender mismatch"
	case errors.Is(err, apperr.ErrTxWrongAmount):
		return "transaction amount mismatch"
	default:
		return "verification failed"
	}
}
