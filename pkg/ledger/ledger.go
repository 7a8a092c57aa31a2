// Package ledger implements the Turn Ledger (C1): the atomic per-user
// free/paid turn counters every other component in the entitlement core
// builds on.
//
// Concurrency model: SQLite serializes writers, but the Ledger does not
// lean on that alone. Every operation also acquires a per-user in-process
// mutex (a "serialized execution queue" per user, one of the three
// strategies the design notes call out) before touching the row, so the
// linearizability contract holds even if the storage layer is later
// swapped for something that allows concurrent writers. The mutation
// itself is a guarded SQL UPDATE — "WHERE free_turns > 0" — so the check
// and the decrement are one atomic statement, mirroring the teacher's
// guarded order-status UPDATE in pkg/api/events.go.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

// UnlimitedTurns is the sentinel returned in place of a remaining-turns
// count for specialized premium users.
const UnlimitedTurns = -1

// DebitResult is returned by Debit on success.
type DebitResult struct {
	RemainingFree  int
	RemainingPaid  int
	RemainingTotal int // UnlimitedTurns for specialized premium
}

// Ledger owns every mutation of the users table's counters.
type Ledger struct {
	db  *sql.DB
	log zerolog.Logger

	// locks serializes operations per user id, independent of whatever
	// guarantees the backing store happens to provide.
	locks keyedMutex
}

// New builds a Ledger over an already-migrated database.
func New(db *sql.DB, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, log: log.With().Str("component", "ledger").Logger()}
}

// EffectiveTurns returns the user's current entitlement: UnlimitedTurns for
// specialized premium, else free+paid. Read-only; takes no lock.
func (l *Ledger) EffectiveTurns(ctx context.Context, userID string) (int, error) {
	u, err := store.GetUser(ctx, l.db, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	if u.IsSpecializedPremium {
		return UnlimitedTurns, nil
	}
	return u.FreeTurns + u.PaidTurns, nil
}

// Debit consumes one turn. Free turns are exhausted before paid ones; the
// choice is deterministic and not caller-selectable. context is an audit
// tag (e.g. "reading", "subscription") and never affects policy.
//
// Specialized premium users always succeed without any counter mutation.
// Everyone else either succeeds (return value populated) or gets
// apperr.ErrInsufficientTurns.
func (l *Ledger) Debit(ctx context.Context, userID string, auditContext string) (*DebitResult, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	u, err := store.GetUser(ctx, l.db, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	if u.IsSpecializedPremium {
		l.log.Warn().Str("user_id", userID).Str("context", auditContext).
			Msg("debit bypassed for specialized premium user")
		return &DebitResult{RemainingFree: u.FreeTurns, RemainingPaid: u.PaidTurns, RemainingTotal: UnlimitedTurns}, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE users SET free_turns = free_turns - 1 WHERE id = ? AND free_turns > 0`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	consumedFree := rows > 0
	if !consumedFree {
		res, err = tx.ExecContext(ctx, `UPDATE users SET paid_turns = paid_turns - 1 WHERE id = ? AND paid_turns > 0`, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
		}
		rows, err = res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
		}
		if rows == 0 {
			// Neither counter had anything to give. No mutation occurred.
			return nil, apperr.ErrInsufficientTurns
		}
	}

	updated, err := store.GetUser(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	l.log.Info().Str("user_id", userID).Str("context", auditContext).
		Bool("consumed_free", consumedFree).
		Int("remaining_free", updated.FreeTurns).
		Int("remaining_paid", updated.PaidTurns).
		Msg("turn debited")

	return &DebitResult{
		RemainingFree:  updated.FreeTurns,
		RemainingPaid:  updated.PaidTurns,
		RemainingTotal: updated.FreeTurns + updated.PaidTurns,
	}, nil
}

// CreditPaid adds n paid turns. n must be positive. On the first credit
// following a non-active subscription_status, the status flips to active.
func (l *Ledger) CreditPaid(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", apperr.ErrValidation)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback()

	u, err := store.GetUser(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	newStatus := u.SubscriptionStatus
	if newStatus != store.SubscriptionActive {
		newStatus = store.SubscriptionActive
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET paid_turns = paid_turns + ?, subscription_status = ? WHERE id = ?
	`, n, newStatus, userID); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	l.log.Info().Str("user_id", userID).Int("turns_added", n).
		Str("subscription_status", string(newStatus)).Msg("paid turns credited")
	return nil
}

// CreditPaidForTx is CreditPaid's idempotent counterpart for payment
// recovery: it records the credit against txHash in the same transaction
// as the paid_turns mutation, so a crash either side of the commit leaves
// no ambiguity. If txHash was already recorded by a prior call (the
// original Submit, or an earlier Reconcile sweep), this is a no-op — safe
// to call as many times as reconciliation needs.
func (l *Ledger) CreditPaidForTx(ctx context.Context, userID, txHash string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", apperr.ErrValidation)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback()

	applied, err := store.InsertLedgerCredit(ctx, tx, txHash, userID, n)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	if !applied {
		l.log.Debug().Str("user_id", userID).Str("tx_hash", txHash).
			Msg("credit already applied for tx, skipping")
		return nil
	}

	u, err := store.GetUser(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	newStatus := u.SubscriptionStatus
	if newStatus != store.SubscriptionActive {
		newStatus = store.SubscriptionActive
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET paid_turns = paid_turns + ?, subscription_status = ? WHERE id = ?
	`, n, newStatus, userID); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}

	l.log.Info().Str("user_id", userID).Str("tx_hash", txHash).Int("turns_added", n).
		Str("subscription_status", string(newStatus)).Msg("paid turns credited")
	return nil
}

// ResetFree sets free_turns to f0 and stamps the reset anchor to now.
// paid_turns is untouched.
func (l *Ledger) ResetFree(ctx context.Context, userID string, f0 int) error {
	unlock := l.locks.Lock(userID)
	defer unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := l.db.ExecContext(ctx, `
		UPDATE users SET free_turns = ?, last_free_reset = ? WHERE id = ?
	`, f0, now, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrLedgerUnavailable, err)
	}
	if n == 0 {
		return apperr.ErrNotFound
	}

	l.log.Debug().Str("user_id", userID).Int("free_turns", f0).Msg("free turns reset")
	return nil
}

// keyedMutex hands out a per-key lock from a growing, never-shrinking pool.
// Good enough for a user population that fits in memory; entries are
// cheap (a sync.Mutex) and are never removed.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
