package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
)

// PaymentStatus mirrors the payment record state machine: New -> Verifying
// -> Verified -> Credited, with Rejected as the terminal failure state
// reachable from Verifying. Duplicate is never stored on a record; it is
// only reported as an outcome for a tx hash that already has one.
type PaymentStatus string

const (
	PaymentNew       PaymentStatus = "new"
	PaymentVerifying PaymentStatus = "verifying"
	PaymentVerified  PaymentStatus = "verified"
	PaymentCredited  PaymentStatus = "credited"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentDuplicate PaymentStatus = "duplicate"
)

// PaymentRecord is the durable row backing one on-chain payment claim.
// CreditedAt stays nil between Verified and Credited, the window the
// pending-confirmed-credited recovery protocol exists to close.
type PaymentRecord struct {
	TxHash          string
	UserID          string
	SenderAddress   string
	Amount          string
	ProductVariant  string
	TurnsCredited   int
	BlockNumber     *int64
	Status          PaymentStatus
	RejectionReason *string
	CreditedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InsertPendingPayment creates a payment record in the New status ahead of
// verification. Returns apperr.ErrDuplicatePayment if the tx hash was
// already claimed, matching the teacher's unique-constraint-as-dedup
// pattern in pkg/api/orders.go.
func InsertPendingPayment(ctx context.Context, db *sql.DB, p *PaymentRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payment_records (tx_hash, user_id, sender_address, amount, product_variant, turns_credited, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.TxHash, p.UserID, p.SenderAddress, p.Amount, p.ProductVariant, p.TurnsCredited, PaymentNew)
	if err != nil {
		if isUniqueConstraintError(err) {
			return apperr.ErrDuplicatePayment
		}
		return err
	}
	return nil
}

// GetPaymentByHash loads a payment record by its transaction hash.
func GetPaymentByHash(ctx context.Context, db *sql.DB, txHash string) (*PaymentRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT tx_hash, user_id, sender_address, amount, product_variant, turns_credited,
		       block_number, status, rejection_reason, credited_at, created_at, updated_at
		FROM payment_records WHERE tx_hash = ?
	`, txHash)
	return scanPayment(row)
}

// MarkVerifying flips a New record to Verifying. Guarded so only a record
// still in New can make the transition, preventing two verification workers
// from racing on the same hash.
func MarkVerifying(ctx context.Context, db *sql.DB, txHash string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payment_records SET status = ?, updated_at = datetime('now')
		WHERE tx_hash = ? AND status = ?
	`, PaymentVerifying, txHash, PaymentNew)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// MarkVerified flips a Verifying record to Verified and records the
// confirming block number.
func MarkVerified(ctx context.Context, db *sql.DB, txHash string, blockNumber int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payment_records SET status = ?, block_number = ?, updated_at = datetime('now')
		WHERE tx_hash = ? AND status = ?
	`, PaymentVerified, blockNumber, txHash, PaymentVerifying)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// MarkRejected flips a Verifying record to Rejected with a reason. Terminal;
// a rejected record is never retried under the same tx hash.
func MarkRejected(ctx context.Context, db *sql.DB, txHash string, reason string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payment_records SET status = ?, rejection_reason = ?, updated_at = datetime('now')
		WHERE tx_hash = ? AND status = ?
	`, PaymentRejected, reason, txHash, PaymentVerifying)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// MarkCredited closes the pending-confirmed-credited protocol: only a
// Verified record with no credited_at can make this transition, so a crash
// between the ledger credit and this stamp is safe to retry — the
// reconciliation task finds it via PaymentsAwaitingCredit.
func MarkCredited(ctx context.Context, db *sql.DB, txHash string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payment_records SET status = ?, credited_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'), updated_at = datetime('now')
		WHERE tx_hash = ? AND status = ? AND credited_at IS NULL
	`, PaymentCredited, txHash, PaymentVerified)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// PaymentsAwaitingCredit returns Verified records whose credit was never
// stamped: the exact gap the two-step recovery protocol reconciles.
func PaymentsAwaitingCredit(ctx context.Context, db *sql.DB) ([]*PaymentRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tx_hash, user_id, sender_address, amount, product_variant, turns_credited,
		       block_number, status, rejection_reason, credited_at, created_at, updated_at
		FROM payment_records WHERE status = ? AND credited_at IS NULL
	`, PaymentVerified)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentRecord
	for rows.Next() {
		p, err := scanPaymentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertLedgerCredit records that tx_hash's credit has been applied to
// user_id, inside the same transaction as the ledger mutation it guards.
// Returns applied=false (no error) if a row for tx_hash already existed,
// meaning the credit was already applied by an earlier attempt and the
// caller must not mutate the ledger again.
func InsertLedgerCredit(ctx context.Context, q Querier, txHash, userID string, turns int) (applied bool, err error) {
	_, err = q.ExecContext(ctx, `
		INSERT INTO ledger_credits (tx_hash, user_id, turns) VALUES (?, ?, ?)
	`, txHash, userID, turns)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func scanPayment(row *sql.Row) (*PaymentRecord, error) {
	var (
		p               PaymentRecord
		blockNumber     sql.NullInt64
		rejectionReason sql.NullString
		creditedAt      sql.NullString
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(&p.TxHash, &p.UserID, &p.SenderAddress, &p.Amount, &p.ProductVariant, &p.TurnsCredited,
		&blockNumber, &p.Status, &rejectionReason, &creditedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrTxNotFound
		}
		return nil, err
	}
	hydratePayment(&p, blockNumber, rejectionReason, creditedAt, createdAt, updatedAt)
	return &p, nil
}

func scanPaymentRows(rows *sql.Rows) (*PaymentRecord, error) {
	var (
		p               PaymentRecord
		blockNumber     sql.NullInt64
		rejectionReason sql.NullString
		creditedAt      sql.NullString
		createdAt       string
		updatedAt       string
	)
	err := rows.Scan(&p.TxHash, &p.UserID, &p.SenderAddress, &p.Amount, &p.ProductVariant, &p.TurnsCredited,
		&blockNumber, &p.Status, &rejectionReason, &creditedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	hydratePayment(&p, blockNumber, rejectionReason, creditedAt, createdAt, updatedAt)
	return &p, nil
}

func hydratePayment(p *PaymentRecord, blockNumber sql.NullInt64, rejectionReason, creditedAt sql.NullString, createdAt, updatedAt string) {
	if blockNumber.Valid {
		p.BlockNumber = &blockNumber.Int64
	}
	if rejectionReason.Valid {
		p.RejectionReason = &rejectionReason.String
	}
	if creditedAt.Valid {
		if t, err := time.Parse(timeLayout, creditedAt.String); err == nil {
			p.CreditedAt = &t
		}
	}
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(timeLayout, updatedAt); err == nil {
		p.UpdatedAt = t
	}
}

// isUniqueConstraintError matches modernc.org/sqlite's unique-constraint
// error text, the same string-match approach the teacher uses for the
// mattn/go-sqlite3 driver in pkg/api/orders.go.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
