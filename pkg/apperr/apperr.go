// Package apperr defines the typed error taxonomy shared by every component
// of the entitlement core. Components never swallow infrastructure errors;
// they wrap a sentinel from this package and let the caller (ultimately the
// HTTP layer) decide how to project it.
package apperr

import "errors"

// Sentinel errors. Use errors.Is to classify an error returned from the
// core, and fmt.Errorf("...: %w", ErrX) to attach detail when returning one.
var (
	// ErrInsufficientTurns means the user has no free or paid turns left
	// and is not specialized premium. Surfaces as 402.
	ErrInsufficientTurns = errors.New("insufficient turns")

	// ErrLedgerUnavailable means a storage fault occurred while mutating
	// the turn ledger. Retryable by the caller. Surfaces as 5xx.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrRateLimited means the caller's token bucket for an endpoint
	// class is empty. Surfaces as 429.
	ErrRateLimited = errors.New("rate limit exceeded")

	// Chain verification rejections. Not retryable; surface as 200 with
	// success=false on the payment submission endpoint.
	ErrTxNotFound       = errors.New("transaction not found")
	ErrTxNotConfirmed   = errors.New("transaction not confirmed")
	ErrTxWrongRecipient = errors.New("transaction recipient mismatch")
	ErrTxWrongSender    = errors.New("transaction sender mismatch")
	ErrTxWrongAmount    = errors.New("transaction amount mismatch")

	// ErrDuplicatePayment means the transaction hash was already
	// credited. Surfaces as 200 with success=false, transaction_verified=true.
	ErrDuplicatePayment = errors.New("payment already processed")

	// ErrProviderUnavailable means the chain RPC provider could not be
	// reached or timed out. Retryable. Surfaces as 5xx.
	ErrProviderUnavailable = errors.New("chain provider unavailable")

	// ErrForbidden means an admin-only operation was attempted by a
	// non-admin caller. Surfaces as 403.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation means malformed input. Surfaces as 400.
	ErrValidation = errors.New("validation error")

	// ErrNotFound means the referenced entity (task, user) does not exist.
	ErrNotFound = errors.New("not found")
)
