// Package gate implements the Admission Gate (C5): the single choke point
// every billable operation passes through before it is allowed to run.
package gate

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
	"github.com/vanloc1808/arcana-entitlement/pkg/ledger"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

// Decision is the Gate's verdict. Proceed is true on success; Snapshot
// always reflects the user's state at decision time so a Reject can be
// rendered straight into a client-facing payload.
type Decision struct {
	Proceed        bool
	RemainingFree  int
	RemainingPaid  int
	RemainingTotal int // ledger.UnlimitedTurns for specialized premium
}

// Gate wraps a Ledger with the specialized-premium bypass policy.
type Gate struct {
	ledger *ledger.Ledger
	log    zerolog.Logger
}

// New builds a Gate over the given Ledger.
func New(lg *ledger.Ledger, log zerolog.Logger) *Gate {
	return &Gate{ledger: lg, log: log.With().Str("component", "admission_gate").Logger()}
}

// Admit runs the C5 procedure: debit the ledger; on InsufficientTurns,
// check the specialized-premium bypass before rejecting. auditContext
// names the billable operation ("reading", "chat_reading") for logging.
func (g *Gate) Admit(ctx context.Context, user *store.User, auditContext string) (*Decision, error) {
	result, err := g.ledger.Debit(ctx, user.ID, auditContext)
	if err == nil {
		return &Decision{
			Proceed:        true,
			RemainingFree:  result.RemainingFree,
			RemainingPaid:  result.RemainingPaid,
			RemainingTotal: result.RemainingTotal,
		}, nil
	}

	if !errors.Is(err, apperr.ErrInsufficientTurns) {
		return nil, err
	}

	// Defensive re-check: the Ledger itself never returns
	// InsufficientTurns for a specialized premium user, but the Gate
	// checks again so this bypass can never silently fail a premium user
	// even if the ledger's own bypass logic regresses.
	if user.IsSpecializedPremium {
		g.log.Warn().Str("user_id", user.ID).Str("context", auditContext).
			Msg("ledger reported insufficient turns for specialized premium user; bypassing at gate")
		return &Decision{Proceed: true, RemainingTotal: ledger.UnlimitedTurns}, nil
	}

	turns, terr := g.ledger.EffectiveTurns(ctx, user.ID)
	if terr != nil {
		return nil, terr
	}
	return &Decision{
		Proceed:        false,
		RemainingFree:  user.FreeTurns,
		RemainingPaid:  user.PaidTurns,
		RemainingTotal: turns,
	}, apperr.ErrInsufficientTurns
}
