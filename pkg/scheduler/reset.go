// Package scheduler implements the Quota Reset Scheduler (C2): the
// monthly free-turn reset, triggered by an external cron anchor
// ("00:01 UTC on the 1st of the month") and executed as a bounded,
// resumable sweep over every eligible user.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vanloc1808/arcana-entitlement/pkg/ledger"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

// Summary is the per-run report persisted to reset_runs.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Eligible   int
	Reset      int
	Skipped    int
	Failed     int
}

// Scheduler runs the monthly reset sweep.
type Scheduler struct {
	db        *sql.DB
	ledger    *ledger.Ledger
	freeTurns int
	log       zerolog.Logger
}

// New builds a Scheduler. freeTurns is F0, the default free-turn grant.
func New(db *sql.DB, lg *ledger.Ledger, freeTurns int, log zerolog.Logger) *Scheduler {
	return &Scheduler{db: db, ledger: lg, freeTurns: freeTurns, log: log.With().Str("component", "quota_reset_scheduler").Logger()}
}

// Run executes one reset sweep anchored at "now". Eligibility is
// calendar-month based: a user resets at most once per run regardless of
// how many month boundaries were missed, which is what makes a manually
// retriggered run safe to run twice in the same month — the second run
// finds nobody eligible.
func (s *Scheduler) Run(ctx context.Context, now time.Time) (*Summary, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	summary := &Summary{RunID: uuid.New().String(), StartedAt: now}

	ids, err := store.UsersEligibleForReset(ctx, s.db, monthStart)
	if err != nil {
		summary.FinishedAt = time.Now().UTC()
		s.persist(ctx, summary)
		return summary, err
	}
	summary.Eligible = len(ids)

	for _, id := range ids {
		if err := s.ledger.ResetFree(ctx, id, s.freeTurns); err != nil {
			summary.Failed++
			s.log.Error().Err(err).Str("user_id", id).Msg("free turn reset failed, will retry next run")
			continue
		}
		summary.Reset++
	}
	summary.Skipped = summary.Eligible - summary.Reset - summary.Failed

	summary.FinishedAt = time.Now().UTC()
	s.log.Info().Str("run_id", summary.RunID).Int("eligible", summary.Eligible).
		Int("reset", summary.Reset).Int("failed", summary.Failed).Msg("quota reset run complete")

	if err := s.persist(ctx, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Scheduler) persist(ctx context.Context, summary *Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reset_runs (id, started_at, finished_at, eligible, reset_count, skipped, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, summary.RunID, summary.StartedAt.Format(time.RFC3339), summary.FinishedAt.Format(time.RFC3339),
		summary.Eligible, summary.Reset, summary.Skipped, summary.Failed)
	return err
}
