package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vanloc1808/arcana-entitlement/pkg/ledger"
	"github.com/vanloc1808/arcana-entitlement/pkg/logging"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "test.db"))
	db, err := store.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunResetsEligibleUsersOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	lg := ledger.New(db, logging.New("error"))
	sched := New(db, lg, 3, logging.New("error"))

	stale, err := store.CreateUser(ctx, db, "stale", 3)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE users SET free_turns = 0, last_free_reset = ? WHERE id = ?`,
		time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339), stale.ID)
	require.NoError(t, err)

	fresh, err := store.CreateUser(ctx, db, "fresh", 3)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE users SET free_turns = 0 WHERE id = ?`, fresh.ID)
	require.NoError(t, err)

	now := time.Date(2026, 7, 15, 0, 1, 0, 0, time.UTC)
	summary, err := sched.Run(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Eligible)
	require.Equal(t, 1, summary.Reset)
	require.Equal(t, 0, summary.Failed)

	loadedStale, err := store.GetUser(ctx, db, stale.ID)
	require.NoError(t, err)
	require.Equal(t, 3, loadedStale.FreeTurns)

	loadedFresh, err := store.GetUser(ctx, db, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, 0, loadedFresh.FreeTurns)
}

func TestRunIsIdempotentWithinSameMonth(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	lg := ledger.New(db, logging.New("error"))
	sched := New(db, lg, 3, logging.New("error"))

	u, err := store.CreateUser(ctx, db, "monthly", 3)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE users SET free_turns = 0, last_free_reset = NULL WHERE id = ?`, u.ID)
	require.NoError(t, err)

	now := time.Date(2026, 7, 1, 0, 1, 0, 0, time.UTC)
	first, err := sched.Run(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, first.Reset)

	// A second run the same day/month finds nobody eligible: the user's
	// last_free_reset now falls inside the current month.
	second, err := sched.Run(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, second.Eligible)
	require.Equal(t, 0, second.Reset)
}

func TestRunPersistsSummaryToResetRuns(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	lg := ledger.New(db, logging.New("error"))
	sched := New(db, lg, 3, logging.New("error"))

	_, err := store.CreateUser(ctx, db, "someone", 3)
	require.NoError(t, err)

	summary, err := sched.Run(ctx, time.Date(2026, 7, 1, 0, 1, 0, 0, time.UTC))
	require.NoError(t, err)

	var count int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reset_runs WHERE id = ?`, summary.RunID)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}
