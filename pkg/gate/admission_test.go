package gate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
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

func TestAdmitProceedsWhenTurnsAvailable(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	lg := ledger.New(db, logging.New("error"))
	g := New(lg, logging.New("error"))

	u, err := store.CreateUser(ctx, db, "reader", 3)
	require.NoError(t, err)

	decision, err := g.Admit(ctx, u, "reading")
	require.NoError(t, err)
	require.True(t, decision.Proceed)
	require.Equal(t, 2, decision.RemainingFree)
}

func TestAdmitRejectsWhenOutOfTurns(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	lg := ledger.New(db, logging.New("error"))
	g := New(lg, logging.New("error"))

	u, err := store.CreateUser(ctx, db, "broke-reader", 0)
	require.NoError(t, err)

	decision, err := g.Admit(ctx, u, "reading")
	require.True(t, errors.Is(err, apperr.ErrInsufficientTurns))
	require.False(t, decision.Proceed)
	require.Equal(t, 0, decision.RemainingTotal)
}

func TestAdmitBypassesForSpecializedPremium(t *testing.T) {
	ctx := context.Background()
	db := openTestStore(t)
	lg := ledger.New(db, logging.New("error"))
	g := New(lg, logging.New("error"))

	u, err := store.CreateUser(ctx, db, "vip-reader", 0)
	require.NoError(t, err)
	require.NoError(t, store.SetSpecializedPremium(ctx, db, u.ID, true))
	u.IsSpecializedPremium = true

	decision, err := g.Admit(ctx, u, "reading")
	require.NoError(t, err)
	require.True(t, decision.Proceed)
	require.Equal(t, ledger.UnlimitedTurns, decision.RemainingTotal)
}
