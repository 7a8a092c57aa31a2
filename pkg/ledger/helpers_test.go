package ledger

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

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
