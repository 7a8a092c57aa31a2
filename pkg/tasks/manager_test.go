package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
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

func TestEnqueueAdminOnlyKindRejectsNonAdmin(t *testing.T) {
	db := openTestStore(t)
	m := New(db, logging.New("error"))
	m.RegisterHandler("reset_monthly_free_turns", func(ctx context.Context, payload string) (string, error) {
		return "ok", nil
	})

	_, err := m.Enqueue(context.Background(), "reset_monthly_free_turns", nil, "usr_1", false)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	task, err := m.Enqueue(context.Background(), "reset_monthly_free_turns", nil, "usr_1", true)
	require.NoError(t, err)
	require.Equal(t, store.QueueNotifications, task.Queue)
}

func TestEnqueueUnknownKindIsValidationError(t *testing.T) {
	db := openTestStore(t)
	m := New(db, logging.New("error"))

	_, err := m.Enqueue(context.Background(), "send_carrier_pigeon", nil, "usr_1", true)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEnqueueRoutesEmailKindsToEmailQueue(t *testing.T) {
	db := openTestStore(t)
	m := New(db, logging.New("error"))
	m.RegisterHandler("send_welcome_email", func(ctx context.Context, payload string) (string, error) {
		return "sent", nil
	})

	task, err := m.Enqueue(context.Background(), "send_welcome_email", map[string]string{"to": "usr_1"}, "usr_1", false)
	require.NoError(t, err)
	require.Equal(t, store.QueueEmail, task.Queue)
}

func TestWorkerProcessesTaskToSuccess(t *testing.T) {
	db := openTestStore(t)
	m := New(db, logging.New("error"))

	done := make(chan struct{})
	m.RegisterHandler("send_system_notification", func(ctx context.Context, payload string) (string, error) {
		close(done)
		return "delivered", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 2)
	defer m.Stop()

	task, err := m.Enqueue(ctx, "send_system_notification", map[string]string{"msg": "hi"}, "admin", true)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		got, err := m.Status(ctx, task.ID)
		return err == nil && got.State == store.TaskSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelPendingTaskBeforeItStarts(t *testing.T) {
	db := openTestStore(t)
	m := New(db, logging.New("error"))
	m.RegisterHandler("send_reading_reminder", func(ctx context.Context, payload string) (string, error) {
		return "sent", nil
	})

	// No worker pool started: the task stays Pending until cancelled.
	task, err := m.Enqueue(context.Background(), "send_reading_reminder", nil, "usr_1", false)
	require.NoError(t, err)

	ok, err := m.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := m.Status(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRevoked, got.State)
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	db := openTestStore(t)
	m := New(db, logging.New("error"))

	ok, err := m.Cancel(context.Background(), "tsk_does_not_exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorkerStatsAggregatesByQueue(t *testing.T) {
	db := openTestStore(t)
	m := New(db, logging.New("error"))
	m.RegisterHandler("send_welcome_email", func(ctx context.Context, payload string) (string, error) { return "ok", nil })
	m.RegisterHandler("send_system_notification", func(ctx context.Context, payload string) (string, error) { return "ok", nil })

	_, err := m.Enqueue(context.Background(), "send_welcome_email", nil, "usr_1", false)
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), "send_system_notification", nil, "admin", true)
	require.NoError(t, err)

	stats, err := m.WorkerStats(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, stats)
}
