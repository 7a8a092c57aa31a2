package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vanloc1808/arcana-entitlement/pkg/logging"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
	"github.com/vanloc1808/arcana-entitlement/pkg/tasks"
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

func newTestTaskServer(t *testing.T) (*Server, *store.DB, *tasks.Manager) {
	t.Helper()
	db := openTestStore(t)
	tm := tasks.New(db, logging.New("error"))
	tm.RegisterHandler("noop", func(ctx context.Context, payload string) (string, error) { return "ok", nil })
	return &Server{db: db, tasks: tm, log: logging.New("error")}, db, tm
}

func withUser(r *http.Request, u *store.User) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userCtxKey, u))
}

func TestTaskStatusHandlerRejectsNonOwnerNonAdmin(t *testing.T) {
	s, db, tm := newTestTaskServer(t)
	ctx := context.Background()

	owner, err := store.CreateUser(ctx, db, "owner", 0)
	require.NoError(t, err)
	other, err := store.CreateUser(ctx, db, "other", 0)
	require.NoError(t, err)

	task, err := tm.Enqueue(ctx, "noop", nil, owner.ID, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/tasks/status/"+task.ID, nil)
	req = withUser(req, other)
	w := httptest.NewRecorder()
	s.TaskStatusHandler(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskStatusHandlerAllowsOwner(t *testing.T) {
	s, db, tm := newTestTaskServer(t)
	ctx := context.Background()

	owner, err := store.CreateUser(ctx, db, "owner2", 0)
	require.NoError(t, err)

	task, err := tm.Enqueue(ctx, "noop", nil, owner.ID, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/tasks/status/"+task.ID, nil)
	req = withUser(req, owner)
	w := httptest.NewRecorder()
	s.TaskStatusHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestTaskStatusHandlerAllowsAdminForAnyUsersTask(t *testing.T) {
	s, db, tm := newTestTaskServer(t)
	ctx := context.Background()

	owner, err := store.CreateUser(ctx, db, "owner3", 0)
	require.NoError(t, err)
	admin := &store.User{ID: "admin-does-not-own-task", IsAdmin: true}

	task, err := tm.Enqueue(ctx, "noop", nil, owner.ID, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/tasks/status/"+task.ID, nil)
	req = withUser(req, admin)
	w := httptest.NewRecorder()
	s.TaskStatusHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestTaskCancelHandlerRejectsNonOwnerNonAdmin(t *testing.T) {
	s, db, tm := newTestTaskServer(t)
	ctx := context.Background()

	owner, err := store.CreateUser(ctx, db, "owner4", 0)
	require.NoError(t, err)
	other, err := store.CreateUser(ctx, db, "other2", 0)
	require.NoError(t, err)

	task, err := tm.Enqueue(ctx, "noop", nil, owner.ID, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/tasks/cancel/"+task.ID, nil)
	req = withUser(req, other)
	w := httptest.NewRecorder()
	s.TaskCancelHandler(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)

	st, err := tm.Status(ctx, task.ID)
	require.NoError(t, err)
	require.NotEqual(t, store.TaskRevoked, st.State)
}

func TestTaskCancelHandlerAllowsOwner(t *testing.T) {
	s, db, tm := newTestTaskServer(t)
	ctx := context.Background()

	owner, err := store.CreateUser(ctx, db, "owner5", 0)
	require.NoError(t, err)

	task, err := tm.Enqueue(ctx, "noop", nil, owner.ID, false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/tasks/cancel/"+task.ID, nil)
	req = withUser(req, owner)
	w := httptest.NewRecorder()
	s.TaskCancelHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
