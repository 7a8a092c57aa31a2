package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
)

// TaskState mirrors Celery's task lifecycle: Pending -> Started -> Success
// or Failure, with Revoked reachable from Pending or Started via cancel.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskStarted TaskState = "started"
	TaskSuccess TaskState = "success"
	TaskFailure TaskState = "failure"
	TaskRevoked TaskState = "revoked"
)

// Queue names, matching the email/notifications split from the original
// celery_app.py task_routes table.
const (
	QueueEmail         = "email"
	QueueNotifications = "notifications"
)

// Task is one unit of background work: an email send, a reminder fan-out,
// a scheduled reset trigger, or a cleanup sweep.
type Task struct {
	ID        string
	Kind      string
	Queue     string
	State     TaskState
	Payload   string
	Result    *string
	Error     *string
	Attempts  int
	CreatedBy *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnqueueTask inserts a new task in the Pending state.
func EnqueueTask(ctx context.Context, db *sql.DB, kind, queue, payload string, createdBy *string) (*Task, error) {
	t := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Queue:     queue,
		State:     TaskPending,
		Payload:   payload,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, queue, state, payload, created_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.Kind, t.Queue, t.State, t.Payload, t.CreatedBy)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask loads a task by id.
func GetTask(ctx context.Context, db *sql.DB, id string) (*Task, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, kind, queue, state, payload, result, error, attempts, created_by, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// StartTask flips Pending to Started and bumps the attempt counter. Guarded
// so a cancel racing with a worker pickup can't be silently overwritten.
func StartTask(ctx context.Context, db *sql.DB, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, attempts = attempts + 1, updated_at = datetime('now')
		WHERE id = ? AND state = ?
	`, TaskStarted, id, TaskPending)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// FinishTask records a terminal Success or Failure outcome.
func FinishTask(ctx context.Context, db *sql.DB, id string, state TaskState, result, taskErr *string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, result = ?, error = ?, updated_at = datetime('now')
		WHERE id = ? AND state = ?
	`, state, result, taskErr, id, TaskStarted)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// CancelTask revokes a task still in Pending or Started. Matches Celery's
// revoke semantics: a task that already finished cannot be cancelled.
func CancelTask(ctx context.Context, db *sql.DB, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, updated_at = datetime('now')
		WHERE id = ? AND state IN (?, ?)
	`, TaskRevoked, id, TaskPending, TaskStarted)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// ActiveTasks lists every task currently Pending or Started, newest first.
func ActiveTasks(ctx context.Context, db *sql.DB) ([]*Task, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, queue, state, payload, result, error, attempts, created_by, created_at, updated_at
		FROM tasks WHERE state IN (?, ?) ORDER BY created_at DESC
	`, TaskPending, TaskStarted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TasksCreatedBy lists every task a given user enqueued, for audit.
func TasksCreatedBy(ctx context.Context, db *sql.DB, createdBy string) ([]*Task, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, queue, state, payload, result, error, attempts, created_by, created_at, updated_at
		FROM tasks WHERE created_by = ? ORDER BY created_at DESC
	`, createdBy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// WorkerQueueStats is a coarse per-queue snapshot, standing in for the
// Celery worker inspector's active/reserved counts.
type WorkerQueueStats struct {
	Queue   string
	Pending int
	Started int
}

// WorkerStats aggregates active task counts by queue.
func WorkerStats(ctx context.Context, db *sql.DB) ([]WorkerQueueStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT queue,
		       SUM(CASE WHEN state = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = ? THEN 1 ELSE 0 END)
		FROM tasks
		WHERE state IN (?, ?)
		GROUP BY queue
	`, TaskPending, TaskStarted, TaskPending, TaskStarted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerQueueStats
	for rows.Next() {
		var s WorkerQueueStats
		if err := rows.Scan(&s.Queue, &s.Pending, &s.Started); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CleanupOldTasks revokes nothing; it deletes terminal tasks older than
// olderThan, mirroring the original cleanup_old_tasks maintenance job.
func CleanupOldTasks(ctx context.Context, db *sql.DB, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM tasks WHERE state IN (?, ?, ?) AND created_at < ?
	`, TaskSuccess, TaskFailure, TaskRevoked, olderThan.Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanTask(row *sql.Row) (*Task, error) {
	var (
		t         Task
		result    sql.NullString
		taskErr   sql.NullString
		createdBy sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&t.ID, &t.Kind, &t.Queue, &t.State, &t.Payload, &result, &taskErr, &t.Attempts, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	hydrateTask(&t, result, taskErr, createdBy, createdAt, updatedAt)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var (
			t         Task
			result    sql.NullString
			taskErr   sql.NullString
			createdBy sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.Kind, &t.Queue, &t.State, &t.Payload, &result, &taskErr, &t.Attempts, &createdBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		hydrateTask(&t, result, taskErr, createdBy, createdAt, updatedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func hydrateTask(t *Task, result, taskErr, createdBy sql.NullString, createdAt, updatedAt string) {
	if result.Valid {
		t.Result = &result.String
	}
	if taskErr.Valid {
		t.Error = &taskErr.String
	}
	if createdBy.Valid {
		t.CreatedBy = &createdBy.String
	}
	if ts, err := time.Parse(timeLayout, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(timeLayout, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
}
