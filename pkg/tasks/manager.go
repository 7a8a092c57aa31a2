// Package tasks implements the Task Manager (C7): background work queued
// by kind, routed to one of two queues, executed by a worker pool with a
// fixed retry policy.
//
// The worker pool follows the teacher pack's async-write-queue shape (a
// buffered channel of work items drained by a fixed set of goroutines with
// exponential backoff between retries, from Kelpejol's asyncWriteWorker)
// generalized from "retry a database write" to "retry an arbitrary task
// handler", and fronted by the durable tasks table so status/cancel/active
// survive a process restart instead of living only in memory.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
	"github.com/vanloc1808/arcana-entitlement/pkg/store"
)

// Retry policy constants, carried over from the original Celery
// configuration: three attempts, 60 second base delay, a 30 minute hard
// limit and a 25 minute soft limit per attempt.
const (
	MaxAttempts    = 3
	BaseRetryDelay = 60 * time.Second
	HardTimeLimit  = 30 * time.Minute
	SoftTimeLimit  = 25 * time.Minute
)

// AdminOnlyKinds lists the task kinds only an administrator may enqueue.
var AdminOnlyKinds = map[string]bool{
	"reset_monthly_free_turns": true,
	"send_system_notification": true,
	"cleanup_tasks":            true,
}

// Handler executes one task's payload and returns a result string or an
// error. Handlers are expected to respect ctx cancellation.
type Handler func(ctx context.Context, payload string) (string, error)

// queueFor routes a task kind to its queue: email kinds go to "email",
// everything else (notifications, resets, cleanup) goes to
// "notifications", mirroring the original task_routes table.
func queueFor(kind string) string {
	switch kind {
	case "send_bulk_email", "send_single_email", "send_welcome_email", "send_reading_reminder":
		return store.QueueEmail
	default:
		return store.QueueNotifications
	}
}

// Manager owns task persistence, routing, and the background worker pool
// that drains queued work.
type Manager struct {
	db       *sql.DB
	log      zerolog.Logger
	handlers map[string]Handler

	queue  chan string // task ids ready to run
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Manager. Call RegisterHandler for every supported kind
// before calling Start.
func New(db *sql.DB, log zerolog.Logger) *Manager {
	return &Manager{
		db:       db,
		log:      log.With().Str("component", "task_manager").Logger(),
		handlers: make(map[string]Handler),
		queue:    make(chan string, 1000),
	}
}

// RegisterHandler binds a kind to the function that executes it.
func (m *Manager) RegisterHandler(kind string, h Handler) {
	m.handlers[kind] = h
}

// Start launches n worker goroutines draining the queue. Call Stop to
// shut them down.
func (m *Manager) Start(ctx context.Context, workers int) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	close(m.queue)
	m.wg.Wait()
}

// Enqueue creates a task and schedules it for execution. isAdmin gates
// AdminOnlyKinds; createdBy is recorded for audit and for inspection
// through CreatedBy.
func (m *Manager) Enqueue(ctx context.Context, kind string, payload any, createdBy string, isAdmin bool) (*store.Task, error) {
	if AdminOnlyKinds[kind] && !isAdmin {
		return nil, apperr.ErrForbidden
	}
	if _, ok := m.handlers[kind]; !ok {
		return nil, fmt.Errorf("%w: unknown task kind %q", apperr.ErrValidation, kind)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}

	t, err := store.EnqueueTask(ctx, m.db, kind, queueFor(kind), string(encoded), &createdBy)
	if err != nil {
		return nil, err
	}

	select {
	case m.queue <- t.ID:
	default:
		m.log.Warn().Str("task_id", t.ID).Msg("task queue full, task stays pending and is not dispatched to a worker")
	}
	return t, nil
}

// Status returns a task's current state, matching the teacher's
// GetOrderHandler lookup-by-id shape.
func (m *Manager) Status(ctx context.Context, taskID string) (*store.Task, error) {
	return store.GetTask(ctx, m.db, taskID)
}

// Cancel revokes a task still pending or in progress.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	err := store.CancelTask(ctx, m.db, taskID)
	if err != nil {
		if err == apperr.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Active lists every in-progress task.
func (m *Manager) Active(ctx context.Context) ([]*store.Task, error) {
	return store.ActiveTasks(ctx, m.db)
}

// WorkerStats reports per-queue pending/started counts, standing in for
// the original Celery worker inspector.
func (m *Manager) WorkerStats(ctx context.Context) ([]store.WorkerQueueStats, error) {
	return store.WorkerStats(ctx, m.db)
}

// CreatedBy lists tasks a given user enqueued. Non-admins may only ever
// query their own id; the Manager itself does not enforce that scoping —
// the HTTP layer does (TaskStatusHandler/TaskCancelHandler's canSeeTask),
// since it owns the notion of "current user".
func (m *Manager) CreatedBy(ctx context.Context, userID string) ([]*store.Task, error) {
	return store.TasksCreatedBy(ctx, m.db, userID)
}

// Cleanup deletes terminal tasks older than olderThan.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	return store.CleanupOldTasks(ctx, m.db, olderThan)
}

func (m *Manager) worker(ctx context.Context, workerID int) {
	defer m.wg.Done()
	logger := m.log.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("task worker started")

	for taskID := range m.queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.runTask(ctx, logger, taskID)
	}
}

func (m *Manager) runTask(ctx context.Context, logger zerolog.Logger, taskID string) {
	t, err := store.GetTask(ctx, m.db, taskID)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to load queued task")
		return
	}
	if t.State != store.TaskPending {
		return // already started, cancelled, or finished
	}

	handler, ok := m.handlers[t.Kind]
	if !ok {
		logger.Error().Str("task_id", taskID).Str("kind", t.Kind).Msg("no handler registered for task kind")
		return
	}

	if err := store.StartTask(ctx, m.db, taskID); err != nil {
		return // lost the race to a cancel or another worker
	}

	backoff := BaseRetryDelay
	var result string
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, HardTimeLimit)
		result, lastErr = handler(runCtx, t.Payload)
		cancel()

		if lastErr == nil {
			break
		}
		logger.Warn().Err(lastErr).Str("task_id", taskID).Int("attempt", attempt).Msg("task attempt failed")
		if attempt < MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
		}
	}

	if lastErr != nil {
		errStr := lastErr.Error()
		if err := store.FinishTask(ctx, m.db, taskID, store.TaskFailure, nil, &errStr); err != nil {
			logger.Error().Err(err).Str("task_id", taskID).Msg("failed to persist task failure")
		}
		return
	}
	if err := store.FinishTask(ctx, m.db, taskID, store.TaskSuccess, &result, nil); err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to persist task success")
	}
}
