package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vanloc1808/arcana-entitlement/pkg/apperr"
)

// SubscriptionStatus enumerates the lifecycle of a user's paid subscription.
type SubscriptionStatus string

const (
	SubscriptionNone      SubscriptionStatus = "none"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// User is the quota holder. Counters are never negative; LastFreeReset is
// nil until the first reset runs.
type User struct {
	ID                   string
	Handle               string
	FreeTurns            int
	PaidTurns            int
	LastFreeReset        *time.Time
	SubscriptionStatus   SubscriptionStatus
	IsSpecializedPremium bool
	IsAdmin              bool
	CreatedAt            time.Time
}

const timeLayout = time.RFC3339

// CreateUser inserts a new user with the default free-turn grant and a
// fresh reset anchor, per the User lifecycle in the data model.
func CreateUser(ctx context.Context, db *sql.DB, handle string, freeTurnsDefault int) (*User, error) {
	now := time.Now().UTC()
	u := &User{
		ID:                 uuid.New().String(),
		Handle:             handle,
		FreeTurns:          freeTurnsDefault,
		PaidTurns:          0,
		LastFreeReset:      &now,
		SubscriptionStatus: SubscriptionNone,
		CreatedAt:          now,
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, handle, free_turns, paid_turns, last_free_reset, subscription_status, is_specialized_premium, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, u.ID, u.Handle, u.FreeTurns, u.PaidTurns, u.LastFreeReset.Format(timeLayout), u.SubscriptionStatus, u.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser loads a user by id. Returns apperr.ErrNotFound if absent.
func GetUser(ctx context.Context, q Querier, id string) (*User, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, handle, free_turns, paid_turns, last_free_reset, subscription_status,
		       is_specialized_premium, is_admin, created_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u             User
		lastFreeReset sql.NullString
		createdAt     string
	)
	err := row.Scan(&u.ID, &u.Handle, &u.FreeTurns, &u.PaidTurns, &lastFreeReset,
		&u.SubscriptionStatus, &u.IsSpecializedPremium, &u.IsAdmin, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	if lastFreeReset.Valid {
		t, err := time.Parse(timeLayout, lastFreeReset.String)
		if err == nil {
			u.LastFreeReset = &t
		}
	}
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		u.CreatedAt = t
	}
	return &u, nil
}

// SetSpecializedPremium grants or revokes the unlimited-turns bypass flag.
func SetSpecializedPremium(ctx context.Context, db *sql.DB, id string, enabled bool) error {
	res, err := db.ExecContext(ctx, `UPDATE users SET is_specialized_premium = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// UsersEligibleForReset returns the ids of users whose last_free_reset is
// null, or falls in a calendar month strictly before monthStart.
func UsersEligibleForReset(ctx context.Context, db *sql.DB, monthStart time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM users
		WHERE last_free_reset IS NULL OR last_free_reset < ?
	`, monthStart.Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
