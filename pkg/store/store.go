// Package store owns the sqlite-backed durable state of the entitlement
// core: users (turn counters), payment records, and background tasks.
// It generalizes the teacher's pkg/db package (WAL pragmas, small
// connection pool, guarded UPDATE statements for compare-and-swap) to the
// entitlement schema.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the shared handle type, re-exported so callers don't need to
// import database/sql directly for the common case.
type DB = sql.DB

// Open opens the sqlite database at dsn, hardens it for concurrent access
// (WAL journal, busy timeout, foreign keys) and tunes the connection pool.
// SQLite still serializes writers; this buys correctness for the Ledger's
// guarded UPDATE statements without requiring a separate database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// EnsureSchema creates every table and index the entitlement core owns, if
// they don't already exist. Safe to call on every startup.
func EnsureSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  handle TEXT NOT NULL,
  free_turns INTEGER NOT NULL DEFAULT 0 CHECK (free_turns >= 0),
  paid_turns INTEGER NOT NULL DEFAULT 0 CHECK (paid_turns >= 0),
  last_free_reset TEXT,
  subscription_status TEXT NOT NULL DEFAULT 'none',
  is_specialized_premium INTEGER NOT NULL DEFAULT 0,
  is_admin INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS payment_records (
  tx_hash TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  sender_address TEXT NOT NULL,
  amount TEXT NOT NULL,
  product_variant TEXT NOT NULL,
  turns_credited INTEGER NOT NULL,
  block_number INTEGER,
  status TEXT NOT NULL,
  rejection_reason TEXT,
  credited_at TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now')),
  FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_payment_records_user ON payment_records(user_id);

CREATE TABLE IF NOT EXISTS ledger_credits (
  tx_hash TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  turns INTEGER NOT NULL,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  queue TEXT NOT NULL,
  state TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  result TEXT,
  error TEXT,
  attempts INTEGER NOT NULL DEFAULT 0,
  created_by TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_created_by ON tasks(created_by);

CREATE TABLE IF NOT EXISTS reset_runs (
  id TEXT PRIMARY KEY,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  eligible INTEGER NOT NULL DEFAULT 0,
  reset_count INTEGER NOT NULL DEFAULT 0,
  skipped INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0
);
`
	_, err := db.Exec(ddl)
	return err
}
