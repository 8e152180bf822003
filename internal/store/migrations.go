package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order. The database's PRAGMA user_version
// records how many have run, so a step is never repeated. Append only.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			request_id         TEXT NOT NULL DEFAULT '',
			request            TEXT NOT NULL DEFAULT '{}',
			state              TEXT NOT NULL DEFAULT 'PENDING',
			endpoint_address   TEXT NOT NULL DEFAULT '',
			endpoint_slot      TEXT NOT NULL DEFAULT '',
			termination_reason TEXT NOT NULL DEFAULT '',
			detail             TEXT NOT NULL DEFAULT '',
			preemptions        INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			last_observed_at   TEXT,
			running_since      TEXT,
			closed_at          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_request_id ON sessions(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
	},
	{
		// One row per request id whose scheduler record may still exist.
		// seq orders obligations by insertion.
		`CREATE TABLE IF NOT EXISTS removal_obligations (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	},
	{
		`ALTER TABLE sessions ADD COLUMN query_failures INTEGER NOT NULL DEFAULT 0`,
	},
	{
		// Owner lock id of the process that recorded the marker.
		`ALTER TABLE removal_obligations ADD COLUMN owner TEXT NOT NULL DEFAULT ''`,
	},
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate brings db up to len(migrations). Each step runs in its own
// transaction together with the version bump.
func migrate(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("state database schema v%d is newer than this cui (v%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", v+1, err)
			}
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}
