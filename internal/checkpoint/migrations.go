package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Migration is one versioned schema change with its rollback.
type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS checkpoints (
	cell TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	tool_flipped INTEGER NOT NULL DEFAULT 0,
	picks INTEGER NOT NULL CHECK(picks >= 0),
	loads INTEGER NOT NULL CHECK(loads >= 0),
	unloads INTEGER NOT NULL CHECK(unloads >= 0),
	step_counter INTEGER NOT NULL CHECK(step_counter >= 0),
	cycles INTEGER NOT NULL CHECK(cycles >= 0),
	outputs_json TEXT NOT NULL DEFAULT '[]',
	saved_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cycle_events (
	event_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	cell TEXT NOT NULL,
	event_time TEXT NOT NULL,
	phase TEXT NOT NULL,
	picks INTEGER NOT NULL,
	loads INTEGER NOT NULL,
	unloads INTEGER NOT NULL,
	step_counter INTEGER NOT NULL,
	cycles INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS cycle_events_run_time
ON cycle_events(run_id, event_time);
`,
		DownSQL: `
DROP INDEX IF EXISTS cycle_events_run_time;
DROP TABLE IF EXISTS cycle_events;
DROP TABLE IF EXISTS checkpoints;
DELETE FROM schema_migrations WHERE version = 1;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE checkpoints ADD COLUMN fault_kind TEXT NOT NULL DEFAULT '';
ALTER TABLE checkpoints ADD COLUMN fault_message TEXT NOT NULL DEFAULT '';
`,
		DownSQL: `
ALTER TABLE checkpoints DROP COLUMN fault_message;
ALTER TABLE checkpoints DROP COLUMN fault_kind;
DELETE FROM schema_migrations WHERE version = 2;
`,
	},
}

// ApplyMigrations runs every migration not yet recorded in schema_migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll reverts every applied migration, newest first.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
