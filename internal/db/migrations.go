package db

import (
	"context"
	"database/sql"

	"github.com/juju/errors"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prefs (
	namespace TEXT NOT NULL,
	pref_key TEXT NOT NULL,
	value INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY(namespace, pref_key)
);
`,
		DownSQL: `
DROP TABLE IF EXISTS prefs;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS decisions (
	decision_id TEXT PRIMARY KEY,
	trigger_kind TEXT NOT NULL CHECK(trigger_kind IN ('slot_status_changed','setup_wizard_finished')),
	action_kind TEXT NOT NULL,
	action_json TEXT NOT NULL,
	effects_json TEXT,
	branch TEXT NOT NULL,
	error_kind TEXT,
	snapshot_json TEXT,
	decided_at TEXT NOT NULL,
	dispatched_at TEXT,
	dispatch_error TEXT,
	missed_at TEXT
);

CREATE INDEX IF NOT EXISTS decisions_decided_at ON decisions(decided_at);
`,
		DownSQL: `
DROP INDEX IF EXISTS decisions_decided_at;
DROP TABLE IF EXISTS decisions;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return errors.Annotate(err, "create schema_migrations")
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return errors.Annotatef(err, "check migration %d", m.Version)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Annotatef(err, "begin tx for migration %d", m.Version)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return errors.Annotatef(err, "apply migration %d", m.Version)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return errors.Annotatef(err, "record migration %d", m.Version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Annotatef(err, "commit migration %d", m.Version)
		}
	}
	return nil
}

// RollbackAll runs every DownSQL in reverse order. Used by tests and by
// operators wiping a device store.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Annotatef(err, "begin rollback tx %d", m.Version)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return errors.Annotatef(err, "rollback migration %d", m.Version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Annotatef(err, "commit rollback %d", m.Version)
		}
	}
	return nil
}
