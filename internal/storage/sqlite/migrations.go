package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
    id               TEXT PRIMARY KEY,
    request_id       TEXT NOT NULL,
    caller           TEXT NOT NULL,
    language         TEXT NOT NULL,
    code             TEXT NOT NULL,
    stdout           BLOB,
    stderr           BLOB,
    stdout_truncated INTEGER NOT NULL DEFAULT 0,
    stderr_truncated INTEGER NOT NULL DEFAULT 0,
    status_kind      TEXT NOT NULL
                     CHECK(status_kind IN ('exited','timeout','signal','spawn_error')),
    exit_code        INTEGER NOT NULL DEFAULT -1,
    signal           INTEGER NOT NULL DEFAULT 0,
    duration_ns      INTEGER NOT NULL DEFAULT 0,
    message          TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_caller_created ON submissions(caller, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_submissions_request ON submissions(request_id);
`

func runMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Fresh database.
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	if _, err := db.Exec(`DELETE FROM schema_version`); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}
