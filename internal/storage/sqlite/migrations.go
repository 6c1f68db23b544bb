package sqlite

import "database/sql"

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    runner      TEXT NOT NULL DEFAULT '',
    sandbox     TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL DEFAULT 'completed'
                CHECK(outcome IN ('completed','timeout','capped','failed','cancelled')),
    lines       TEXT NOT NULL DEFAULT '[]',
    code_size   INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    remote_addr TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_runner ON jobs(runner);
CREATE INDEX IF NOT EXISTS idx_jobs_outcome ON jobs(outcome);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);
`

const schemaV2 = `
ALTER TABLE jobs ADD COLUMN subject TEXT NOT NULL DEFAULT '';
`

func runMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty
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

	if current < 2 {
		if _, err := db.Exec(schemaV2); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
