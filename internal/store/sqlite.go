package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteSchemaSQL declares the job/task/audit tables in SQLite's own
// column types; postgresSchemaSQL declares the equivalent for Postgres.
const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	intent_label TEXT NOT NULL,
	params TEXT DEFAULT '{}',
	status TEXT NOT NULL,
	workflow_mode TEXT DEFAULT '',
	reasoning TEXT DEFAULT '',
	retry_count INTEGER DEFAULT 0,
	max_retries INTEGER DEFAULT 0,
	error_code TEXT DEFAULT '',
	error_msg TEXT DEFAULT '',
	result TEXT DEFAULT '{}',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT DEFAULT '',
	text TEXT DEFAULT '',
	payload TEXT DEFAULT '{}',
	timeout_sec INTEGER DEFAULT 0,
	depends_on TEXT DEFAULT '[]',
	status TEXT NOT NULL,
	result TEXT DEFAULT '{}',
	error_code TEXT DEFAULT '',
	error_msg TEXT DEFAULT '',
	attempt INTEGER DEFAULT 0,
	retry_limit INTEGER DEFAULT 0,
	agent_type TEXT DEFAULT '',
	PRIMARY KEY (job_id, id),
	FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	action TEXT NOT NULL,
	status TEXT DEFAULT '',
	detail TEXT DEFAULT '{}',
	evidence_ref TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_audit_job_id ON audit_entries(job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store. It
// splits a one-connection writer pool from a multi-connection reader
// pool over WAL, the same split internal/db.Pool documents in the
// teacher: a single writer avoids SQLITE_BUSY on concurrent INSERT/
// UPDATE, while readers can run off the WAL snapshot concurrently with
// it.
func NewSQLiteStore(dbPath string) (*sqlStore, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"

	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	reader, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if _, err := writer.Exec(sqliteSchemaSQL); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &sqlStore{writer: writer, reader: reader}, nil
}
