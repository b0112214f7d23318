package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaSQL = `
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
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
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
	PRIMARY KEY (job_id, id)
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	action TEXT NOT NULL,
	status TEXT DEFAULT '',
	detail TEXT DEFAULT '{}',
	evidence_ref TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id);
CREATE INDEX IF NOT EXISTS idx_audit_job_id ON audit_entries(job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// NewPostgresStore opens a Postgres-backed store using sqlx over the
// pgx/v5/stdlib driver. Unlike SQLite, pgx pools connections internally,
// so the writer and reader here share one handle — the same "Writer and
// Reader return the same *sqlx.DB" arrangement internal/db.Pool uses for
// Postgres.
func NewPostgresStore(dsn string, maxConns, minConns int) (*sqlStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if _, err := db.Exec(postgresSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &sqlStore{writer: db, reader: db}, nil
}
