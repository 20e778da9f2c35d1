// Package store is the sole authority of persistent state (spec §4.1). All
// mutations funnel through the typed operations on Store, each using a
// short, serializable transaction. Schema and migrations are grounded on
// the teacher's internal/db/sqlite.go: pure-Go SQLite via modernc.org/sqlite,
// WAL mode, a migrations table applied in version order at startup.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL connection pool backing the Store.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the SQLite-compatible store file described in
// spec §6 ("a single SQLite-compatible store file in a server-owned
// directory, plus a migrations table") and runs pending migrations.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// A single writer connection keeps transactions (ClaimTicket et
	// al.) from racing each other inside this
	// process; SQLite itself still serializes writers across processes.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{DB: sqlDB, path: dbPath}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, migration1Projects},
	{2, migration2WorkerTypes},
	{3, migration3Tickets},
	{4, migration4Dependencies},
	{5, migration5CommentsHistory},
	{6, migration6Workers},
	{7, migration7Events},
}

const migration1Projects = `
CREATE TABLE IF NOT EXISTS projects (
    id              TEXT PRIMARY KEY,
    repository_name TEXT NOT NULL UNIQUE,
    path            TEXT NOT NULL,
    project_prefix  TEXT NOT NULL UNIQUE,
    rules           TEXT,
    patterns        TEXT,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

const migration2WorkerTypes = `
CREATE TABLE IF NOT EXISTS worker_types (
    id            TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    system_prompt TEXT NOT NULL,
    task_template TEXT,
    created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (project_id, name)
);
`

const migration3Tickets = `
CREATE TABLE IF NOT EXISTS tickets (
    id                  TEXT PRIMARY KEY,
    project_id          TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    title               TEXT NOT NULL,
    description         TEXT,
    ticket_type         TEXT NOT NULL DEFAULT 'task',
    priority            TEXT NOT NULL DEFAULT 'medium',
    current_stage       TEXT NOT NULL,
    execution_plan      TEXT NOT NULL, -- JSON array of stage names
    state               TEXT NOT NULL DEFAULT 'open',
    dependency_status   TEXT NOT NULL DEFAULT 'ready',
    parent_ticket_id    TEXT REFERENCES tickets(id),
    closed_reason       TEXT,
    parse_failure_count INTEGER NOT NULL DEFAULT 0,
    respawn_count       INTEGER NOT NULL DEFAULT 0,
    created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tickets_dispatch ON tickets(project_id, state, current_stage);
CREATE INDEX IF NOT EXISTS idx_tickets_parent ON tickets(parent_ticket_id);
`

const migration4Dependencies = `
CREATE TABLE IF NOT EXISTS ticket_dependencies (
    child_ticket_id  TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    parent_ticket_id TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (child_ticket_id, parent_ticket_id)
);

CREATE INDEX IF NOT EXISTS idx_deps_parent ON ticket_dependencies(parent_ticket_id);
`

const migration5CommentsHistory = `
CREATE TABLE IF NOT EXISTS comments (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id   TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    author      TEXT NOT NULL,
    stage       TEXT NOT NULL,
    body        TEXT NOT NULL,
    outcome_raw TEXT,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_comments_ticket ON comments(ticket_id);

CREATE TABLE IF NOT EXISTS ticket_stage_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id  TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    stage      TEXT NOT NULL,
    entered_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_stage_history_ticket ON ticket_stage_history(ticket_id);
`

const migration6Workers = `
CREATE TABLE IF NOT EXISTS workers (
    id         TEXT PRIMARY KEY,
    ticket_id  TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    stage      TEXT NOT NULL,
    pid        INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    ended_at   DATETIME,
    status     TEXT NOT NULL DEFAULT 'running',
    output     TEXT,
    error      TEXT
);

CREATE INDEX IF NOT EXISTS idx_workers_ticket ON workers(ticket_id);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
`

const migration7Events = `
CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    type       TEXT NOT NULL,
    project_id TEXT,
    ticket_id  TEXT,
    worker_id  TEXT,
    data       TEXT,
    timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP,
    processed  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_processed ON events(processed, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.DB.Close() }
