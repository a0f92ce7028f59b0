// Package database is the single source of truth for the virtual item
// tree, the import queue and the job history. All access goes through the
// repositories; the queue worker guarantees writer non-overlap for job
// transactions.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection and exposes the repositories.
type DB struct {
	conn    *sql.DB
	Items   *ItemRepository
	Queue   *QueueRepository
	History *HistoryRepository
}

// Open connects to the database at path and applies migrations. The
// connection is tuned for a read-heavy WebDAV serving workload.
func Open(path string) (*DB, error) {
	return open(fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_foreign_keys=on", path), 15)
}

// OpenInMemory opens a fresh in-memory database, used by tests. A single
// connection keeps every query on the same memory store.
func OpenInMemory() (*DB, error) {
	return open(":memory:?_foreign_keys=on", 1)
}

func open(connString string, maxConns int) (*DB, error) {
	conn, err := sql.Open("sqlite3", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns)
	conn.SetConnMaxIdleTime(45 * time.Minute)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &DB{
		conn:    conn,
		Items:   NewItemRepository(conn),
		Queue:   NewQueueRepository(conn),
		History: NewHistoryRepository(conn),
	}, nil
}

// Conn exposes the raw connection for transaction scoping.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Querier is satisfied by both *sql.DB and *sql.Tx so repositories work
// inside and outside transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS virtual_items (
		id TEXT PRIMARY KEY,
		parent_id TEXT REFERENCES virtual_items(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		symlink_target TEXT,
		created_at DATETIME NOT NULL DEFAULT (datetime('now')),
		release_date DATETIME,
		last_health_check_at DATETIME,
		UNIQUE(parent_id, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_virtual_items_parent ON virtual_items(parent_id)`,
	`CREATE TABLE IF NOT EXISTS file_meta (
		item_id TEXT PRIMARY KEY REFERENCES virtual_items(id) ON DELETE CASCADE,
		segments TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS multipart_meta (
		item_id TEXT PRIMARY KEY REFERENCES virtual_items(id) ON DELETE CASCADE,
		aes_params TEXT,
		parts TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS import_queue (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		job_name TEXT NOT NULL,
		category TEXT NOT NULL,
		nzb_contents BLOB NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		pause_until DATETIME,
		total_segment_bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_import_queue_order ON import_queue(priority DESC, created_at ASC)`,
	`CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL,
		total_segment_bytes INTEGER NOT NULL DEFAULT 0,
		download_time_seconds INTEGER NOT NULL DEFAULT 0,
		fail_message TEXT,
		download_dir_id TEXT,
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`,
	`INSERT OR IGNORE INTO virtual_items (id, parent_id, name, type)
		VALUES ('` + RootID + `', NULL, '', 'dir')`,
	`INSERT OR IGNORE INTO virtual_items (id, parent_id, name, type)
		VALUES ('` + ContentDirID + `', '` + RootID + `', 'content', 'dir')`,
	`INSERT OR IGNORE INTO virtual_items (id, parent_id, name, type)
		VALUES ('` + SymlinksDirID + `', '` + RootID + `', 'symlinks', 'dir')`,
	`INSERT OR IGNORE INTO virtual_items (id, parent_id, name, type)
		VALUES ('` + IdsDirID + `', '` + RootID + `', '.ids', 'dir')`,
}

func migrate(conn *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
