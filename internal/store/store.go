// Package store provides the embedded SQLite database backing the
// sync core.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL
// for concurrency support. It holds, per app:
//   - table_definitions: one row per user-defined table (schema/data ETags)
//   - column_definitions: the flat persisted column forest per table
//   - key_value_store: per-table metadata (partition/aspect/key entries)
//   - sync_etags: the per-resource ETag cache
//   - one data table per user-defined table, named by its table id,
//     carrying the admin columns plus the retained user columns
//
// Multi-statement sequences are wrapped in short-lived transactions via
// WithTx; helpers that may run inside a caller's transaction accept an
// Execer so they participate instead of nesting.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Execer is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Functions that take an Execer run inside the caller's transaction
// when handed a *sql.Tx, and autocommit otherwise.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the embedded SQLite connection for one app.
type DB struct {
	conn    *sql.DB
	path    string
	appName string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads and is created, along with its parent directory, if missing.
// The caller must Close() when done, or acquire through a Pool.
func Open(appName, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, appName: appName}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return db, nil
}

// AppName returns the app this database belongs to.
func (db *DB) AppName() string { return db.appName }

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB { return db.conn }

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the metadata tables if they don't exist.
// Idempotent; safe to call on every open.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS table_definitions (
		table_id TEXT PRIMARY KEY,
		schema_etag TEXT,
		last_data_etag TEXT,
		last_sync_time TEXT
	);

	CREATE TABLE IF NOT EXISTS column_definitions (
		table_id TEXT NOT NULL,
		element_key TEXT NOT NULL,
		element_name TEXT NOT NULL,
		element_type TEXT NOT NULL,
		list_child_element_keys TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (table_id, element_key),
		FOREIGN KEY (table_id) REFERENCES table_definitions(table_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS key_value_store (
		table_id TEXT NOT NULL,
		partition TEXT NOT NULL,
		aspect TEXT NOT NULL,
		key TEXT NOT NULL,
		value_type TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (table_id, partition, aspect, key),
		FOREIGN KEY (table_id) REFERENCES table_definitions(table_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sync_etags (
		table_id TEXT,
		is_manifest INTEGER NOT NULL,
		url TEXT NOT NULL,
		last_modified INTEGER NOT NULL,
		etag_md5_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_etags_key
	    ON sync_etags(table_id, is_manifest, url);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction, committing on nil return and
// rolling back otherwise. Transactions are short-lived: fn must not
// block on network or other suspension points.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// safeIdent matches identifiers that may be interpolated into DDL and
// positional SQL: table ids and element keys.
var safeIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent reports whether s may be used as a SQL identifier.
func validIdent(s string) bool { return safeIdent.MatchString(s) }
