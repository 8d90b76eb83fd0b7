// Package db provides the Local Store: an embedded SQLite mirror of the
// server-owned entities, plus the mutation queue and stock observation
// tables.
//
// The database runs in embedded mode with WAL so the foreground and the
// background daemon can read while the other writes.
//
// Architecture:
//   - Database file: ~/.shopsync/shopsync.db (configurable)
//   - One table per entity kind: products, sales, clients, schedules
//   - mutations: durable queue of unconfirmed writes
//   - stock_observations: last observed stock per product (notification engine)
//   - PRAGMA user_version carries SchemaVersion; a mismatch rebuilds the tables
//
// Every write is a single-record operation. The store is a best-effort mirror,
// not the system of record: callers in the sync layer log and swallow its
// failures.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tendero/shopsync/internal/schema"
)

// SchemaVersion is bumped whenever a table's record shape changes.
const SchemaVersion = 4

// Driver names accepted by OpenDriver.
const (
	DriverSQLite = "sqlite3"
	DriverLibSQL = "libsql"
)

// ErrDriverUnavailable is returned when a driver was not compiled in.
var ErrDriverUnavailable = errors.New("database driver not available in this build")

// DB wraps the SQLite connection used as the Local Store.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the Local Store at path with the embedded SQLite driver.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dir, "shopsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenDriver(DriverSQLite, path)
}

// OpenDriver opens the Local Store with a named driver ("sqlite3" or "libsql").
func OpenDriver(driver, path string) (*DB, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverLibSQL:
		if !libsqlAvailable {
			return nil, fmt.Errorf("%w: %s (build with -tags libsql)", ErrDriverUnavailable, driver)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrDriverUnavailable, driver)
	}

	dsn := path
	if !strings.HasPrefix(path, "file:") {
		// Ensure parent directory exists
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + path
		if driver == DriverSQLite {
			// busy_timeout applies per connection, so it goes in the DSN as well
			dsn += "?_pragma=busy_timeout(5000)"
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the location the store was opened from.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
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

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support. When the stored
// schema version differs from SchemaVersion the tables are dropped and
// rebuilt; the mirror refills from the server on the next sync.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	switch {
	case version == 3:
		// v4 only adds the rejected flag; queued writes must survive.
		if err := db.addRejectedColumn(ctx); err != nil {
			return err
		}
	case version != 0 && version != SchemaVersion:
		if err := db.dropAll(ctx); err != nil {
			return err
		}
	}

	var ddl strings.Builder
	for _, kind := range schema.AllKinds {
		fmt.Fprintf(&ddl, `
	CREATE TABLE IF NOT EXISTS %[1]s (
		handle INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL DEFAULT '',
		server_id TEXT,
		temp_id INTEGER,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		rejected INTEGER NOT NULL DEFAULT 0,
		CHECK ((server_id IS NULL) != (temp_id IS NULL))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_server ON %[1]s(user_id, server_id) WHERE server_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_temp ON %[1]s(user_id, temp_id) WHERE temp_id IS NOT NULL;
	`, kind.Table())
	}

	ddl.WriteString(`
	CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		op TEXT NOT NULL,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		server_id TEXT,
		temp_id INTEGER,
		payload TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		enqueued_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_mutations_kind ON mutations(kind, user_id);

	CREATE TABLE IF NOT EXISTS stock_observations (
		user_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		last_stock INTEGER NOT NULL,
		min_stock INTEGER NOT NULL,
		bucket TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		PRIMARY KEY (user_id, product_id)
	);
	`)
	fmt.Fprintf(&ddl, "PRAGMA user_version = %d;\n", SchemaVersion)

	if _, err := db.conn.ExecContext(ctx, ddl.String()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func (db *DB) addRejectedColumn(ctx context.Context) error {
	for _, kind := range schema.AllKinds {
		stmt := "ALTER TABLE " + kind.Table() + " ADD COLUMN rejected INTEGER NOT NULL DEFAULT 0"
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add rejected flag to %s: %w", kind.Table(), err)
		}
	}
	return nil
}

// dropAll removes every table managed by this package.
func (db *DB) dropAll(ctx context.Context) error {
	tables := []string{"mutations", "stock_observations"}
	for _, kind := range schema.AllKinds {
		tables = append(tables, kind.Table())
	}
	for _, table := range tables {
		if _, err := db.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return nil
}

// SchemaVersionContext returns the version recorded in the database file.
func (db *DB) SchemaVersionContext(ctx context.Context) (int, error) {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
