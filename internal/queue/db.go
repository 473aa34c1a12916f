// Package queue provides the SQLite-backed download queue and the
// append-only download history, behind a repository interface so the engine
// can be tested against in-memory fakes.
package queue

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultMaxConnections keeps the pool small; SQLite uses file-level locking.
const DefaultMaxConnections = 5

// DefaultBusyTimeoutMs is how long connections wait before SQLITE_BUSY.
const DefaultBusyTimeoutMs = 5000

// DatabaseOptions tunes pool size and busy timeout.
type DatabaseOptions struct {
	MaxConnections int
	BusyTimeoutMs  int
}

// DefaultDatabaseOptions returns the standard settings.
func DefaultDatabaseOptions() DatabaseOptions {
	return DatabaseOptions{
		MaxConnections: DefaultMaxConnections,
		BusyTimeoutMs:  DefaultBusyTimeoutMs,
	}
}

// Database wraps the sqlx pool with WAL mode and migrations applied.
type Database struct {
	db *sqlx.DB
}

// OpenDatabase opens (rwc) the SQLite database at path, enables WAL, sets
// the busy timeout, and runs pending migrations.
func OpenDatabase(path string, options DatabaseOptions) (*Database, error) {
	// busy_timeout goes in the DSN so every pooled connection gets it.
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(%d)", path, options.BusyTimeoutMs)
	return open(dsn, options, true)
}

// OpenInMemoryDatabase creates a throwaway database for tests. WAL is not
// enabled; it provides no benefit in memory. The pool is pinned to a single
// connection so every query sees the same memory database.
func OpenInMemoryDatabase() (*Database, error) {
	return open(":memory:", DatabaseOptions{MaxConnections: 1, BusyTimeoutMs: DefaultBusyTimeoutMs}, false)
}

func open(dsn string, options DatabaseOptions, wal bool) (*Database, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	maxConns := options.MaxConnections
	if maxConns < 1 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	if wal {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", options.BusyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("database opened", "max_connections", maxConns, "wal", wal)
	return &Database{db: db}, nil
}

func runMigrations(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Pool returns the underlying sqlx pool.
func (d *Database) Pool() *sqlx.DB {
	return d.db
}

// IsWALEnabled reports whether WAL journal mode is active.
func (d *Database) IsWALEnabled() (bool, error) {
	var mode string
	if err := d.db.Get(&mode, "PRAGMA journal_mode"); err != nil {
		return false, err
	}
	return mode == "wal", nil
}

// Close drains the pool. The Database must not be used afterwards.
func (d *Database) Close() error {
	return d.db.Close()
}
