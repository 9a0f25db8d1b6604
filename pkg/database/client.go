// Package database provides the SQLite client and migration utilities.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the database handle so callers do not deal with DSNs or
// migration plumbing.
type Client struct {
	db *sql.DB
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens (creating if needed) the SQLite database at path, enables
// WAL and foreign keys, and applies pending migrations. ":memory:" opens an
// in-memory database, used by tests.
func NewClient(ctx context.Context, path string) (*Client, error) {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&" + pragmas
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = "file:" + url.PathEscape(path) + "?_pragma=journal_mode(WAL)&" + pragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under concurrent task handling.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// runMigrations applies pending migrations from the embedded filesystem.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sentinel", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Close only the source. m.Close() would also close the database driver,
	// which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}
