// Package db opens the relational stores backing turtle state. SQLite is
// the default; PostgreSQL is available for deployments that already run one.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// sqliteReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// Pool provides separate read and write connections to the same database.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection, which avoids SQLITE_BUSY under write
// contention. For PostgreSQL both sides share one *sqlx.DB since pgx pools
// connections internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the connection used for INSERT, UPDATE, DELETE and
// transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the sql driver behind the pool ("sqlite3" or "pgx").
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// The reader can be the same handle as the writer (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// OpenSQLite opens a SQLite database as a writer/reader pool, creating the
// file and its directory when missing.
//
// Writer DSN settings: foreign_keys=on for consistent FK enforcement, a busy
// timeout to ride out transient locks, WAL journaling for read concurrency,
// synchronous=NORMAL as the durability/performance tradeoff, and a shared
// page cache. The reader side opens read-only connections; journal mode and
// synchronous level are database-wide and already set by the writer.
func OpenSQLite(dbPath string) (*Pool, error) {
	path := normalizePath(dbPath)
	if err := ensureFile(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database file: %w", err)
	}

	timeoutMs := int(busyTimeout / time.Millisecond)

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, timeoutMs,
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection serializes writes.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, timeoutMs,
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &Pool{writer: writer, reader: reader}, nil
}

// OpenPostgres opens a PostgreSQL pool via the pgx stdlib driver. maxConns
// and minConns default to 25 and 5 when zero.
func OpenPostgres(dsn string, maxConns, minConns int) (*Pool, error) {
	handle, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	handle.SetMaxOpenConns(maxConns)
	handle.SetMaxIdleConns(minConns)

	if err := handle.Ping(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return &Pool{writer: handle, reader: handle}, nil
}

func ensureFile(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
