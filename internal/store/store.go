package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Schema version tracking (SQLite user_version):
// 0 - Initial schema
// 1 - Partial index for unpaid settled amounts per entity
const currentSchemaVersion = 1

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn binds a querier to a dialect so callers can write ? placeholders.
type conn struct {
	q       querier
	dialect Dialect
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.Rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

// Store provides durable storage for the payment ledger and the workflow
// history.
type Store struct {
	conn
	db *sql.DB
}

// Tx is a ledger or history transaction. Obtain one with Store.InTx.
type Tx struct {
	conn
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	return OpenDriver(string(DialectSQLite), path)
}

// OpenDriver opens a store for the named driver ("sqlite3" or "pgx").
// For SQLite the dsn is a file path; for Postgres a connection string.
func OpenDriver(driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite only supports one writer at a time, so limit connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	if err := applySchema(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{conn: conn{q: db, dialect: dialect}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Query runs an ad hoc read query, rebinding ? placeholders for the
// dialect. The scenario harness uses it to inspect final state.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.query(ctx, query, args...)
}

// Dialect reports the SQL dialect of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// InTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise, so either all of fn's writes persist or none.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{conn: conn{q: sqlTx, dialect: s.dialect}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB, dialect Dialect) error {
	if dialect == DialectPostgres {
		if _, err := db.Exec(postgresSchema); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
		return nil
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental SQLite migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the partial index used by ListEntitiesWithUnpaid and
// ClaimUnpaid. Databases created before v1 lack it.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_settled_amounts_unpaid
		ON settled_amounts(legal_entity_id) WHERE is_paid = FALSE
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
