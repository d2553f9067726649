// Package store binds a database/sql handle to its SQL dialect and provides
// the statement helpers the engine writes rows with.
//
// Three drivers are supported: pgx (the default for Postgres), lib/pq, and
// go-sqlite3. The driver name decides the dialect and the bulk copy path.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/schema"
)

// Dialect is the SQL flavour of a handle.
type Dialect = sqldsl.Dialect

// Execer runs statements. Implemented by *sql.DB, *sql.Tx and *sql.Conn.
type Execer = schema.Execer

// Driver names accepted by Open.
const (
	DriverPgx    = "pgx"
	DriverPq     = "postgres"
	DriverSQLite = "sqlite3"
)

// sqlitePragmas are applied to every SQLite handle.
var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// DB is a database handle with its dialect.
type DB struct {
	*sql.DB
	Driver  string
	Dialect Dialect
}

// Open opens a handle for driver ("pgx", "postgres" or "sqlite3") and
// verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverPgx
	}
	d, ok := sqldsl.ParseDialect(driver)
	if !ok {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	if d == sqldsl.SQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d == sqldsl.SQLite && (strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")) {
		// In-memory databases are per connection or share a cache that
		// locks whole tables; one connection serializes access.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", Classify(err, ""))
	}
	s := &DB{DB: db, Driver: driver, Dialect: d}
	if err := s.configure(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Wrap binds an already open handle to the dialect of driver.
func Wrap(ctx context.Context, db *sql.DB, driver string) (*DB, error) {
	d, ok := sqldsl.ParseDialect(driver)
	if !ok {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	s := &DB{DB: db, Driver: driver, Dialect: d}
	if err := s.configure(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// sqliteDSN adds the connection options every pooled SQLite connection
// needs: pragmas run once only reach the connection that ran them.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

func (db *DB) configure(ctx context.Context) error {
	if db.Dialect != sqldsl.SQLite {
		return nil
	}
	for _, p := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("configure sqlite (%s): %w", p, err)
		}
	}
	return nil
}

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", Classify(err, ""))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", Classify(err, ""))
	}
	return nil
}

// Exec runs each statement in order, stopping at the first failure.
func Exec(ctx context.Context, db Execer, stmts ...string) error {
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
