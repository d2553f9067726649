// Package testutil provides shared test utilities for tabula tests: database
// handles for SQLite and Postgres, migrated engines and the library fixture.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/pkg/store"
)

// Singleton container state
var (
	singletonOnce sync.Once
	singletonDSN  string
	singletonErr  error

	sqliteSeq atomic.Int64
)

// ensureSingleton lazily starts the PostgreSQL container shared by every
// test in the process. DATABASE_URL, when set, is used instead.
func ensureSingleton() (string, error) {
	singletonOnce.Do(func() {
		if cfg := GetDatabaseConfig(); cfg.URL != "" {
			singletonDSN = cfg.URL
			return
		}
		ctx := context.Background()

		container, err := postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_INITDB_ARGS": "--auth-host=trust",
			}),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			singletonErr = fmt.Errorf("failed to start PostgreSQL container: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx)
		if err != nil {
			_ = container.Terminate(ctx)
			singletonErr = fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
			return
		}
		singletonDSN = dsn + "sslmode=disable"
		// Container is not stored - ryuk will handle cleanup automatically
	})
	return singletonDSN, singletonErr
}

// SQLite returns a private in-memory SQLite database closed when the test
// completes.
func SQLite(tb testing.TB) *store.DB {
	tb.Helper()
	dsn := fmt.Sprintf("file:tabula_test_%d?mode=memory&cache=shared", sqliteSeq.Add(1))
	db, err := store.Open(context.Background(), store.DriverSQLite, dsn)
	require.NoError(tb, err, "failed to open sqlite database")
	tb.Cleanup(func() { _ = db.Close() })
	return db
}

// Postgres returns an empty, isolated PostgreSQL database opened with
// driver ("pgx" or "postgres"). It is dropped when the test completes.
// Skipped with -short unless DATABASE_URL is set.
func Postgres(tb testing.TB, driver string) *store.DB {
	tb.Helper()
	if testing.Short() && GetDatabaseConfig().URL == "" {
		tb.Skip("skipping PostgreSQL test in short mode")
	}

	adminDSN, err := ensureSingleton()
	require.NoError(tb, err, "failed to start PostgreSQL container")

	dbName := uniqueDBName("tabula")
	require.NoError(tb, createDatabase(adminDSN, dbName), "failed to create test database")

	db, err := store.Open(context.Background(), driver, replaceDBName(adminDSN, dbName))
	require.NoError(tb, err, "failed to connect to test database")

	tb.Cleanup(func() {
		_ = db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = dropDatabase(ctx, adminDSN, dbName)
	})
	return db
}

// Engine returns an engine over db with the metadata relations migrated.
// Triggers run synchronously unless opts say otherwise.
func Engine(tb testing.TB, db *store.DB, opts ...tabula.Option) *tabula.Engine {
	tb.Helper()
	ctx := context.Background()
	opts = append([]tabula.Option{tabula.WithSyncTriggers()}, opts...)
	eng, err := tabula.New(ctx, db, opts...)
	require.NoError(tb, err)
	require.NoError(tb, eng.Migrate(ctx))
	return eng
}

// uniqueDBName generates a unique database name with the given prefix.
func uniqueDBName(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

func createDatabase(adminDSN, name string) error {
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", name))
	return err
}

func dropDatabase(ctx context.Context, adminDSN, name string) error {
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	// Force disconnect all users
	_, _ = db.ExecContext(ctx, fmt.Sprintf(`
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = '%s' AND pid <> pg_backend_pid()
	`, name))

	_, err = db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", name))
	return err
}

// replaceDBName replaces the database name in a PostgreSQL URL DSN.
func replaceDBName(dsn, newDB string) string {
	for i := len(dsn) - 1; i >= 0; i-- {
		if dsn[i] != '/' {
			continue
		}
		rest := ""
		for j := i + 1; j < len(dsn); j++ {
			if dsn[j] == '?' {
				rest = dsn[j:]
				break
			}
		}
		return dsn[:i+1] + newDB + rest
	}
	return dsn
}
