package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
)

// CopyFrom streams rows into table without per-row statements: COPY FROM
// STDIN on Postgres (through pgx or lib/pq) and a single prepared insert in
// one transaction on SQLite. Each row holds one value per column. It returns
// the number of rows written.
func (db *DB) CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	switch {
	case db.Driver == DriverPgx:
		return db.copyPgx(ctx, table, columns, rows)
	case db.Dialect == sqldsl.Postgres:
		return db.copyPq(ctx, table, columns, rows)
	}
	return db.copyPrepared(ctx, table, columns, rows)
}

func (db *DB) copyPgx(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("get connection: %w", Classify(err, table))
	}
	defer conn.Close()

	var n int64
	err = conn.Raw(func(driverConn any) error {
		var pgxConn *pgx.Conn
		switch c := driverConn.(type) {
		case *stdlib.Conn:
			pgxConn = c.Conn()
		case *pgx.Conn:
			pgxConn = c
		default:
			return fmt.Errorf("not a pgx connection (got %T)", driverConn)
		}
		var err error
		n, err = pgxConn.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("COPY FROM %s: %w", table, Classify(err, table))
	}
	return n, nil
}

func (db *DB) copyPq(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	var n int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
		if err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r...); err != nil {
				stmt.Close()
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return err
		}
		n = int64(len(rows))
		return stmt.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("COPY FROM %s: %w", table, Classify(err, table))
	}
	return n, nil
}

func (db *DB) copyPrepared(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	args := sqldsl.NewArgs(db.Dialect)
	ins := sqldsl.InsertStmt{Table: table, Columns: columns}
	for range columns {
		ins.Values = append(ins.Values, args.Bind(nil))
	}
	var n int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, ins.SQL())
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r...); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert into %s: %w", table, Classify(err, table))
	}
	return n, nil
}
