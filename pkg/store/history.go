package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/schema"
)

// versionAttempts bounds the retries of a history insert that lost the
// race for a version number.
const versionAttempts = 3

// ErrVersionConflict is returned when a history version could not be
// claimed after repeated concurrent inserts for the same row.
var ErrVersionConflict = errors.New("store: history version conflict")

// HistoryEntry is the bookkeeping recorded with a history snapshot.
type HistoryEntry struct {
	UserID    any
	RestoreOf any
	Time      time.Time
}

// InsertHistory appends row as the next version of its primary key in the
// history relation of t and returns the version claimed. The (pk, version)
// key makes a concurrent writer that picked the same number insert nothing;
// the version is then recomputed.
func InsertHistory(ctx context.Context, db Execer, d Dialect, t *schema.Table, row Row, e HistoryEntry) (int64, error) {
	pk := t.PKName()
	id, ok := row[pk]
	if !ok || id == nil {
		return 0, fmt.Errorf("history of %s: row has no %s", t.Name, pk)
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for attempt := 0; attempt < versionAttempts; attempt++ {
		version, err := nextVersion(ctx, db, d, t, id)
		if err != nil {
			return 0, err
		}
		args := sqldsl.NewArgs(d)
		stmt := sqldsl.InsertStmt{Table: t.HistoryName(), OnConflict: "DO NOTHING"}
		for _, f := range t.StoredColumns() {
			stmt.Columns = append(stmt.Columns, f.Name)
			stmt.Values = append(stmt.Values, args.Bind(row[f.Name]))
		}
		stmt.Columns = append(stmt.Columns, schema.HistoryVersionColumn, schema.HistoryTimeColumn,
			schema.HistoryUserColumn, schema.HistoryRestoreOfColumn)
		stmt.Values = append(stmt.Values, args.Bind(version), args.Bind(e.Time),
			args.Bind(e.UserID), args.Bind(e.RestoreOf))

		res, err := db.ExecContext(ctx, stmt.SQL(), args.Values...)
		if err != nil {
			return 0, Classify(err, t.HistoryName())
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return version, nil
		}
	}
	return 0, fmt.Errorf("history of %s row %v: %w", t.Name, id, ErrVersionConflict)
}

func nextVersion(ctx context.Context, db Execer, d Dialect, t *schema.Table, id any) (int64, error) {
	args := sqldsl.NewArgs(d)
	stmt := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Add{
			Left: sqldsl.Coalesce(
				sqldsl.Func{Name: "max", Args: []sqldsl.Expr{sqldsl.Ident(schema.HistoryVersionColumn)}},
				sqldsl.Int(0)),
			Right: sqldsl.Int(1),
		}},
		FromExpr: sqldsl.TableRef{Name: t.HistoryName()},
		Where:    sqldsl.Eq{Left: sqldsl.Ident(t.PKName()), Right: args.Bind(id)},
	}
	return Count(ctx, db, stmt.SQL(), args.Values...)
}

// History returns every version of the row id, oldest first.
func History(ctx context.Context, db Execer, d Dialect, t *schema.Table, id any) ([]Row, error) {
	args := sqldsl.NewArgs(d)
	stmt := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Raw("*")},
		FromExpr:    sqldsl.TableRef{Name: t.HistoryName()},
		Where:       sqldsl.Eq{Left: sqldsl.Ident(t.PKName()), Right: args.Bind(id)},
		OrderBy:     []sqldsl.OrderTerm{{Expr: sqldsl.Ident(schema.HistoryVersionColumn)}},
	}
	return Select(ctx, db, stmt.SQL(), args.Values...)
}

// AllHistory returns the history of every row, grouped by primary key and
// ordered by version.
func AllHistory(ctx context.Context, db Execer, t *schema.Table) ([]Row, error) {
	stmt := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Raw("*")},
		FromExpr:    sqldsl.TableRef{Name: t.HistoryName()},
		OrderBy: []sqldsl.OrderTerm{
			{Expr: sqldsl.Ident(t.PKName())},
			{Expr: sqldsl.Ident(schema.HistoryVersionColumn)},
		},
	}
	return Select(ctx, db, stmt.SQL())
}

// DeleteHistoryVersion removes one version of row id.
func DeleteHistoryVersion(ctx context.Context, db Execer, d Dialect, t *schema.Table, id any, version int64) error {
	args := sqldsl.NewArgs(d)
	where := sqldsl.And(
		sqldsl.Eq{Left: sqldsl.Ident(t.PKName()), Right: args.Bind(id)},
		sqldsl.Eq{Left: sqldsl.Ident(schema.HistoryVersionColumn), Right: args.Bind(version)},
	)
	_, err := Delete(ctx, db, t.HistoryName(), where, args.Values)
	return err
}
