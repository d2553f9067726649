package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
)

// Row is one record keyed by column name.
type Row = map[string]any

// Insert writes row into table and returns the value of the returning
// column, or nil when returning is empty.
func Insert(ctx context.Context, db Execer, d Dialect, table string, row Row, returning string) (any, error) {
	args := sqldsl.NewArgs(d)
	stmt := sqldsl.InsertStmt{Table: table, Returning: returning}
	for _, col := range sortedColumns(row) {
		stmt.Columns = append(stmt.Columns, col)
		stmt.Values = append(stmt.Values, args.Bind(row[col]))
	}
	if returning == "" {
		if _, err := db.ExecContext(ctx, stmt.SQL(), args.Values...); err != nil {
			return nil, Classify(err, table)
		}
		return nil, nil
	}
	var id any
	if err := db.QueryRowContext(ctx, stmt.SQL(), args.Values...).Scan(&id); err != nil {
		return nil, Classify(err, table)
	}
	return normalize(id), nil
}

// Update sets values on the row of table whose pk column equals id and
// returns the number of rows changed.
func Update(ctx context.Context, db Execer, d Dialect, table string, values Row, pk string, id any) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	args := sqldsl.NewArgs(d)
	stmt := sqldsl.UpdateStmt{Table: table}
	for _, col := range sortedColumns(values) {
		stmt.Set = append(stmt.Set, sqldsl.Assignment{Column: col, Value: args.Bind(values[col])})
	}
	stmt.Where = sqldsl.Eq{Left: sqldsl.Ident(pk), Right: args.Bind(id)}
	res, err := db.ExecContext(ctx, stmt.SQL(), args.Values...)
	if err != nil {
		return 0, Classify(err, table)
	}
	return res.RowsAffected()
}

// Delete removes the rows of table matching where, whose parameters are
// args, and returns the number removed. A nil where removes every row.
func Delete(ctx context.Context, db Execer, table string, where sqldsl.Expr, args []any) (int64, error) {
	stmt := sqldsl.DeleteStmt{Table: table, Where: where}
	res, err := db.ExecContext(ctx, stmt.SQL(), args...)
	if err != nil {
		return 0, Classify(err, table)
	}
	return res.RowsAffected()
}

// Select runs query and returns every row.
func Select(ctx context.Context, db Execer, query string, args ...any) ([]Row, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err, "")
	}
	defer rows.Close()
	return ScanRows(rows)
}

// ScanRows reads all remaining rows into maps. Byte slices become strings.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err, "")
	}
	return out, nil
}

// Count runs a single-value integer query.
func Count(ctx context.Context, db Execer, query string, args ...any) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, Classify(err, "")
	}
	return n, nil
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// DecodeArray reads the value of an array aggregate: a Postgres array
// literal or a SQLite JSON array.
func DecodeArray(d Dialect, v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if list, ok := v.([]any); ok {
		return list, nil
	}
	var text string
	switch x := v.(type) {
	case string:
		text = x
	case []byte:
		text = string(x)
	default:
		return nil, fmt.Errorf("decode array: unexpected %T", v)
	}
	if d == sqldsl.SQLite {
		var out []any
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
		return out, nil
	}
	var arr pq.StringArray
	if err := arr.Scan(text); err != nil {
		return nil, fmt.Errorf("decode array: %w", err)
	}
	out := make([]any, len(arr))
	for i, s := range arr {
		out[i] = s
	}
	return out, nil
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
