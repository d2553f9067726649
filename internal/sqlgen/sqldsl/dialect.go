package sqldsl

import (
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour a statement is rendered for.
type Dialect int

const (
	// Postgres renders $n placeholders and supports ILIKE, ANY and COPY.
	Postgres Dialect = iota
	// SQLite renders ?NNN placeholders and falls back to LIKE.
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// Placeholder renders the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == SQLite {
		return "?" + strconv.Itoa(n)
	}
	return "$" + strconv.Itoa(n)
}

// CaseInsensitiveLike is the operator used for fuzzy matching.
// SQLite's LIKE is already case-insensitive for ASCII.
func (d Dialect) CaseInsensitiveLike() string {
	if d == SQLite {
		return "LIKE"
	}
	return "ILIKE"
}

// CastDate truncates a timestamp expression to a calendar date.
func (d Dialect) CastDate(e Expr) Expr {
	if d == SQLite {
		return Func{Name: "date", Args: []Expr{e}}
	}
	return Raw(e.SQL() + "::date")
}

// ArrayAgg is the aggregate used for "array_agg" aggregations.
func (d Dialect) ArrayAgg() string {
	if d == SQLite {
		return "json_group_array"
	}
	return "array_agg"
}

// SerialPrimaryKey renders the column definition of an auto-incrementing key.
func (d Dialect) SerialPrimaryKey() string {
	if d == SQLite {
		return "integer primary key"
	}
	return "serial primary key"
}

// ParseDialect maps a database/sql driver name to a dialect.
func ParseDialect(driver string) (Dialect, bool) {
	switch strings.ToLower(driver) {
	case "pgx", "postgres", "postgresql", "pq":
		return Postgres, true
	case "sqlite3", "sqlite":
		return SQLite, true
	}
	return Postgres, false
}

// Args accumulates bind parameters for a single statement.
// The zero value is ready to use with the Postgres dialect.
type Args struct {
	Dialect Dialect
	Values  []any
}

// NewArgs creates an empty parameter stack for the dialect.
func NewArgs(d Dialect) *Args {
	return &Args{Dialect: d}
}

// Bind appends v and returns the placeholder that refers to it.
func (a *Args) Bind(v any) Placeholder {
	a.Values = append(a.Values, v)
	return Placeholder{N: len(a.Values), Dialect: a.Dialect}
}

// Len returns the number of bound values.
func (a *Args) Len() int { return len(a.Values) }

// Placeholder is a positional reference into an Args stack.
type Placeholder struct {
	N       int
	Dialect Dialect
}

// SQL renders the placeholder.
func (p Placeholder) SQL() string {
	return p.Dialect.Placeholder(p.N)
}
