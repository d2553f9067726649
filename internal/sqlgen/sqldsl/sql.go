package sqldsl

import (
	"fmt"
	"strings"
)

// SQLer is an interface for types that can render a full statement.
type SQLer interface {
	SQL() string
}

// Sqlf formats SQL with automatic dedenting and blank line removal.
// The SQL shape is visible in the format string.
func Sqlf(format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	lines := strings.Split(s, "\n")

	// Find minimum indentation (ignoring empty lines)
	minIndent := 1000
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(trimmed)
		if indent < minIndent {
			minIndent = indent
		}
	}

	var result []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) >= minIndent {
			result = append(result, line[minIndent:])
		} else {
			result = append(result, strings.TrimLeft(line, " \t"))
		}
	}

	return strings.Join(result, "\n")
}

// Optf returns formatted string if condition is true, empty string otherwise.
// Useful for optional SQL clauses.
func Optf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}

// spaced joins the non-empty parts with single spaces.
func spaced(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// JoinClause represents a SQL JOIN clause.
type JoinClause struct {
	Type      string // "INNER", "LEFT", etc.
	TableExpr TableExpr
	On        Expr
}

// SQL renders the JOIN clause.
func (j JoinClause) SQL() string {
	keyword := "JOIN"
	if j.Type != "" {
		keyword = j.Type + " JOIN"
	}
	if j.On == nil {
		return keyword + " " + j.TableExpr.TableSQL()
	}
	return keyword + " " + j.TableExpr.TableSQL() + " ON " + j.On.SQL()
}

// OrderTerm is one ORDER BY entry.
type OrderTerm struct {
	Expr Expr
	Desc bool
}

func orderTerms(terms []OrderTerm) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.Expr.SQL() + Optf(t.Desc, " DESC")
	}
	return strings.Join(parts, ", ")
}

// SelectStmt represents a SELECT query.
type SelectStmt struct {
	Distinct    bool
	ColumnExprs []Expr
	FromExpr    TableExpr
	Joins       []JoinClause
	Where       Expr
	OrderBy     []OrderTerm
	Limit       int
	Offset      int
}

// SQL renders the SELECT statement on a single line.
func (s SelectStmt) SQL() string {
	return spaced(
		"SELECT"+Optf(s.Distinct, " DISTINCT"),
		s.columnsSQL(),
		s.fromSQL(),
		s.joinsSQL(),
		s.whereSQL(),
		Optf(len(s.OrderBy) > 0, "ORDER BY %s", orderTerms(s.OrderBy)),
		Optf(s.Limit > 0, "LIMIT %d", s.Limit),
		Optf(s.Offset > 0, "OFFSET %d", s.Offset),
	)
}

func (s SelectStmt) columnsSQL() string {
	if len(s.ColumnExprs) == 0 {
		return "1"
	}
	parts := make([]string, len(s.ColumnExprs))
	for i, e := range s.ColumnExprs {
		parts[i] = e.SQL()
	}
	return strings.Join(parts, ", ")
}

func (s SelectStmt) fromSQL() string {
	if s.FromExpr == nil {
		return ""
	}
	return "FROM " + s.FromExpr.TableSQL()
}

func (s SelectStmt) joinsSQL() string {
	if len(s.Joins) == 0 {
		return ""
	}
	parts := make([]string, len(s.Joins))
	for i, j := range s.Joins {
		parts[i] = j.SQL()
	}
	return strings.Join(parts, " ")
}

func (s SelectStmt) whereSQL() string {
	if s.Where == nil {
		return ""
	}
	if a, ok := s.Where.(AndExpr); ok && len(a.Exprs) == 0 {
		return ""
	}
	return "WHERE " + s.Where.SQL()
}

// InsertStmt represents INSERT ... VALUES ... [RETURNING].
type InsertStmt struct {
	Table      string
	Columns    []string
	Values     []Expr
	Returning  string
	OnConflict string // rendered verbatim after ON CONFLICT, e.g. "DO NOTHING"
}

// SQL renders the INSERT statement.
func (i InsertStmt) SQL() string {
	if len(i.Columns) == 0 {
		return spaced(
			"INSERT INTO "+Quote(i.Table)+" DEFAULT VALUES",
			Optf(i.Returning != "", "RETURNING %s", Quote(i.Returning)),
		)
	}
	cols := make([]string, len(i.Columns))
	for n, c := range i.Columns {
		cols[n] = Quote(c)
	}
	vals := make([]string, len(i.Values))
	for n, v := range i.Values {
		vals[n] = v.SQL()
	}
	return spaced(
		"INSERT INTO "+Quote(i.Table),
		"("+strings.Join(cols, ", ")+")",
		"VALUES ("+strings.Join(vals, ", ")+")",
		Optf(i.OnConflict != "", "ON CONFLICT %s", i.OnConflict),
		Optf(i.Returning != "", "RETURNING %s", Quote(i.Returning)),
	)
}

// Assignment is one SET entry of an UPDATE.
type Assignment struct {
	Column string
	Value  Expr
}

// UpdateStmt represents UPDATE ... SET ... WHERE.
type UpdateStmt struct {
	Table string
	Set   []Assignment
	Where Expr
}

// SQL renders the UPDATE statement.
func (u UpdateStmt) SQL() string {
	sets := make([]string, len(u.Set))
	for i, a := range u.Set {
		sets[i] = Quote(a.Column) + " = " + a.Value.SQL()
	}
	where := ""
	if u.Where != nil {
		where = "WHERE " + u.Where.SQL()
	}
	return spaced("UPDATE "+Quote(u.Table), "SET "+strings.Join(sets, ", "), where)
}

// DeleteStmt represents DELETE FROM ... WHERE.
type DeleteStmt struct {
	Table string
	Where Expr
}

// SQL renders the DELETE statement.
func (d DeleteStmt) SQL() string {
	where := ""
	if d.Where != nil {
		if a, ok := d.Where.(AndExpr); !ok || len(a.Exprs) > 0 {
			where = "WHERE " + d.Where.SQL()
		}
	}
	return spaced("DELETE FROM "+Quote(d.Table), where)
}
