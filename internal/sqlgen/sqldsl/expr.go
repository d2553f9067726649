package sqldsl

import (
	"fmt"
	"strings"
	"unicode"
)

// Expr is the interface that all SQL expression types implement.
type Expr interface {
	SQL() string
}

// Sanitize strips everything but letters, digits and underscores from an
// identifier. A leading digit gets an underscore prefix.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		return "_" + s
	}
	return s
}

// SanitizeAllowDots is Sanitize that also keeps dots and double quotes, for
// qualified references such as a."author".
func SanitizeAllowDots(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '"' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		return "_" + s
	}
	return s
}

// Quote sanitizes an identifier and wraps it in double quotes.
func Quote(name string) string {
	return `"` + Sanitize(name) + `"`
}

// Ident is a quoted table or column name with no qualifier.
type Ident string

// SQL renders the quoted identifier.
func (i Ident) SQL() string {
	return Quote(string(i))
}

// Col represents a column reference such as a."author".
// Table is an alias and is rendered unquoted; Column "*" selects every column.
type Col struct {
	Table  string
	Column string
}

// SQL renders the column reference.
func (c Col) SQL() string {
	col := Quote(c.Column)
	if c.Column == "*" {
		col = "*"
	}
	if c.Table == "" {
		return col
	}
	return Sanitize(c.Table) + "." + col
}

// Ref is a column reference given as text, optionally qualified, such as
// author or a."author". Each dot-separated part is sanitized and quoted
// unless it already carries quotes.
type Ref string

// SQL renders the reference.
func (r Ref) SQL() string {
	parts := strings.Split(SanitizeAllowDots(string(r)), ".")
	for i, p := range parts {
		if !strings.Contains(p, `"`) {
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

// Lit represents a literal string value (auto-quoted with single quotes).
// Only use it for fixed strings; caller data goes through Args.Bind.
type Lit string

// SQL renders the literal with single quotes.
func (l Lit) SQL() string {
	escaped := strings.ReplaceAll(string(l), "'", "''")
	return "'" + escaped + "'"
}

// Raw is an escape hatch for arbitrary SQL expressions.
type Raw string

// SQL renders the raw SQL as-is.
func (r Raw) SQL() string {
	return string(r)
}

// Int represents an integer literal.
type Int int

// SQL renders the integer.
func (i Int) SQL() string {
	return fmt.Sprintf("%d", i)
}

// Float represents a floating point literal.
type Float float64

// SQL renders the float.
func (f Float) SQL() string {
	return fmt.Sprintf("%g", float64(f))
}

// Bool represents a boolean literal.
type Bool bool

// SQL renders the boolean.
func (b Bool) SQL() string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Null represents SQL NULL.
type Null struct{}

// SQL renders NULL.
func (Null) SQL() string {
	return "NULL"
}

// Func represents a SQL function call.
type Func struct {
	Name     string
	Distinct bool
	Args     []Expr
	OrderBy  []OrderTerm
}

// SQL renders the function call.
func (f Func) SQL() string {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		args[i] = arg.SQL()
	}
	body := strings.Join(args, ", ")
	if f.Distinct {
		body = "DISTINCT " + body
	}
	if len(f.OrderBy) > 0 {
		body += " ORDER BY " + orderTerms(f.OrderBy)
	}
	return f.Name + "(" + body + ")"
}

// Alias wraps an expression with an output name (expr AS "name").
type Alias struct {
	Expr Expr
	Name string
}

// SQL renders the aliased expression.
func (a Alias) SQL() string {
	return a.Expr.SQL() + " AS " + Quote(a.Name)
}

// Paren wraps an expression in parentheses.
type Paren struct {
	Expr Expr
}

// SQL renders the parenthesized expression.
func (p Paren) SQL() string {
	return "(" + p.Expr.SQL() + ")"
}

// Subquery renders a statement as a parenthesized scalar or set expression.
type Subquery struct {
	Query SQLer
}

// SQL renders the subquery.
func (s Subquery) SQL() string {
	return "(" + s.Query.SQL() + ")"
}

// Concat represents SQL string concatenation (||).
type Concat struct {
	Parts []Expr
}

// SQL renders the concatenation.
func (c Concat) SQL() string {
	if len(c.Parts) == 0 {
		return "''"
	}
	parts := make([]string, len(c.Parts))
	for i, p := range c.Parts {
		parts[i] = p.SQL()
	}
	return strings.Join(parts, " || ")
}

// Coalesce renders coalesce(a, b, ...).
func Coalesce(exprs ...Expr) Func {
	return Func{Name: "coalesce", Args: exprs}
}

// SelectAs creates an aliased column expression (expr AS "alias").
func SelectAs(expr Expr, alias string) Alias {
	return Alias{Expr: expr, Name: alias}
}
