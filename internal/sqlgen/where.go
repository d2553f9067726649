package sqlgen

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

// DefaultFTSLanguage is the text-search configuration used when a predicate
// and the compiler both leave it unset.
const DefaultFTSLanguage = "english"

// WhereCompiler turns predicate trees into SQL expressions. All compiled
// values are appended to Args, so several predicates compiled into one
// statement must share a compiler.
type WhereCompiler struct {
	Args        *sqldsl.Args
	FTSLanguage string
}

// NewWhereCompiler creates a compiler with a fresh argument stack.
func NewWhereCompiler(d sqldsl.Dialect) *WhereCompiler {
	return &WhereCompiler{Args: sqldsl.NewArgs(d)}
}

func (c *WhereCompiler) dialect() sqldsl.Dialect { return c.Args.Dialect }

// Column resolves a field name against alias.
func Column(alias, field string) sqldsl.Expr {
	if strings.Contains(field, ".") {
		return sqldsl.Ref(field)
	}
	if alias == "" {
		return sqldsl.Ident(field)
	}
	return sqldsl.Col{Table: alias, Column: field}
}

// Compile renders p with unqualified fields resolved against alias.
// A nil predicate compiles to an empty conjunction.
func (c *WhereCompiler) Compile(p where.Pred, alias string) (sqldsl.Expr, error) {
	switch x := p.(type) {
	case nil:
		return sqldsl.And(), nil
	case where.Fields:
		exprs := make([]sqldsl.Expr, 0, len(x))
		for _, k := range x.Keys() {
			e, err := c.Compile(where.Eq{Field: k, Value: x[k]}, alias)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, e)
		}
		return sqldsl.And(exprs...), nil
	case where.Eq:
		col := Column(alias, x.Field)
		if x.Value == nil {
			return sqldsl.IsNull{Expr: col}, nil
		}
		return sqldsl.Eq{Left: col, Right: c.Args.Bind(x.Value)}, nil
	case where.IsNull:
		if x.Not {
			return sqldsl.IsNotNull{Expr: Column(alias, x.Field)}, nil
		}
		return sqldsl.IsNull{Expr: Column(alias, x.Field)}, nil
	case where.ILike:
		return c.contains(Column(alias, x.Field), x.Value), nil
	case where.Range:
		return c.compileRange(x, alias), nil
	case where.In:
		return c.compileIn(Column(alias, x.Field), x.Values, x.Not), nil
	case where.InSelect:
		return c.compileInSelect(x, alias)
	case where.InSelectLevels:
		return c.compileInSelectLevels(x, alias)
	case where.FTS:
		return c.compileFTS(x, alias), nil
	case where.JSON:
		return c.compileJSON(x, alias), nil
	case where.Slug:
		return c.compileSlug(x, alias), nil
	case where.And:
		exprs, err := c.compileAll(x, alias)
		if err != nil {
			return nil, err
		}
		return sqldsl.And(exprs...), nil
	case where.Or:
		exprs, err := c.compileAll(x, alias)
		if err != nil {
			return nil, err
		}
		return sqldsl.Or(exprs...), nil
	case where.Not:
		inner, err := c.Compile(x.Pred, alias)
		if err != nil {
			return nil, err
		}
		return sqldsl.Not(inner), nil
	case where.False:
		return sqldsl.Bool(false), nil
	}
	return nil, fmt.Errorf("sqlgen: unsupported predicate %T", p)
}

func (c *WhereCompiler) compileAll(preds []where.Pred, alias string) ([]sqldsl.Expr, error) {
	out := make([]sqldsl.Expr, 0, len(preds))
	for _, p := range preds {
		e, err := c.Compile(p, alias)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *WhereCompiler) contains(col sqldsl.Expr, value string) sqldsl.Expr {
	return sqldsl.Like{
		Op:      c.dialect().CaseInsensitiveLike(),
		Expr:    col,
		Pattern: sqldsl.Concat{Parts: []sqldsl.Expr{sqldsl.Lit("%"), c.Args.Bind(value), sqldsl.Lit("%")}},
	}
}

func (c *WhereCompiler) compileRange(r where.Range, alias string) sqldsl.Expr {
	col := Column(alias, r.Field)
	cast := func(e sqldsl.Expr) sqldsl.Expr {
		if r.DayOnly {
			return c.dialect().CastDate(e)
		}
		return e
	}
	var exprs []sqldsl.Expr
	if r.Gt != nil {
		lhs, rhs := cast(col), cast(c.Args.Bind(r.Gt))
		if r.Equal {
			exprs = append(exprs, sqldsl.Gte{Left: lhs, Right: rhs})
		} else {
			exprs = append(exprs, sqldsl.Gt{Left: lhs, Right: rhs})
		}
	}
	if r.Lt != nil {
		lhs, rhs := cast(col), cast(c.Args.Bind(r.Lt))
		if r.Equal {
			exprs = append(exprs, sqldsl.Lte{Left: lhs, Right: rhs})
		} else {
			exprs = append(exprs, sqldsl.Lt{Left: lhs, Right: rhs})
		}
	}
	return sqldsl.And(exprs...)
}

func (c *WhereCompiler) compileIn(col sqldsl.Expr, values []any, not bool) sqldsl.Expr {
	if c.dialect() == sqldsl.Postgres {
		return sqldsl.AnyOf{Expr: col, Array: c.Args.Bind(postgresArray(values)), Not: not}
	}
	phs := make([]sqldsl.Expr, len(values))
	for i, v := range values {
		phs[i] = c.Args.Bind(v)
	}
	return sqldsl.InList{Expr: col, Values: phs, Not: not}
}

// postgresArray wraps values in the narrowest lib/pq array type so the
// parameter is sent in a form both pgx and lib/pq accept.
func postgresArray(values []any) any {
	ints := make([]int64, 0, len(values))
	strs := make([]string, 0, len(values))
	for _, v := range values {
		switch x := v.(type) {
		case int:
			ints = append(ints, int64(x))
		case int64:
			ints = append(ints, x)
		case int32:
			ints = append(ints, int64(x))
		case string:
			strs = append(strs, x)
		}
	}
	switch {
	case len(ints) == len(values):
		return pq.Int64Array(ints)
	case len(strs) == len(values):
		return pq.StringArray(strs)
	}
	return pq.Array(values)
}

func (c *WhereCompiler) compileInSelect(s where.InSelect, alias string) (sqldsl.Expr, error) {
	col := Column(alias, s.Field)
	if s.Through != "" && s.ValField != "" {
		inner, err := c.Compile(s.Where, "ss2")
		if err != nil {
			return nil, err
		}
		pk := s.ThroughPK
		if pk == "" {
			pk = "id"
		}
		return sqldsl.InSubquery{Expr: col, Query: sqldsl.SelectStmt{
			ColumnExprs: []sqldsl.Expr{sqldsl.Col{Table: "ss1", Column: s.ValField}},
			FromExpr:    sqldsl.TableAs(s.Table, "ss1"),
			Joins: []sqldsl.JoinClause{{
				TableExpr: sqldsl.TableAs(s.Through, "ss2"),
				On:        sqldsl.Eq{Left: sqldsl.Col{Table: "ss2", Column: pk}, Right: sqldsl.Col{Table: "ss1", Column: s.Select}},
			}},
			Where: inner,
		}}, nil
	}
	inner, err := c.Compile(s.Where, "")
	if err != nil {
		return nil, err
	}
	return sqldsl.InSubquery{Expr: col, Query: sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Ident(s.Select)},
		FromExpr:    sqldsl.TableRef{Name: s.Table},
		Where:       inner,
	}}, nil
}

// LevelAlias is the alias of level i of a relation path subselect.
func LevelAlias(table string, i int) string {
	return sqldsl.Sanitize(table + "SubJ" + strconv.Itoa(i))
}

func (c *WhereCompiler) compileInSelectLevels(s where.InSelectLevels, alias string) (sqldsl.Expr, error) {
	if len(s.Levels) == 0 {
		return nil, schema.Configf("", s.Field, "relation path without levels")
	}
	var (
		stmt      sqldsl.SelectStmt
		lastAlias string
		inColumn  sqldsl.Expr
	)
	last := len(s.Levels) - 1
	for i, lvl := range s.Levels {
		pk := orDefault(lvl.PKName, "id")
		ref := orDefault(lvl.RefName, "id")
		a := LevelAlias(lvl.Table, i)
		switch {
		case i == 0:
			stmt.FromExpr = sqldsl.TableAs(lvl.Table, a)
			inner, err := c.Compile(s.Where, a)
			if err != nil {
				return nil, err
			}
			stmt.Where = inner
			if last == 0 {
				inColumn = sqldsl.Col{Table: a, Column: pk}
			}
		case i < last:
			var on sqldsl.Expr
			if lvl.FKey != "" {
				on = sqldsl.Eq{Left: sqldsl.Col{Table: lastAlias, Column: lvl.FKey}, Right: sqldsl.Col{Table: a, Column: pk}}
			} else {
				on = sqldsl.Eq{Left: sqldsl.Col{Table: lastAlias, Column: ref}, Right: sqldsl.Col{Table: a, Column: lvl.InboundKey}}
			}
			stmt.Joins = append(stmt.Joins, sqldsl.JoinClause{TableExpr: sqldsl.TableAs(lvl.Table, a), On: on})
		default:
			if lvl.FKey != "" {
				inColumn = sqldsl.Col{Table: lastAlias, Column: lvl.FKey}
			} else {
				stmt.Joins = append(stmt.Joins, sqldsl.JoinClause{
					TableExpr: sqldsl.TableAs(lvl.Table, a),
					On:        sqldsl.Eq{Left: sqldsl.Col{Table: lastAlias, Column: ref}, Right: sqldsl.Col{Table: a, Column: lvl.InboundKey}},
				})
				inColumn = sqldsl.Col{Table: a, Column: pk}
			}
		}
		lastAlias = a
	}
	stmt.ColumnExprs = []sqldsl.Expr{inColumn}
	return sqldsl.InSubquery{Expr: Column(alias, s.Field), Query: stmt}, nil
}

// FTSDocument renders the concatenated searchable text of a row: every
// stored text field plus the summary field of Key fields marked for search.
// Parts are sorted so the expression is stable.
func FTSDocument(fields []*schema.Field, alias string) sqldsl.Expr {
	var parts []string
	for _, f := range fields {
		switch {
		case f.IsText() && f.IsColumn():
			parts = append(parts, sqldsl.Coalesce(Column(alias, f.Name), sqldsl.Lit("")).SQL())
		case f.IsForeignKey() && f.Attributes.IncludeFTS && f.Attributes.SummaryField != "":
			sub := sqldsl.SelectStmt{
				ColumnExprs: []sqldsl.Expr{sqldsl.Ident(f.Attributes.SummaryField)},
				FromExpr:    sqldsl.TableAs(f.RefTable, "rt"),
				Where:       sqldsl.Eq{Left: sqldsl.Col{Table: "rt", Column: f.RefColumn()}, Right: Column(alias, f.Name)},
			}
			parts = append(parts, sqldsl.Coalesce(sqldsl.Subquery{Query: sub}, sqldsl.Lit("")).SQL())
		}
	}
	if len(parts) == 0 {
		return sqldsl.Lit("")
	}
	sort.Strings(parts)
	return sqldsl.Raw(strings.Join(parts, " || ' ' || "))
}

func (c *WhereCompiler) compileFTS(f where.FTS, alias string) sqldsl.Expr {
	doc := FTSDocument(f.Fields, alias)
	if c.dialect() == sqldsl.SQLite {
		return c.contains(doc, f.Term)
	}
	lang := sqldsl.Lit(sqldsl.Sanitize(orDefault(f.Language, orDefault(c.FTSLanguage, DefaultFTSLanguage))))
	prefix := !strings.Contains(f.Term, " ")
	term, fn := f.Term, "plainto_tsquery"
	switch {
	case f.Websearch:
		fn = "websearch_to_tsquery"
	case prefix:
		term, fn = f.Term+":*", "to_tsquery"
	}
	return sqldsl.Raw(fmt.Sprintf("to_tsvector(%s, %s) @@ %s(%s, %s)",
		lang.SQL(), doc.SQL(), fn, lang.SQL(), c.Args.Bind(term).SQL()))
}

var jsonPathSpecial = regexp.MustCompile(`[\x00-\x08\x0A-\x1F"'\x7F.\[\]]`)

// JSONPath renders path segments as an SQL/JSON path: numeric segments
// become array subscripts, segments with special characters are quoted.
func JSONPath(path []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path {
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if jsonPathSpecial.MatchString(seg) {
			b.WriteString("." + strconv.Quote(seg))
			continue
		}
		b.WriteString("." + seg)
	}
	return b.String()
}

func (c *WhereCompiler) jsonValue(col sqldsl.Expr, path []string, asText bool) sqldsl.Expr {
	p := sqldsl.Lit(JSONPath(path))
	if c.dialect() == sqldsl.SQLite {
		return sqldsl.Func{Name: "json_extract", Args: []sqldsl.Expr{col, p}}
	}
	first := sqldsl.Func{Name: "jsonb_path_query_first", Args: []sqldsl.Expr{col, p}}
	if asText {
		return sqldsl.Raw(sqldsl.Func{Name: "jsonb_build_array", Args: []sqldsl.Expr{first}}.SQL() + "->>0")
	}
	return first
}

func (c *WhereCompiler) compileJSON(j where.JSON, alias string) sqldsl.Expr {
	col := Column(alias, j.Field)
	switch {
	case j.ILike:
		return c.contains(c.jsonValue(col, j.Path, true), fmt.Sprint(j.Value))
	case j.Gte != nil || j.Lte != nil:
		var exprs []sqldsl.Expr
		if j.Gte != nil {
			exprs = append(exprs, sqldsl.Gte{Left: c.jsonValue(col, j.Path, false), Right: c.Args.Bind(j.Gte)})
		}
		if j.Lte != nil {
			exprs = append(exprs, sqldsl.Lte{Left: c.jsonValue(col, j.Path, false), Right: c.Args.Bind(j.Lte)})
		}
		return sqldsl.And(exprs...)
	}
	return sqldsl.Eq{Left: c.jsonValue(col, j.Path, true), Right: c.Args.Bind(j.Value)}
}

func (c *WhereCompiler) compileSlug(s where.Slug, alias string) sqldsl.Expr {
	col := Column(alias, s.Field)
	dashed := sqldsl.Func{Name: "REPLACE", Args: []sqldsl.Expr{
		sqldsl.Func{Name: "LOWER", Args: []sqldsl.Expr{col}}, sqldsl.Lit(" "), sqldsl.Lit("-"),
	}}
	if c.dialect() == sqldsl.SQLite {
		return sqldsl.Eq{Left: dashed, Right: c.Args.Bind(s.Value)}
	}
	cleaned := sqldsl.Func{Name: "REGEXP_REPLACE", Args: []sqldsl.Expr{dashed, sqldsl.Lit(`[^\w-]`), sqldsl.Lit(""), sqldsl.Lit("g")}}
	return sqldsl.Eq{Left: cleaned, Right: c.Args.Bind(s.Value)}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
