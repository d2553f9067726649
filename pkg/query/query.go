// Package query builds the single SELECT statement behind a joined read.
//
// A query starts from the base table aliased "a". Join fields add LEFT
// JOINs with deterministic aliases, aggregations add correlated scalar
// subselects, and the caller's ownership policy is folded into the WHERE
// clause. Output names are stable for a given set of options, so ORDER BY
// may name a join field or aggregation.
//
// # Ownership
//
// A principal whose role number exceeds the table's MinRoleRead is
// restricted:
//
//   - an ownership field becomes an equality predicate on the principal id
//   - an ownership formula pulls its free variables in as join fields and
//     the rows are filtered after fetch (Query.OwnershipFormula)
//   - the users table restricts to the principal's own row
//   - any other table returns no rows (Query.NotAuthorized)
//
// Public principals are never owners.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pthm/tabula/internal/sqlgen"
	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

// BaseAlias is the alias of the queried table.
const BaseAlias = "a"

// JoinField fetches Target from the table referenced by the key field Ref.
//
// Through lists further key fields followed from the referenced table, one
// per hop. OnTable names a table holding Ref as a unique key pointing back
// at the base table (a one-to-one inbound join). RenameObject, when set,
// nests the fetched value into the row under the path it names; it is
// filled in for join fields derived from expression free variables.
type JoinField struct {
	Ref          string   `json:"ref"`
	Target       string   `json:"target"`
	Through      []string `json:"through,omitempty"`
	OnTable      string   `json:"ontable,omitempty"`
	RenameObject []string `json:"rename_object,omitempty"`
}

// Subselect aggregates rows whose Ref is in (SELECT Field FROM Table WHERE
// WhereField = base.pk), the many-to-many aggregation shape.
type Subselect struct {
	Table      string `json:"table"`
	Field      string `json:"field"`
	WhereField string `json:"where_field"`
}

// Aggregation computes one output column over rows of Table whose Ref
// matches the base row.
//
// Aggregate is one of count, countunique, sum, avg, min, max, array_agg,
// "Percent true", "Percent false", "Latest <date field>" or
// "Earliest <date field>". Through names a base field to match Ref against
// instead of the primary key.
type Aggregation struct {
	Table     string     `json:"table"`
	Ref       string     `json:"ref"`
	Field     string     `json:"field,omitempty"`
	Aggregate string     `json:"aggregate"`
	Where     where.Pred `json:"-"`
	Through   string     `json:"through,omitempty"`
	Subselect *Subselect `json:"subselect,omitempty"`
	OrderBy   string     `json:"orderBy,omitempty"`
}

// DistanceOrder orders rows by proximity of (LatField, LongField) to a point.
type DistanceOrder struct {
	LatField  string
	LongField string
	Lat       float64
	Long      float64
}

// Options configures a joined read.
type Options struct {
	Where        where.Pred
	JoinFields   map[string]JoinField
	Aggregations map[string]Aggregation

	// OrderBy names a base field, a join field or an aggregation.
	OrderBy   string
	OrderDesc bool
	NoCase    bool
	Random    bool
	Distance  *DistanceOrder

	Limit  int
	Offset int

	// Principal is the caller. Nil is a trusted internal caller.
	Principal *schema.Principal
}

// Query is a built statement plus what the caller needs to post-process
// the rows it returns.
type Query struct {
	SQL  string
	Args []any

	// JoinFields are the effective join fields, including those added for
	// the ownership formula.
	JoinFields map[string]JoinField
	// Columns maps output names of join fields to the field they read, for
	// value normalization.
	Columns map[string]*schema.Field
	// ArrayColumns are outputs produced by array_agg.
	ArrayColumns []string

	// NotAuthorized means the principal may see no rows; SQL is empty.
	NotAuthorized bool
	// OwnershipFormula, when set, must hold for each returned row.
	OwnershipFormula string
}

// FreeVariablesFunc returns the dotted row references of an expression.
type FreeVariablesFunc func(src string) ([]string, error)

// Builder builds joined queries against one schema snapshot.
type Builder struct {
	Dialect       sqldsl.Dialect
	Schema        *schema.Snapshot
	FreeVariables FreeVariablesFunc
	FTSLanguage   string
}

// Restricted reports whether p is subject to t's ownership policy when
// reading.
func Restricted(t *schema.Table, p *schema.Principal) bool {
	return p != nil && p.Role > t.MinRoleRead
}

// Build renders the joined read of table described by opts.
func (b Builder) Build(table *schema.Table, opts Options) (*Query, error) {
	q := &Query{
		JoinFields: make(map[string]JoinField, len(opts.JoinFields)),
		Columns:    map[string]*schema.Field{},
	}
	for k, v := range opts.JoinFields {
		q.JoinFields[k] = v
	}

	pred := opts.Where
	if Restricted(table, opts.Principal) {
		owner, err := b.ownership(table, opts.Principal, q)
		if err != nil {
			return nil, err
		}
		if q.NotAuthorized {
			return q, nil
		}
		pred = where.All(pred, owner)
	}

	wc := sqlgen.NewWhereCompiler(b.Dialect)
	wc.FTSLanguage = b.FTSLanguage

	stmt := sqldsl.SelectStmt{FromExpr: sqldsl.TableAs(table.Name, BaseAlias)}

	joins := newJoinSet()
	for _, name := range sortedKeys(q.JoinFields) {
		col, target, err := b.join(table, name, q.JoinFields[name], joins)
		if err != nil {
			return nil, err
		}
		q.Columns[name] = target
		stmt.ColumnExprs = append(stmt.ColumnExprs, sqldsl.SelectAs(col, sqldsl.Sanitize(name)))
	}
	stmt.Joins = joins.clauses

	for _, f := range table.StoredColumns() {
		stmt.ColumnExprs = append(stmt.ColumnExprs, sqldsl.Col{Table: BaseAlias, Column: f.Name})
	}

	// Aggregation parameters are bound before the WHERE clause's, matching
	// their position in the statement.
	aggNames := sortedKeys(opts.Aggregations)
	for _, name := range aggNames {
		agg := opts.Aggregations[name]
		e, err := b.aggregation(table, agg, wc)
		if err != nil {
			return nil, err
		}
		stmt.ColumnExprs = append(stmt.ColumnExprs, sqldsl.SelectAs(e, sqldsl.Sanitize(name)))
		if strings.EqualFold(agg.Aggregate, "array_agg") {
			q.ArrayColumns = append(q.ArrayColumns, sqldsl.Sanitize(name))
		}
	}

	w, err := wc.Compile(pred, BaseAlias)
	if err != nil {
		return nil, err
	}
	stmt.Where = w

	order, err := b.order(table, opts, q.JoinFields)
	if err != nil {
		return nil, err
	}
	stmt.OrderBy = order
	stmt.Limit = opts.Limit
	stmt.Offset = opts.Offset

	q.SQL = stmt.SQL()
	q.Args = wc.Args.Values
	return q, nil
}

// ownership returns the predicate restricting a read to p's rows, adding
// formula join fields to q. It sets q.NotAuthorized when p may see nothing.
func (b Builder) ownership(t *schema.Table, p *schema.Principal, q *Query) (where.Pred, error) {
	if p.IsPublic() {
		q.NotAuthorized = true
		return nil, nil
	}
	switch {
	case t.OwnershipFieldID != 0:
		owner := t.OwnershipField()
		if owner == nil {
			return nil, schema.Configf(t.Name, "", "owner field %d not found", t.OwnershipFieldID)
		}
		return where.Eq{Field: owner.Name, Value: p.ID}, nil
	case t.OwnershipFormula != "":
		if b.FreeVariables == nil {
			return nil, schema.Configf(t.Name, "", "ownership formula needs an expression evaluator")
		}
		vars, err := b.FreeVariables(t.OwnershipFormula)
		if err != nil {
			return nil, fmt.Errorf("ownership formula of %s: %w", t.Name, err)
		}
		AddFreeVariables(t, vars, q.JoinFields)
		q.OwnershipFormula = t.OwnershipFormula
		return nil, nil
	case t.Name == schema.UsersTable:
		return where.Eq{Field: t.PKName(), Value: p.ID}, nil
	}
	q.NotAuthorized = true
	return nil, nil
}

func (b Builder) order(t *schema.Table, opts Options, joinFields map[string]JoinField) ([]sqldsl.OrderTerm, error) {
	switch {
	case opts.Distance != nil:
		d := opts.Distance
		for _, name := range []string{d.LatField, d.LongField} {
			if _, ok := t.Field(name); !ok {
				return nil, schema.Configf(t.Name, name, "unknown distance field")
			}
		}
		dist := sqlgen.Distance(
			sqldsl.Col{Table: BaseAlias, Column: d.LatField},
			sqldsl.Col{Table: BaseAlias, Column: d.LongField},
			d.Lat, d.Long)
		return []sqldsl.OrderTerm{{Expr: dist}}, nil
	case opts.Random || strings.EqualFold(opts.OrderBy, "random()"):
		return []sqldsl.OrderTerm{{Expr: sqlgen.Random}}, nil
	case opts.OrderBy == "":
		return nil, nil
	}

	var col sqldsl.Expr
	if _, ok := joinFields[opts.OrderBy]; ok {
		col = sqldsl.Ident(opts.OrderBy)
	} else if _, ok := opts.Aggregations[opts.OrderBy]; ok {
		col = sqldsl.Ident(opts.OrderBy)
	} else if f, ok := t.Field(opts.OrderBy); ok && f.IsColumn() {
		col = sqldsl.Col{Table: BaseAlias, Column: f.Name}
	} else {
		return nil, schema.Configf(t.Name, opts.OrderBy, "unknown order field")
	}
	return []sqldsl.OrderTerm{sqlgen.Order(col, opts.OrderDesc, opts.NoCase)}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count renders SELECT COUNT(*) over the rows of t matching pred.
func (b Builder) Count(t *schema.Table, pred where.Pred) (string, []any, error) {
	wc := sqlgen.NewWhereCompiler(b.Dialect)
	wc.FTSLanguage = b.FTSLanguage
	w, err := wc.Compile(pred, BaseAlias)
	if err != nil {
		return "", nil, err
	}
	stmt := sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Func{Name: "COUNT", Args: []sqldsl.Expr{sqldsl.Raw("*")}}},
		FromExpr:    sqldsl.TableAs(t.Name, BaseAlias),
		Where:       w,
	}
	return stmt.SQL(), wc.Args.Values, nil
}

// Distinct renders the sorted distinct values of field over rows of t
// matching pred.
func (b Builder) Distinct(t *schema.Table, field string, pred where.Pred) (string, []any, error) {
	f, ok := t.Field(field)
	if !ok || !f.IsColumn() {
		return "", nil, schema.Configf(t.Name, field, "field not found")
	}
	wc := sqlgen.NewWhereCompiler(b.Dialect)
	wc.FTSLanguage = b.FTSLanguage
	w, err := wc.Compile(pred, BaseAlias)
	if err != nil {
		return "", nil, err
	}
	col := sqldsl.Col{Table: BaseAlias, Column: f.Name}
	stmt := sqldsl.SelectStmt{
		Distinct:    true,
		ColumnExprs: []sqldsl.Expr{col},
		FromExpr:    sqldsl.TableAs(t.Name, BaseAlias),
		Where:       w,
		OrderBy:     []sqldsl.OrderTerm{{Expr: col}},
	}
	return stmt.SQL(), wc.Args.Values, nil
}
