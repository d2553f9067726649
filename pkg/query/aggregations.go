package query

import (
	"strings"

	"github.com/pthm/tabula/internal/sqlgen"
	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

var plainAggregates = map[string]bool{
	"count":     true,
	"sum":       true,
	"avg":       true,
	"min":       true,
	"max":       true,
	"array_agg": true,
	"bool_and":  true,
	"bool_or":   true,
}

// aggregateFunc renders the aggregate call over field (or * when empty).
func (b Builder) aggregateFunc(agg Aggregation) (sqldsl.Expr, error) {
	arg := sqldsl.Expr(sqldsl.Raw("*"))
	if agg.Field != "" {
		arg = sqldsl.Ident(agg.Field)
	}
	op := strings.ToLower(agg.Aggregate)
	switch {
	case op == "countunique":
		return sqldsl.Func{Name: "count", Distinct: agg.Field != "", Args: []sqldsl.Expr{arg}}, nil
	case op == "array_agg":
		fn := sqldsl.Func{Name: b.Dialect.ArrayAgg(), Args: []sqldsl.Expr{arg}}
		// json_group_array has no ORDER BY argument.
		if agg.OrderBy != "" && b.Dialect == sqldsl.Postgres {
			fn.OrderBy = []sqldsl.OrderTerm{{Expr: sqldsl.Ident(agg.OrderBy)}}
		}
		return fn, nil
	case plainAggregates[op]:
		return sqldsl.Func{Name: op, Args: []sqldsl.Expr{arg}}, nil
	}
	return nil, schema.Configf(agg.Table, agg.Field, "unknown aggregate %q", agg.Aggregate)
}

// aggregation renders agg as a correlated scalar subselect against the
// base row. Filter parameters are bound on wc.
func (b Builder) aggregation(t *schema.Table, agg Aggregation, wc *sqlgen.WhereCompiler) (sqldsl.Expr, error) {
	aggTable, err := b.Schema.MustTable(agg.Table)
	if err != nil {
		return nil, err
	}
	var aggField *schema.Field
	if agg.Field != "" {
		f, ok := aggTable.Field(agg.Field)
		if !ok {
			return nil, schema.Configf(aggTable.Name, agg.Field, "aggregated field not found")
		}
		aggField = f
	}
	if agg.Ref != "" {
		if _, ok := aggTable.Field(agg.Ref); !ok {
			return nil, schema.Configf(aggTable.Name, agg.Ref, "aggregation reference not found")
		}
	}
	own := t.PKName()
	if agg.Through != "" {
		f, ok := t.Field(agg.Through)
		if !ok {
			return nil, schema.Configf(t.Name, agg.Through, "aggregation through field not found")
		}
		own = f.Name
	}
	ownCol := sqldsl.Col{Table: BaseAlias, Column: own}

	// filter is the correlation plus the caller's predicate, with columns
	// qualified by alias when one is given.
	filter := func(alias string) (sqldsl.Expr, error) {
		var parts []sqldsl.Expr
		if agg.Ref != "" {
			parts = append(parts, sqldsl.Eq{Left: sqlgen.Column(alias, agg.Ref), Right: ownCol})
		}
		if !where.IsEmpty(agg.Where) {
			w, err := wc.Compile(agg.Where, alias)
			if err != nil {
				return nil, err
			}
			parts = append(parts, w)
		}
		return sqldsl.And(parts...), nil
	}

	op := strings.ToLower(agg.Aggregate)
	switch {
	case aggField != nil && aggField.IsForeignKey() && aggField.Attributes.SummaryField != "" && op == "array_agg":
		ref, err := b.Schema.MustTable(aggField.RefTable)
		if err != nil {
			return nil, err
		}
		w, err := filter("aggto")
		if err != nil {
			return nil, err
		}
		return sqldsl.Subquery{Query: sqldsl.SelectStmt{
			ColumnExprs: []sqldsl.Expr{sqldsl.Func{
				Name: b.Dialect.ArrayAgg(),
				Args: []sqldsl.Expr{sqldsl.Col{Table: "aggjoin", Column: aggField.Attributes.SummaryField}},
			}},
			FromExpr: sqldsl.TableAs(aggTable.Name, "aggto"),
			Joins: []sqldsl.JoinClause{{
				TableExpr: sqldsl.TableAs(ref.Name, "aggjoin"),
				On: sqldsl.Eq{
					Left:  sqldsl.Col{Table: "aggto", Column: aggField.Name},
					Right: sqldsl.Col{Table: "aggjoin", Column: aggField.RefColumn()},
				},
			}},
			Where: w,
		}}, nil

	case aggField != nil && strings.HasPrefix(agg.Aggregate, "Percent "):
		target := strings.TrimPrefix(agg.Aggregate, "Percent ") == "true"
		w, err := filter("")
		if err != nil {
			return nil, err
		}
		pct := sqldsl.CaseExpr{
			Whens: []sqldsl.CaseWhen{{Cond: sqldsl.Eq{Left: sqldsl.Ident(aggField.Name), Right: sqldsl.Bool(target)}, Result: sqldsl.Raw("100.0")}},
			Else:  sqldsl.Raw("0.0"),
		}
		return sqldsl.Subquery{Query: sqldsl.SelectStmt{
			ColumnExprs: []sqldsl.Expr{sqldsl.Func{Name: "avg", Args: []sqldsl.Expr{pct}}},
			FromExpr:    sqldsl.TableRef{Name: aggTable.Name},
			Where:       w,
		}}, nil

	case aggField != nil && (strings.HasPrefix(agg.Aggregate, "Latest ") || strings.HasPrefix(agg.Aggregate, "Earliest ")):
		latest := strings.HasPrefix(agg.Aggregate, "Latest ")
		dateName := agg.Aggregate[strings.IndexByte(agg.Aggregate, ' ')+1:]
		dateField, ok := aggTable.Field(dateName)
		if !ok {
			return nil, schema.Configf(aggTable.Name, dateName, "date field not found")
		}
		fn := "min"
		if latest {
			fn = "max"
		}
		inner, err := filter("")
		if err != nil {
			return nil, err
		}
		outer, err := filter("")
		if err != nil {
			return nil, err
		}
		extreme := sqldsl.Subquery{Query: sqldsl.SelectStmt{
			ColumnExprs: []sqldsl.Expr{sqldsl.Func{Name: fn, Args: []sqldsl.Expr{sqldsl.Ident(dateField.Name)}}},
			FromExpr:    sqldsl.TableRef{Name: aggTable.Name},
			Where:       inner,
		}}
		return sqldsl.Subquery{Query: sqldsl.SelectStmt{
			ColumnExprs: []sqldsl.Expr{sqldsl.Ident(aggField.Name)},
			FromExpr:    sqldsl.TableRef{Name: aggTable.Name},
			Where:       sqldsl.And(sqldsl.Eq{Left: sqldsl.Ident(dateField.Name), Right: extreme}, outer),
			Limit:       1,
		}}, nil

	case agg.Subselect != nil && agg.Ref != "":
		fn, err := b.aggregateFunc(agg)
		if err != nil {
			return nil, err
		}
		sub, err := b.Schema.MustTable(agg.Subselect.Table)
		if err != nil {
			return nil, err
		}
		for _, name := range []string{agg.Subselect.Field, agg.Subselect.WhereField} {
			if _, ok := sub.Field(name); !ok {
				return nil, schema.Configf(sub.Name, name, "subselect field not found")
			}
		}
		return sqldsl.Subquery{Query: sqldsl.SelectStmt{
			ColumnExprs: []sqldsl.Expr{fn},
			FromExpr:    sqldsl.TableRef{Name: aggTable.Name},
			Where: sqldsl.InSubquery{Expr: sqldsl.Ident(agg.Ref), Query: sqldsl.SelectStmt{
				ColumnExprs: []sqldsl.Expr{sqldsl.Ident(agg.Subselect.Field)},
				FromExpr:    sqldsl.TableRef{Name: sub.Name},
				Where:       sqldsl.Eq{Left: sqldsl.Ident(agg.Subselect.WhereField), Right: ownCol},
			}},
		}}, nil
	}

	fn, err := b.aggregateFunc(agg)
	if err != nil {
		return nil, err
	}
	w, err := filter("")
	if err != nil {
		return nil, err
	}
	return sqldsl.Subquery{Query: sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{fn},
		FromExpr:    sqldsl.TableRef{Name: aggTable.Name},
		Where:       w,
	}}, nil
}
