package query

import (
	"strings"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/schema"
)

// joinSet accumulates LEFT JOINs, emitting each alias once.
type joinSet struct {
	seen    map[string]bool
	clauses []sqldsl.JoinClause
}

func newJoinSet() *joinSet {
	return &joinSet{seen: map[string]bool{}}
}

func (j *joinSet) add(table, alias string, on sqldsl.Expr) {
	if j.seen[alias] {
		return
	}
	j.seen[alias] = true
	j.clauses = append(j.clauses, sqldsl.JoinClause{
		Type:      "LEFT",
		TableExpr: sqldsl.TableAs(table, alias),
		On:        on,
	})
}

// JoinAlias is the alias of the table joined through key field ref.
func JoinAlias(reftable, ref string) string {
	return sqldsl.Sanitize(reftable) + "_jt_" + sqldsl.Sanitize(ref)
}

// ThroughAlias is the alias of a table reached from the table joined
// through ref by following the key fields in path.
func ThroughAlias(fromTable string, path []string, ref string) string {
	return sqldsl.Sanitize(fromTable) + "_jt_" + sqldsl.Sanitize(strings.Join(path, "_")) + "_jt_" + sqldsl.Sanitize(ref)
}

// join adds the joins for jf and returns the column it selects and the
// field that column reads.
func (b Builder) join(t *schema.Table, name string, jf JoinField, joins *joinSet) (sqldsl.Expr, *schema.Field, error) {
	var reftable, alias string
	if jf.OnTable != "" {
		on, err := b.Schema.MustTable(jf.OnTable)
		if err != nil {
			return nil, nil, schema.Configf(t.Name, name, "related table %s not found", jf.OnTable)
		}
		f, ok := on.Field(jf.Ref)
		if !ok {
			return nil, nil, schema.Configf(t.Name, jf.Ref, "key field not found in related table %s", jf.OnTable)
		}
		reftable = on.Name
		alias = JoinAlias(reftable, jf.Ref)
		joins.add(reftable, alias, sqldsl.Eq{
			Left:  sqldsl.Col{Table: alias, Column: jf.Ref},
			Right: sqldsl.Col{Table: BaseAlias, Column: f.RefColumn()},
		})
	} else {
		f, ok := t.Field(jf.Ref)
		if !ok {
			return nil, nil, schema.Configf(t.Name, jf.Ref, "key field not found")
		}
		if !f.IsForeignKey() {
			return nil, nil, schema.Configf(t.Name, jf.Ref, "not a key field")
		}
		reftable = f.RefTable
		alias = JoinAlias(reftable, jf.Ref)
		joins.add(reftable, alias, sqldsl.Eq{
			Left:  sqldsl.Col{Table: alias, Column: f.RefColumn()},
			Right: sqldsl.Col{Table: BaseAlias, Column: f.Name},
		})
	}

	// last is the table the current alias reads from.
	last, err := b.Schema.MustTable(reftable)
	if err != nil {
		return nil, nil, err
	}
	lastAlias := alias
	for i, through := range jf.Through {
		tf, ok := last.Field(through)
		if !ok {
			return nil, nil, schema.Configf(last.Name, through, "reference field not found")
		}
		if !tf.IsForeignKey() {
			return nil, nil, schema.Configf(last.Name, through, "not a key field")
		}
		final, err := b.Schema.MustTable(tf.RefTable)
		if err != nil {
			return nil, nil, err
		}
		a := ThroughAlias(last.Name, jf.Through[:i+1], jf.Ref)
		joins.add(final.Name, a, sqldsl.Eq{
			Left:  sqldsl.Col{Table: a, Column: tf.RefColumn()},
			Right: sqldsl.Col{Table: lastAlias, Column: tf.Name},
		})
		last, lastAlias = final, a
	}

	target, ok := last.Field(jf.Target)
	if !ok || !target.IsColumn() {
		return nil, nil, schema.Configf(last.Name, jf.Target, "join target not found")
	}
	return sqldsl.Col{Table: lastAlias, Column: target.Name}, target, nil
}
