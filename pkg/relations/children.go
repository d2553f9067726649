package relations

import "github.com/pthm/tabula/schema"

// ChildRelation is a table holding a Key back to the parent.
type ChildRelation struct {
	KeyField *schema.Field
	Table    *schema.Table
	// Through is set when the child hangs off a table the parent references:
	// parent.Through -> X, and Table.KeyField -> X.
	Through *schema.Field
}

// Children is the result of ChildRelations.
type Children struct {
	Relations []ChildRelation
	// FieldList holds table.key paths, and through.key->table.key paths for
	// join aggregations.
	FieldList []string
}

// ChildRelations enumerates tables referencing table. With
// allowJoinAggregations it also lists the children of every table that
// table references, so aggregations can run through a parent.
func ChildRelations(snap *schema.Snapshot, table *schema.Table, allowJoinAggregations bool) (Children, error) {
	var out Children
	for _, ref := range snap.ReferencingFields(table.Name) {
		out.FieldList = append(out.FieldList, ref.Table.Name+"."+ref.Field.Name)
		out.Relations = append(out.Relations, ChildRelation{KeyField: ref.Field, Table: ref.Table})
	}
	if !allowJoinAggregations {
		return out, nil
	}
	for _, f := range table.Fields {
		if !joinable(f) {
			continue
		}
		parent, err := refTable(snap, table, f)
		if err != nil {
			return Children{}, err
		}
		for _, ref := range snap.ReferencingFields(parent.Name) {
			out.FieldList = append(out.FieldList, f.Name+"->"+ref.Table.Name+"."+ref.Field.Name)
			out.Relations = append(out.Relations, ChildRelation{KeyField: ref.Field, Table: ref.Table, Through: f})
		}
	}
	return out, nil
}
