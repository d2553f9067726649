package relations

import "github.com/pthm/tabula/schema"

// MaxDepth is the deepest parent traversal supported: a Key field, its
// target's Key field, and that target's Key field.
const MaxDepth = 2

// ParentRelation is one route to a parent table.
type ParentRelation struct {
	// KeyField is the Key field followed last.
	KeyField *schema.Field
	// Table is the parent table KeyField points at.
	Table *schema.Table
	// Through is the Key field of the starting table followed first, for
	// two-hop relations.
	Through *schema.Field
	// OnTable is set for one-to-one relations, where KeyField is a unique
	// Key on OnTable pointing back at the starting table.
	OnTable *schema.Table
}

// Parents is the result of ParentRelations.
type Parents struct {
	Relations []ParentRelation
	// FieldList holds dotted paths to every reachable parent field, such as
	// favbook.author or favbook.publisher.name, plus one-to-one paths of
	// the form table.key->field.
	FieldList []string
}

func refTable(snap *schema.Snapshot, owner *schema.Table, f *schema.Field) (*schema.Table, error) {
	t, ok := snap.Table(f.RefTable)
	if !ok {
		return nil, schema.Configf(owner.Name, f.Name, "unable to find table %q", f.RefTable)
	}
	return t, nil
}

// joinable reports whether f can be followed as a join: a Key, not a File.
func joinable(f *schema.Field) bool {
	return f.IsForeignKey() && f.Type != schema.TypeFile
}

func columns(t *schema.Table) []*schema.Field {
	return t.StoredColumns()
}

// ParentRelations enumerates parent tables of table up to depth extra hops
// (0, 1 or 2) beyond its own Key fields.
func ParentRelations(snap *schema.Snapshot, table *schema.Table, depth int) (Parents, error) {
	var out Parents
	for _, f := range table.Fields {
		if !joinable(f) {
			continue
		}
		parent, err := refTable(snap, table, f)
		if err != nil {
			return Parents{}, err
		}
		for _, pf := range columns(parent) {
			out.FieldList = append(out.FieldList, f.Name+"."+pf.Name)
			if !joinable(pf) || depth < 1 {
				continue
			}
			grand, err := refTable(snap, parent, pf)
			if err != nil {
				return Parents{}, err
			}
			for _, gpf := range columns(grand) {
				out.FieldList = append(out.FieldList, f.Name+"."+pf.Name+"."+gpf.Name)
				if !joinable(gpf) || depth < 2 {
					continue
				}
				great, err := refTable(snap, grand, gpf)
				if err != nil {
					return Parents{}, err
				}
				for _, ggpf := range columns(great) {
					out.FieldList = append(out.FieldList, f.Name+"."+pf.Name+"."+gpf.Name+"."+ggpf.Name)
				}
			}
			out.Relations = append(out.Relations, ParentRelation{KeyField: pf, Through: f, Table: grand})
		}
		out.Relations = append(out.Relations, ParentRelation{KeyField: f, Table: parent})
	}

	for _, ref := range snap.ReferencingFields(table.Name) {
		if !ref.Field.IsUnique {
			continue
		}
		for _, rf := range ref.Table.Fields {
			out.FieldList = append(out.FieldList, ref.Table.Name+"."+ref.Field.Name+"->"+rf.Name)
		}
		out.Relations = append(out.Relations, ParentRelation{KeyField: ref.Field, OnTable: ref.Table})
	}
	return out, nil
}
