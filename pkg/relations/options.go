package relations

import "github.com/pthm/tabula/schema"

// JoinFieldOption is a node in the tree of fields reachable through Key
// fields. Table is set on nodes that can be expanded further.
type JoinFieldOption struct {
	Name      string
	Table     string
	FieldPath string
	SubFields []JoinFieldOption
}

// JoinFieldOptions returns, for each Key field of table, the tree of parent
// fields it can join to, expanding further Key fields up to depth extra hops.
func JoinFieldOptions(snap *schema.Snapshot, table *schema.Table, depth int) ([]JoinFieldOption, error) {
	var out []JoinFieldOption
	for _, f := range table.Fields {
		if !joinable(f) {
			continue
		}
		parent, err := refTable(snap, table, f)
		if err != nil {
			return nil, err
		}
		opt := JoinFieldOption{Name: f.Name, Table: parent.Name, FieldPath: f.Name}
		subs, err := joinFieldTree(snap, parent, f.Name, depth)
		if err != nil {
			return nil, err
		}
		opt.SubFields = subs
		out = append(out, opt)
	}
	return out, nil
}

func joinFieldTree(snap *schema.Snapshot, table *schema.Table, prefix string, depth int) ([]JoinFieldOption, error) {
	var out []JoinFieldOption
	for _, f := range columns(table) {
		opt := JoinFieldOption{Name: f.Name, FieldPath: prefix + "." + f.Name}
		if joinable(f) && depth > 0 {
			next, err := refTable(snap, table, f)
			if err != nil {
				return nil, err
			}
			opt.Table = next.Name
			subs, err := joinFieldTree(snap, next, opt.FieldPath, depth-1)
			if err != nil {
				return nil, err
			}
			opt.SubFields = subs
		}
		out = append(out, opt)
	}
	return out, nil
}
