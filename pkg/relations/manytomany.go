package relations

import "github.com/pthm/tabula/schema"

// ManyToManyPath is a route from a source table to a target through a
// junction table holding Keys to both. Layer, when set, continues one more
// inbound hop to a table referencing the target.
type ManyToManyPath struct {
	Relation  Relation
	Junction  *schema.Table
	SourceKey *schema.Field
	TargetKey *schema.Field
	Target    *schema.Table
	Layer     *schema.FieldRef
}

// ManyToManyPaths lists the junction routes starting at source, including
// routes that first follow one of source's own Key fields.
func ManyToManyPaths(snap *schema.Snapshot, source *schema.Table) ([]ManyToManyPath, error) {
	return manyToMany(snap, source, Relation{SourceTable: source.Name})
}

func manyToMany(snap *schema.Snapshot, from *schema.Table, prefix Relation) ([]ManyToManyPath, error) {
	var out []ManyToManyPath
	for _, toSource := range snap.ReferencingFields(from.Name) {
		visited := map[*schema.Field]bool{}
		junction := toSource.Table
		for _, toTarget := range junction.ForeignKeys() {
			if toTarget == toSource.Field || visited[toTarget] {
				continue
			}
			visited[toTarget] = true
			target, err := refTable(snap, junction, toTarget)
			if err != nil {
				return nil, err
			}
			base := extend(prefix,
				Hop{Table: junction.Name, InboundKey: toSource.Field.Name},
				Hop{FKey: toTarget.Name})
			out = append(out, ManyToManyPath{
				Relation: base, Junction: junction, SourceKey: toSource.Field, TargetKey: toTarget, Target: target,
			})
			for _, layer := range snap.ReferencingFields(target.Name) {
				if visited[layer.Field] {
					continue
				}
				visited[layer.Field] = true
				l := layer
				out = append(out, ManyToManyPath{
					Relation:  extend(base, Hop{Table: layer.Table.Name, InboundKey: layer.Field.Name}),
					Junction:  junction,
					SourceKey: toSource.Field,
					TargetKey: toTarget,
					Target:    target,
					Layer:     &l,
				})
			}
		}
	}
	if len(prefix.Path) == 0 {
		for _, fk := range from.ForeignKeys() {
			next, err := refTable(snap, from, fk)
			if err != nil {
				return nil, err
			}
			more, err := manyToMany(snap, next, extend(prefix, Hop{FKey: fk.Name}))
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
	}
	return out, nil
}

func extend(r Relation, hops ...Hop) Relation {
	path := make([]Hop, 0, len(r.Path)+len(hops))
	path = append(path, r.Path...)
	path = append(path, hops...)
	return Relation{SourceTable: r.SourceTable, Path: path}
}
