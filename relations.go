package tabula

import (
	"github.com/pthm/tabula/pkg/relations"
	"github.com/pthm/tabula/pkg/where"
)

// GetParentRelations returns the tables table references, up to depth hops
// away, and the joinable field paths they offer.
func (e *Engine) GetParentRelations(table string, depth int) (relations.Parents, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return relations.Parents{}, err
	}
	return relations.ParentRelations(snap, t, depth)
}

// GetChildRelations returns the tables whose keys reference table. With
// allowJoinAggregations, children reached through a parent are included.
func (e *Engine) GetChildRelations(table string, allowJoinAggregations bool) (relations.Children, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return relations.Children{}, err
	}
	return relations.ChildRelations(snap, t, allowJoinAggregations)
}

// GetJoinFieldOptions lists the fields reachable from table through its
// keys, to depth levels.
func (e *Engine) GetJoinFieldOptions(table string, depth int) ([]relations.JoinFieldOption, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	return relations.JoinFieldOptions(snap, t, depth)
}

// GetManyToManyPaths lists the junction-table paths leading out of table.
func (e *Engine) GetManyToManyPaths(table string) ([]relations.ManyToManyPath, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	return relations.ManyToManyPaths(snap, t)
}

// RelationFilter returns the predicate selecting the rows of table related
// to row srcID of the relation path's source table.
func (e *Engine) RelationFilter(table, path string, srcID any) (where.Pred, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	rel, err := relations.ParseRelation(path)
	if err != nil {
		return nil, err
	}
	return relations.Filter(snap, t, rel, srcID)
}
