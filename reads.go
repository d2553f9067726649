package tabula

import (
	"context"
	"log/slog"

	"github.com/pthm/tabula/pkg/expr"
	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/state"
	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/pkg/where"
	"github.com/pthm/tabula/schema"
)

// principalFor applies the decision override to p. A denied principal may
// read and write nothing.
func (e *Engine) principalFor(ctx context.Context, p *schema.Principal) (_ *schema.Principal, denied bool) {
	if p == nil {
		return nil, false
	}
	switch e.decision(ctx) {
	case DecisionAllow:
		return nil, false
	case DecisionDeny:
		return p, true
	}
	return p, false
}

// GetRows returns the rows of table matching pred. opts may add ordering,
// paging, join fields and aggregations; its Where is combined with pred.
func (e *Engine) GetRows(ctx context.Context, table string, pred where.Pred, opts query.Options) ([]Row, error) {
	opts.Where = where.All(pred, opts.Where)
	return e.GetJoinedRows(ctx, table, opts)
}

// GetJoinedRows runs the joined read of table described by opts. Rows the
// principal may not see are left out; a principal who may see nothing gets
// an empty result, not an error.
func (e *Engine) GetJoinedRows(ctx context.Context, table string, opts query.Options) ([]Row, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	return e.read(ctx, e.db, snap, t, opts)
}

// GetRow returns the first row of table matching pred, or nil.
func (e *Engine) GetRow(ctx context.Context, table string, pred where.Pred, p *schema.Principal) (Row, error) {
	rows, err := e.GetRows(ctx, table, pred, query.Options{Limit: 1, Principal: p})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// CountRows counts the rows of table matching pred that p may read.
func (e *Engine) CountRows(ctx context.Context, table string, pred where.Pred, p *schema.Principal) (int64, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return 0, err
	}
	p, denied := e.principalFor(ctx, p)
	if denied {
		return 0, nil
	}
	if query.Restricted(t, p) {
		rows, err := e.read(ctx, e.db, snap, t, query.Options{Where: pred, Principal: p})
		return int64(len(rows)), err
	}
	sql, args, err := e.builder(snap).Count(t, pred)
	if err != nil {
		return 0, err
	}
	return store.Count(ctx, e.db, sql, args...)
}

// DistinctValues returns the sorted distinct values of field among the rows
// of table matching pred that p may read.
func (e *Engine) DistinctValues(ctx context.Context, table, field string, pred where.Pred, p *schema.Principal) ([]any, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	f, ok := t.Field(field)
	if !ok {
		return nil, schema.Configf(t.Name, field, "%v", schema.ErrFieldNotFound)
	}
	p, denied := e.principalFor(ctx, p)
	if denied {
		return nil, nil
	}
	if query.Restricted(t, p) {
		rows, err := e.read(ctx, e.db, snap, t, query.Options{Where: pred, Principal: p, OrderBy: field})
		if err != nil {
			return nil, err
		}
		var out []any
		seen := map[any]bool{}
		for _, r := range rows {
			v := r[field]
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
		return out, nil
	}
	sql, args, err := e.builder(snap).Distinct(t, field, pred)
	if err != nil {
		return nil, err
	}
	rows, err := store.Select(ctx, e.db, sql, args...)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, readOr(f, r[field]))
	}
	return out, nil
}

// GetRowsByState reads table filtered, ordered and paged by loosely typed
// filter state, as submitted by a search form. Keys that name nothing are
// ignored.
func (e *Engine) GetRowsByState(ctx context.Context, table string, filter map[string]any, p *schema.Principal) ([]Row, error) {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	tr := state.Translator{Schema: snap, FTSLanguage: e.ftsLanguage}
	pred, dropped := tr.Where(t, filter)
	opts, ignored := tr.SelectOptions(t, filter)
	if dropped = append(dropped, ignored...); len(dropped) > 0 {
		e.tableLogger(t, OpRead).Debug("ignoring filter keys", slog.Any("keys", dropped))
	}
	opts.Where = pred
	opts.Principal = p
	return e.read(ctx, e.db, snap, t, opts)
}

// read is the joined read behind every public read. It runs on db so
// writes can read their own uncommitted rows.
func (e *Engine) read(ctx context.Context, db store.Execer, snap *schema.Snapshot, t *schema.Table, opts query.Options) ([]Row, error) {
	log := e.tableLogger(t, OpRead)
	p, denied := e.principalFor(ctx, opts.Principal)
	if denied {
		log.Debug("read denied by decision")
		return nil, nil
	}
	opts.Principal = p

	requested := opts.JoinFields
	joinFields := make(map[string]query.JoinField, len(requested))
	for k, v := range requested {
		joinFields[k] = v
	}
	calc := t.CalculatedFields()
	for _, f := range calc {
		vars, err := e.eval.FreeVariables(f.Expression)
		if err != nil {
			return nil, schema.Configf(t.Name, f.Name, "expression: %v", err)
		}
		query.AddFreeVariables(t, vars, joinFields)
	}
	opts.JoinFields = joinFields

	q, err := e.builder(snap).Build(t, opts)
	if err != nil {
		return nil, err
	}
	if q.NotAuthorized {
		log.Debug("not authorized to read", slog.Int("role", p.Role), slog.Int("min_role_read", t.MinRoleRead))
		return nil, nil
	}
	rows, err := store.Select(ctx, db, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	e.normalize(t, q, opts.Aggregations, rows)

	out := rows[:0]
	for _, row := range rows {
		if len(calc) > 0 || q.OwnershipFormula != "" {
			env := copyRow(row)
			query.Nest(env, q.JoinFields)
			if q.OwnershipFormula != "" && !e.holds(log, q.OwnershipFormula, env, p) {
				continue
			}
			for _, f := range calc {
				v, err := e.eval.Evaluate(f.Expression, env, p)
				if err != nil {
					log.Debug("calculated field failed", slog.String("field", f.Name), slog.Any("error", err))
					v = nil
				}
				row[f.Name] = readOr(f, v)
			}
		}
		for name := range q.JoinFields {
			if _, ok := requested[name]; !ok {
				delete(row, name)
			}
		}
		query.Nest(row, requested)
		out = append(out, row)
	}
	return out, nil
}

// holds evaluates a boolean formula. Evaluation errors count as false.
func (e *Engine) holds(log *slog.Logger, formula string, env Row, p *schema.Principal) bool {
	v, err := e.eval.Evaluate(formula, env, p)
	if err != nil {
		log.Debug("formula failed", slog.String("formula", formula), slog.Any("error", err))
		return false
	}
	return expr.Truthy(v)
}
