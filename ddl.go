package tabula

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pthm/tabula/pkg/query"
	"github.com/pthm/tabula/pkg/store"
	"github.com/pthm/tabula/schema"
)

func (e *Engine) planner(snap *schema.Snapshot) schema.Planner {
	return schema.Planner{Dialect: e.db.Dialect, Lookup: snap.Table}
}

// structural runs a schema change in one transaction and refreshes the
// cache once it has committed.
func (e *Engine) structural(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := e.db.WithTx(ctx, fn); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

func cloneTable(t *schema.Table) *schema.Table {
	c := *t
	c.Fields = make([]*schema.Field, len(t.Fields))
	for i, f := range t.Fields {
		fc := *f
		c.Fields[i] = &fc
	}
	c.Constraints = make([]*schema.Constraint, len(t.Constraints))
	for i, con := range t.Constraints {
		cc := *con
		cc.Fields = append([]string(nil), con.Fields...)
		c.Constraints[i] = &cc
	}
	return &c
}

// CreateTable creates the storage and metadata of def. A definition without
// a primary key gets an Integer "id". Unset roles default to RoleAdmin. The
// ownership field is set afterwards with UpdateTable, once field ids exist.
func (e *Engine) CreateTable(ctx context.Context, def *schema.Table) (*schema.Table, error) {
	snap := e.Schema()
	t := cloneTable(def)
	if _, exists := snap.Table(t.Name); exists {
		return nil, schema.Configf(t.Name, "", "table already exists")
	}
	if t.PKField() == nil {
		t.Fields = append([]*schema.Field{{Name: "id", Label: "ID", Type: schema.TypeInteger, PrimaryKey: true}}, t.Fields...)
	}
	if t.MinRoleRead == 0 {
		t.MinRoleRead = schema.RoleAdmin
	}
	if t.MinRoleWrite == 0 {
		t.MinRoleWrite = schema.RoleAdmin
	}
	if t.OwnershipFieldID != 0 {
		return nil, schema.Configf(t.Name, "", "set the ownership field with UpdateTable after creation")
	}
	lookup := func(name string) (*schema.Table, bool) {
		if name == t.Name {
			return t, true
		}
		return snap.Table(name)
	}
	if err := t.Validate(lookup); err != nil {
		return nil, err
	}
	stmts, err := schema.Planner{Dialect: e.db.Dialect, Lookup: lookup}.CreateTable(t)
	if err != nil {
		return nil, err
	}

	err = e.structural(ctx, func(tx *sql.Tx) error {
		if err := store.Exec(ctx, tx, stmts...); err != nil {
			return err
		}
		if err := schema.InsertTableMetadata(ctx, tx, e.db.Dialect, t); err != nil {
			return err
		}
		for _, f := range t.Fields {
			f.TableID = t.ID
			if err := schema.InsertFieldMetadata(ctx, tx, e.db.Dialect, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("created table", slog.String("table", t.Name), slog.Int("fields", len(t.Fields)))
	return e.Table(t.Name)
}

// UpdateTable changes the policy of an existing table: description, roles,
// ownership, versioning and constraints. Fields are changed with the field
// operations. Turning versioning on creates the history relation; turning
// it off drops it.
func (e *Engine) UpdateTable(ctx context.Context, def *schema.Table) (*schema.Table, error) {
	snap := e.Schema()
	old, err := snap.MustTable(def.Name)
	if err != nil {
		return nil, err
	}
	t := cloneTable(old)
	t.Description = def.Description
	t.MinRoleRead = def.MinRoleRead
	t.MinRoleWrite = def.MinRoleWrite
	t.OwnershipFieldID = def.OwnershipFieldID
	t.OwnershipFormula = def.OwnershipFormula
	t.Versioned = def.Versioned
	t.Constraints = cloneTable(def).Constraints
	if err := t.Validate(snap.Table); err != nil {
		return nil, err
	}

	p := e.planner(snap)
	var stmts []string
	switch {
	case t.Versioned && !old.Versioned:
		stmts = append(stmts, p.CreateHistory(t)...)
	case !t.Versioned && old.Versioned:
		stmts = append(stmts, p.DropHistory(old)...)
	}
	before := uniqueSets(old)
	after := uniqueSets(t)
	for name, fields := range before {
		if _, keep := after[name]; !keep {
			stmts = append(stmts, p.DropUnique(t.Name, fields))
		}
	}
	for name, fields := range after {
		if _, had := before[name]; !had {
			stmts = append(stmts, p.AddUnique(t.Name, fields))
		}
	}

	err = e.structural(ctx, func(tx *sql.Tx) error {
		if err := store.Exec(ctx, tx, stmts...); err != nil {
			return err
		}
		return schema.UpdateTableMetadata(ctx, tx, e.db.Dialect, t)
	})
	if err != nil {
		return nil, err
	}
	return e.Table(t.Name)
}

func uniqueSets(t *schema.Table) map[string][]string {
	out := map[string][]string{}
	for _, c := range t.Constraints {
		if c.Type == schema.ConstraintUnique {
			out[c.Name(t.Name)] = c.Fields
		}
	}
	return out
}

// DeleteTable drops table, its history and its metadata. A table that other
// tables reference cannot be deleted.
func (e *Engine) DeleteTable(ctx context.Context, table string) error {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return err
	}
	for _, ref := range snap.ReferencingFields(t.Name) {
		if ref.Table.Name != t.Name {
			return schema.Configf(t.Name, "", "referenced by %s.%s", ref.Table.Name, ref.Field.Name)
		}
	}
	err = e.structural(ctx, func(tx *sql.Tx) error {
		if err := store.Exec(ctx, tx, e.planner(snap).DropTable(t)...); err != nil {
			return err
		}
		return schema.DeleteTableMetadata(ctx, tx, e.db.Dialect, t)
	})
	if err != nil {
		return err
	}
	e.logger.Info("deleted table", slog.String("table", t.Name))
	return nil
}

// CreateField adds def to table. A stored calculated field is computed for
// every existing row.
func (e *Engine) CreateField(ctx context.Context, table string, def *schema.Field) (*schema.Field, error) {
	snap := e.Schema()
	old, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	if def.PrimaryKey {
		return nil, schema.Configf(old.Name, def.Name, "table already has a primary key")
	}
	f := *def
	f.TableID = old.ID
	t := cloneTable(old)
	t.Fields = append(t.Fields, &f)
	if err := t.Validate(snap.Table); err != nil {
		return nil, err
	}
	stmts := e.planner(snap).AddColumn(old, &f)
	err = e.structural(ctx, func(tx *sql.Tx) error {
		if err := store.Exec(ctx, tx, stmts...); err != nil {
			return err
		}
		return schema.InsertFieldMetadata(ctx, tx, e.db.Dialect, &f)
	})
	if err != nil {
		return nil, err
	}
	if f.Calculated && f.Stored {
		if _, err := e.RecalculateStoredFields(ctx, table); err != nil {
			return nil, err
		}
	}
	return e.field(table, f.Name)
}

func (e *Engine) field(table, name string) (*schema.Field, error) {
	t, err := e.Table(table)
	if err != nil {
		return nil, err
	}
	f, ok := t.Field(name)
	if !ok {
		return nil, schema.Configf(table, name, "%v", schema.ErrFieldNotFound)
	}
	return f, nil
}

// UpdateField replaces the definition of field name. Renames, the required
// flag and the unique flag change storage; the type cannot change.
func (e *Engine) UpdateField(ctx context.Context, table, name string, def *schema.Field) (*schema.Field, error) {
	snap := e.Schema()
	old, err := snap.MustTable(table)
	if err != nil {
		return nil, err
	}
	prev, ok := old.Field(name)
	if !ok {
		return nil, schema.Configf(old.Name, name, "%v", schema.ErrFieldNotFound)
	}
	if def.Type != prev.Type {
		return nil, schema.Configf(old.Name, name, "cannot change type from %s to %s", prev.Type, def.Type)
	}
	f := *def
	f.ID = prev.ID
	f.TableID = prev.TableID
	f.PrimaryKey = prev.PrimaryKey
	t := cloneTable(old)
	for i, cur := range t.Fields {
		if cur.ID == prev.ID {
			t.Fields[i] = &f
		}
	}
	if err := t.Validate(snap.Table); err != nil {
		return nil, err
	}
	stmts := e.planner(snap).AlterColumn(old, prev, &f)
	err = e.structural(ctx, func(tx *sql.Tx) error {
		if err := store.Exec(ctx, tx, stmts...); err != nil {
			return err
		}
		return schema.UpdateFieldMetadata(ctx, tx, e.db.Dialect, &f)
	})
	if err != nil {
		return nil, err
	}
	if f.Calculated && f.Stored && (f.Expression != prev.Expression || !prev.Stored) {
		if _, err := e.RecalculateStoredFields(ctx, table); err != nil {
			return nil, err
		}
	}
	return e.field(table, f.Name)
}

// DeleteField drops field name from table. The primary key, the ownership
// field and fields named by a unique constraint cannot be deleted.
func (e *Engine) DeleteField(ctx context.Context, table, name string) error {
	snap := e.Schema()
	t, err := snap.MustTable(table)
	if err != nil {
		return err
	}
	f, ok := t.Field(name)
	if !ok {
		return schema.Configf(t.Name, name, "%v", schema.ErrFieldNotFound)
	}
	switch {
	case f.PrimaryKey:
		return schema.Configf(t.Name, name, "cannot delete the primary key")
	case f.ID == t.OwnershipFieldID:
		return schema.Configf(t.Name, name, "cannot delete the ownership field")
	}
	for _, c := range t.Constraints {
		for _, cf := range c.Fields {
			if cf == name {
				return schema.Configf(t.Name, name, "named by unique constraint %s", c.Name(t.Name))
			}
		}
	}
	return e.structural(ctx, func(tx *sql.Tx) error {
		if err := store.Exec(ctx, tx, e.planner(snap).DropColumn(t, f)...); err != nil {
			return err
		}
		return schema.DeleteFieldMetadata(ctx, tx, e.db.Dialect, f)
	})
}

// RecalculateStoredFields recomputes every stored calculated field of table
// for every row and returns the number of rows rewritten. Recalculation
// records no history and fires no triggers.
func (e *Engine) RecalculateStoredFields(ctx context.Context, table string) (int, error) {
	m, err := e.begin(ctx, table, OpUpdate, nil)
	if err != nil {
		return 0, err
	}
	if len(m.t.StoredExpressionFields()) == 0 {
		return 0, nil
	}
	if err := m.resolveDependencies(); err != nil {
		return 0, err
	}
	n := 0
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := e.read(ctx, tx, m.snap, m.t, query.Options{JoinFields: m.joinFields})
		if err != nil {
			return err
		}
		for _, env := range rows {
			id := env[m.t.PKName()]
			if err := m.write(ctx, tx, m.computeStored(env), id); err != nil {
				return fmt.Errorf("recalculate %s %v: %w", m.t.Name, id, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.log.Info("recalculated stored fields", slog.Int("rows", n))
	return n, nil
}
