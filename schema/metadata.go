package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
)

// Metadata relation names.
const (
	TablesRelation = "_tabula_tables"
	FieldsRelation = "_tabula_fields"
)

// ErrMissingMetadata is returned when the metadata relations do not exist.
var ErrMissingMetadata = errors.New("tabula: metadata relations missing, run tabula migrate")

// Querier executes read queries. Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer extends Querier with ExecContext for metadata writes and DDL.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// MetadataDDL returns the statements creating the metadata relations.
// Every statement is idempotent.
func MetadataDDL(d sqldsl.Dialect) []string {
	return []string{
		sqldsl.Sqlf(`
			CREATE TABLE IF NOT EXISTS %s (
			    id %s,
			    name text NOT NULL UNIQUE,
			    description text,
			    min_role_read integer NOT NULL DEFAULT 1,
			    min_role_write integer NOT NULL DEFAULT 1,
			    ownership_field_id integer,
			    ownership_formula text,
			    versioned boolean NOT NULL DEFAULT false,
			    constraints text
			)`, TablesRelation, d.SerialPrimaryKey()),
		sqldsl.Sqlf(`
			CREATE TABLE IF NOT EXISTS %s (
			    id %s,
			    table_id integer NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			    name text NOT NULL,
			    label text,
			    type text NOT NULL,
			    reftable_name text,
			    refname text,
			    required boolean NOT NULL DEFAULT false,
			    is_unique boolean NOT NULL DEFAULT false,
			    primary_key boolean NOT NULL DEFAULT false,
			    calculated boolean NOT NULL DEFAULT false,
			    stored boolean NOT NULL DEFAULT false,
			    expression text,
			    attributes text,
			    UNIQUE (table_id, name)
			)`, FieldsRelation, d.SerialPrimaryKey(), TablesRelation),
	}
}

// RelationExists reports whether a relation with the given name exists.
func RelationExists(ctx context.Context, q Querier, d sqldsl.Dialect, name string) (bool, error) {
	var query string
	switch d {
	case sqldsl.SQLite:
		query = "SELECT count(*) > 0 FROM sqlite_master WHERE type = 'table' AND name = ?1"
	default:
		query = "SELECT to_regclass($1) IS NOT NULL"
	}
	var ok bool
	if err := q.QueryRowContext(ctx, query, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking relation %s: %w", name, err)
	}
	return ok, nil
}

// SQLLoader loads table definitions from the metadata relations.
type SQLLoader struct {
	DB      Querier
	Dialect sqldsl.Dialect
}

// LoadTables implements Loader.
func (l SQLLoader) LoadTables(ctx context.Context) ([]*Table, error) {
	ok, err := RelationExists(ctx, l.DB, l.Dialect, TablesRelation)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMissingMetadata
	}

	tables, byID, err := l.loadTables(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.loadFields(ctx, byID); err != nil {
		return nil, err
	}
	return tables, nil
}

func (l SQLLoader) loadTables(ctx context.Context) ([]*Table, map[int]*Table, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id, name, description, min_role_read, min_role_write,
		ownership_field_id, ownership_formula, versioned, constraints
		FROM `+TablesRelation+` ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("querying %s: %w", TablesRelation, err)
	}
	defer func() { _ = rows.Close() }()

	var tables []*Table
	byID := make(map[int]*Table)
	for rows.Next() {
		var (
			t            Table
			desc         sql.NullString
			ownerField   sql.NullInt64
			ownerFormula sql.NullString
			constraints  sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Name, &desc, &t.MinRoleRead, &t.MinRoleWrite,
			&ownerField, &ownerFormula, &t.Versioned, &constraints); err != nil {
			return nil, nil, fmt.Errorf("scanning %s: %w", TablesRelation, err)
		}
		t.Description = desc.String
		t.OwnershipFieldID = int(ownerField.Int64)
		t.OwnershipFormula = ownerFormula.String
		if constraints.String != "" {
			if err := json.Unmarshal([]byte(constraints.String), &t.Constraints); err != nil {
				return nil, nil, fmt.Errorf("decoding constraints of %s: %w", t.Name, err)
			}
		}
		tables = append(tables, &t)
		byID[t.ID] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return tables, byID, nil
}

func (l SQLLoader) loadFields(ctx context.Context, byID map[int]*Table) error {
	rows, err := l.DB.QueryContext(ctx, `SELECT id, table_id, name, label, type, reftable_name, refname,
		required, is_unique, primary_key, calculated, stored, expression, attributes
		FROM `+FieldsRelation+` ORDER BY table_id, id`)
	if err != nil {
		return fmt.Errorf("querying %s: %w", FieldsRelation, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			f                   Field
			label, ref, refName sql.NullString
			expression, attrs   sql.NullString
			typ                 string
		)
		if err := rows.Scan(&f.ID, &f.TableID, &f.Name, &label, &typ, &ref, &refName,
			&f.Required, &f.IsUnique, &f.PrimaryKey, &f.Calculated, &f.Stored, &expression, &attrs); err != nil {
			return fmt.Errorf("scanning %s: %w", FieldsRelation, err)
		}
		f.Type = TypeName(typ)
		f.Label = label.String
		f.RefTable = ref.String
		f.RefName = refName.String
		f.Expression = expression.String
		if attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &f.Attributes); err != nil {
				return fmt.Errorf("decoding attributes of field %s: %w", f.Name, err)
			}
		}
		t, ok := byID[f.TableID]
		if !ok {
			return Configf("", f.Name, "field belongs to unknown table id %d", f.TableID)
		}
		t.Fields = append(t.Fields, &f)
	}
	return rows.Err()
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func constraintsJSON(cs []*Constraint) (any, error) {
	if len(cs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func attributesJSON(a Attributes) (any, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if string(b) == "{}" {
		return nil, nil
	}
	return string(b), nil
}

// InsertTableMetadata records t in the tables relation and sets t.ID.
func InsertTableMetadata(ctx context.Context, db Execer, d sqldsl.Dialect, t *Table) error {
	cs, err := constraintsJSON(t.Constraints)
	if err != nil {
		return err
	}
	args := sqldsl.NewArgs(d)
	stmt := sqldsl.InsertStmt{
		Table: TablesRelation,
		Columns: []string{"name", "description", "min_role_read", "min_role_write",
			"ownership_field_id", "ownership_formula", "versioned", "constraints"},
		Values: []sqldsl.Expr{
			args.Bind(t.Name), args.Bind(nullIfEmpty(t.Description)), args.Bind(t.MinRoleRead),
			args.Bind(t.MinRoleWrite), args.Bind(nullIfZero(t.OwnershipFieldID)),
			args.Bind(nullIfEmpty(t.OwnershipFormula)), args.Bind(t.Versioned), args.Bind(cs),
		},
		Returning: "id",
	}
	if err := db.QueryRowContext(ctx, stmt.SQL(), args.Values...).Scan(&t.ID); err != nil {
		return fmt.Errorf("recording table %s: %w", t.Name, err)
	}
	return nil
}

// UpdateTableMetadata rewrites the policy columns of an existing table record.
func UpdateTableMetadata(ctx context.Context, db Execer, d sqldsl.Dialect, t *Table) error {
	cs, err := constraintsJSON(t.Constraints)
	if err != nil {
		return err
	}
	args := sqldsl.NewArgs(d)
	stmt := sqldsl.UpdateStmt{
		Table: TablesRelation,
		Set: []sqldsl.Assignment{
			{Column: "description", Value: args.Bind(nullIfEmpty(t.Description))},
			{Column: "min_role_read", Value: args.Bind(t.MinRoleRead)},
			{Column: "min_role_write", Value: args.Bind(t.MinRoleWrite)},
			{Column: "ownership_field_id", Value: args.Bind(nullIfZero(t.OwnershipFieldID))},
			{Column: "ownership_formula", Value: args.Bind(nullIfEmpty(t.OwnershipFormula))},
			{Column: "versioned", Value: args.Bind(t.Versioned)},
			{Column: "constraints", Value: args.Bind(cs)},
		},
		Where: sqldsl.Eq{Left: sqldsl.Ident("id"), Right: args.Bind(t.ID)},
	}
	if _, err := db.ExecContext(ctx, stmt.SQL(), args.Values...); err != nil {
		return fmt.Errorf("updating table %s: %w", t.Name, err)
	}
	return nil
}

// DeleteTableMetadata removes a table record and, by cascade, its fields.
func DeleteTableMetadata(ctx context.Context, db Execer, d sqldsl.Dialect, t *Table) error {
	args := sqldsl.NewArgs(d)
	// SQLite only cascades with foreign_keys enabled.
	fields := sqldsl.DeleteStmt{Table: FieldsRelation, Where: sqldsl.Eq{Left: sqldsl.Ident("table_id"), Right: args.Bind(t.ID)}}
	if _, err := db.ExecContext(ctx, fields.SQL(), args.Values...); err != nil {
		return fmt.Errorf("deleting fields of %s: %w", t.Name, err)
	}
	args = sqldsl.NewArgs(d)
	stmt := sqldsl.DeleteStmt{Table: TablesRelation, Where: sqldsl.Eq{Left: sqldsl.Ident("id"), Right: args.Bind(t.ID)}}
	if _, err := db.ExecContext(ctx, stmt.SQL(), args.Values...); err != nil {
		return fmt.Errorf("deleting table %s: %w", t.Name, err)
	}
	return nil
}

func fieldValues(args *sqldsl.Args, f *Field) ([]sqldsl.Expr, error) {
	attrs, err := attributesJSON(f.Attributes)
	if err != nil {
		return nil, err
	}
	return []sqldsl.Expr{
		args.Bind(f.Name), args.Bind(nullIfEmpty(f.Label)), args.Bind(string(f.Type)),
		args.Bind(nullIfEmpty(f.RefTable)), args.Bind(nullIfEmpty(f.RefName)), args.Bind(f.Required),
		args.Bind(f.IsUnique), args.Bind(f.PrimaryKey), args.Bind(f.Calculated), args.Bind(f.Stored),
		args.Bind(nullIfEmpty(f.Expression)), args.Bind(attrs),
	}, nil
}

var fieldColumns = []string{"name", "label", "type", "reftable_name", "refname", "required",
	"is_unique", "primary_key", "calculated", "stored", "expression", "attributes"}

// InsertFieldMetadata records f in the fields relation and sets f.ID.
func InsertFieldMetadata(ctx context.Context, db Execer, d sqldsl.Dialect, f *Field) error {
	args := sqldsl.NewArgs(d)
	vals, err := fieldValues(args, f)
	if err != nil {
		return err
	}
	stmt := sqldsl.InsertStmt{
		Table:     FieldsRelation,
		Columns:   append([]string{"table_id"}, fieldColumns...),
		Values:    append([]sqldsl.Expr{args.Bind(f.TableID)}, vals...),
		Returning: "id",
	}
	if err := db.QueryRowContext(ctx, stmt.SQL(), args.Values...).Scan(&f.ID); err != nil {
		return fmt.Errorf("recording field %s: %w", f.Name, err)
	}
	return nil
}

// UpdateFieldMetadata rewrites an existing field record.
func UpdateFieldMetadata(ctx context.Context, db Execer, d sqldsl.Dialect, f *Field) error {
	args := sqldsl.NewArgs(d)
	vals, err := fieldValues(args, f)
	if err != nil {
		return err
	}
	set := make([]sqldsl.Assignment, len(fieldColumns))
	for i, c := range fieldColumns {
		set[i] = sqldsl.Assignment{Column: c, Value: vals[i]}
	}
	stmt := sqldsl.UpdateStmt{Table: FieldsRelation, Set: set, Where: sqldsl.Eq{Left: sqldsl.Ident("id"), Right: args.Bind(f.ID)}}
	if _, err := db.ExecContext(ctx, stmt.SQL(), args.Values...); err != nil {
		return fmt.Errorf("updating field %s: %w", f.Name, err)
	}
	return nil
}

// DeleteFieldMetadata removes a field record.
func DeleteFieldMetadata(ctx context.Context, db Execer, d sqldsl.Dialect, f *Field) error {
	args := sqldsl.NewArgs(d)
	stmt := sqldsl.DeleteStmt{Table: FieldsRelation, Where: sqldsl.Eq{Left: sqldsl.Ident("id"), Right: args.Bind(f.ID)}}
	if _, err := db.ExecContext(ctx, stmt.SQL(), args.Values...); err != nil {
		return fmt.Errorf("deleting field %s: %w", f.Name, err)
	}
	return nil
}
