// Package schema models the runtime-declared tables and fields that tabula
// interprets to build SQL.
//
// Tables and fields are data, not Go types: they are read from two metadata
// relations (_tabula_tables and _tabula_fields) and held in an immutable
// Snapshot. A Cache swaps snapshots wholesale, so concurrent readers see
// either the schema before a structural change or the schema after it.
//
// # Key Types
//
// Table carries the security policy (minimum read/write roles, ownership
// field or formula) and owns its Fields. A Field has a type tag from the type
// registry; the Key type references another table's primary key and File
// holds a path to a stored file.
//
// # Roles
//
// Roles are integers where lower is more privileged. RoleAdmin (1) can do
// anything; RolePublic (100) is an anonymous caller. A principal whose role
// number is greater than a table's MinRoleRead is restricted by the table's
// ownership policy.
package schema

import "sort"

// Well-known roles.
const (
	RoleAdmin  = 1
	RoleStaff  = 40
	RoleUser   = 80
	RolePublic = 100
)

// UsersTable is the table ownership fields must reference.
const UsersTable = "users"

// ReservedPrefix starts the names of the internal columns a query selects
// to evaluate expressions. Field names may not use it.
const ReservedPrefix = "__"

// Principal is the authenticated caller a request acts for.
// The data layer never authenticates; it only authorizes against this value.
type Principal struct {
	ID   any
	Role int
}

// Public returns the anonymous principal.
func Public() *Principal {
	return &Principal{Role: RolePublic}
}

// IsPublic reports whether the principal has the public role.
func (p *Principal) IsPublic() bool {
	return p != nil && p.Role >= RolePublic
}

// Table is a runtime-declared relation.
type Table struct {
	ID               int
	Name             string
	Description      string
	MinRoleRead      int
	MinRoleWrite     int
	OwnershipFieldID int
	OwnershipFormula string
	Versioned        bool

	Fields      []*Field
	Constraints []*Constraint
}

// PKField returns the primary key field, or nil if none is declared.
func (t *Table) PKField() *Field {
	for _, f := range t.Fields {
		if f.PrimaryKey {
			return f
		}
	}
	return nil
}

// PKName returns the primary key column name, defaulting to "id".
func (t *Table) PKName() string {
	if pk := t.PKField(); pk != nil {
		return pk.Name
	}
	return "id"
}

// Field returns the field with the given name.
func (t *Table) Field(name string) (*Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// FieldByID returns the field with the given id.
func (t *Table) FieldByID(id int) (*Field, bool) {
	for _, f := range t.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// OwnershipField returns the field holding the owning user's id, if any.
func (t *Table) OwnershipField() *Field {
	if t.OwnershipFieldID == 0 {
		return nil
	}
	f, _ := t.FieldByID(t.OwnershipFieldID)
	return f
}

// HasOwnership reports whether the table declares any ownership policy.
func (t *Table) HasOwnership() bool {
	return t.OwnershipFieldID != 0 || t.OwnershipFormula != ""
}

// HistoryName is the name of the parallel history relation of a versioned table.
func (t *Table) HistoryName() string {
	return t.Name + "__history"
}

// ForeignKeys returns the Key-typed fields in declaration order.
func (t *Table) ForeignKeys() []*Field {
	var out []*Field
	for _, f := range t.Fields {
		if f.IsForeignKey() {
			out = append(out, f)
		}
	}
	return out
}

// StoredColumns returns the fields that are materialized as columns:
// everything except calculated fields that are not stored.
func (t *Table) StoredColumns() []*Field {
	var out []*Field
	for _, f := range t.Fields {
		if f.IsColumn() {
			out = append(out, f)
		}
	}
	return out
}

// StoredExpressionFields returns calculated fields whose value is persisted.
func (t *Table) StoredExpressionFields() []*Field {
	var out []*Field
	for _, f := range t.Fields {
		if f.Calculated && f.Stored {
			out = append(out, f)
		}
	}
	return out
}

// CalculatedFields returns calculated fields that are computed on read.
func (t *Table) CalculatedFields() []*Field {
	var out []*Field
	for _, f := range t.Fields {
		if f.Calculated && !f.Stored {
			out = append(out, f)
		}
	}
	return out
}

// CascadingFileFields returns File-typed fields whose files are removed with the row.
func (t *Table) CascadingFileFields() []*Field {
	var out []*Field
	for _, f := range t.Fields {
		if f.Type == TypeFile && f.Attributes.AlsoDeleteFile {
			out = append(out, f)
		}
	}
	return out
}

// FieldNames returns the names of all fields, sorted.
func (t *Table) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	sort.Strings(names)
	return names
}

// Field is one column (or computed value) of a Table.
type Field struct {
	ID         int
	TableID    int
	Name       string
	Label      string
	Type       TypeName
	RefTable   string // target table for Key fields
	RefName    string // referenced column for Key fields, usually the target's primary key
	Required   bool
	IsUnique   bool
	PrimaryKey bool
	Calculated bool
	Stored     bool
	Expression string
	Attributes Attributes
}

// Attributes are type-specific options persisted as JSON in the metadata.
type Attributes struct {
	SummaryField    string   `json:"summary_field,omitempty"`
	MinRoleWrite    int      `json:"min_role_write,omitempty"`
	UniqueErrorMsg  string   `json:"unique_error_msg,omitempty"`
	ExactSearchOnly bool     `json:"exact_search_only,omitempty"`
	DayOnly         bool     `json:"day_only,omitempty"`
	Options         []string `json:"options,omitempty"`
	AlsoDeleteFile  bool     `json:"also_delete_file,omitempty"`
	IncludeFTS      bool     `json:"include_fts,omitempty"`
}

// IsForeignKey reports whether the field is of the Key type.
func (f *Field) IsForeignKey() bool {
	return f.Type == TypeKey
}

// IsColumn reports whether the field is materialized in storage.
func (f *Field) IsColumn() bool {
	return !f.Calculated || f.Stored
}

// RefColumn returns the referenced column of a Key field.
func (f *Field) RefColumn() string {
	if f.RefName == "" {
		return "id"
	}
	return f.RefName
}

// DisplayLabel returns the label, falling back to the name.
func (f *Field) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// IsText reports whether the field holds free text.
func (f *Field) IsText() bool {
	return f.Type == TypeString
}

// ConstraintType identifies the kind of a table constraint.
type ConstraintType string

const (
	// ConstraintUnique is a multi-column uniqueness constraint.
	ConstraintUnique ConstraintType = "Unique"
	// ConstraintFormula is an expression every row must satisfy.
	ConstraintFormula ConstraintType = "Formula"
)

// Constraint is a table-level rule beyond single-field flags.
type Constraint struct {
	ID       int            `json:"id,omitempty"`
	TableID  int            `json:"table_id,omitempty"`
	Type     ConstraintType `json:"type"`
	Fields   []string       `json:"fields,omitempty"`
	Formula  string         `json:"formula,omitempty"`
	ErrorMsg string         `json:"errormsg,omitempty"`
}

// Name returns the storage name of a Unique constraint.
func (c *Constraint) Name(table string) string {
	return UniqueName(table, c.Fields)
}
