package schema

import (
	"fmt"
	"strings"

	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
)

// History bookkeeping columns appended to every history relation.
const (
	HistoryVersionColumn   = "_version"
	HistoryTimeColumn      = "_time"
	HistoryRestoreOfColumn = "_restore_of_version"
	HistoryUserColumn      = "_userid"
)

// Planner produces DDL statements for one dialect. Plans are plain statement
// lists so callers can execute them in a transaction or print them for a dry run.
type Planner struct {
	Dialect sqldsl.Dialect
	// Lookup resolves referenced tables so Key columns take the type of the
	// target primary key. Nil means Key columns are integers.
	Lookup func(name string) (*Table, bool)
}

func (p Planner) refPK(f *Field) *Field {
	if !f.IsForeignKey() || p.Lookup == nil {
		return nil
	}
	if ref, ok := p.Lookup(f.RefTable); ok {
		return ref.PKField()
	}
	return nil
}

func (p Planner) pkColumn(f *Field) string {
	name := sqldsl.Quote(f.Name)
	switch {
	case f.Type == TypeUUID && p.Dialect == sqldsl.Postgres:
		return name + " uuid PRIMARY KEY DEFAULT gen_random_uuid()"
	case f.Type == TypeUUID:
		return name + " text PRIMARY KEY"
	case f.Type == TypeString:
		return name + " text PRIMARY KEY"
	case p.Dialect == sqldsl.SQLite:
		return name + " integer PRIMARY KEY AUTOINCREMENT"
	default:
		return name + " serial PRIMARY KEY"
	}
}

// ColumnDef renders one column definition including NOT NULL and REFERENCES.
func (p Planner) ColumnDef(f *Field) string {
	var b strings.Builder
	b.WriteString(sqldsl.Quote(f.Name))
	b.WriteString(" ")
	b.WriteString(f.SQLType(p.Dialect, p.refPK(f)))
	if f.Required {
		b.WriteString(" NOT NULL")
	}
	if f.IsForeignKey() {
		fmt.Fprintf(&b, " REFERENCES %s(%s)", sqldsl.Quote(f.RefTable), sqldsl.Quote(f.RefColumn()))
	}
	return b.String()
}

// CreateTable plans the storage relation for t, its unique constraints and,
// when t is versioned, its history relation.
func (p Planner) CreateTable(t *Table) ([]string, error) {
	pk := t.PKField()
	if pk == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, t.Name)
	}
	cols := []string{p.pkColumn(pk)}
	for _, f := range t.StoredColumns() {
		if f.PrimaryKey {
			continue
		}
		cols = append(cols, p.ColumnDef(f))
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", sqldsl.Quote(t.Name), strings.Join(cols, ",\n    "))}
	for _, f := range t.StoredColumns() {
		if f.IsUnique && !f.PrimaryKey {
			stmts = append(stmts, p.AddUnique(t.Name, []string{f.Name}))
		}
	}
	for _, c := range t.Constraints {
		if c.Type == ConstraintUnique {
			stmts = append(stmts, p.AddUnique(t.Name, c.Fields))
		}
	}
	if t.Versioned {
		stmts = append(stmts, p.CreateHistory(t)...)
	}
	return stmts, nil
}

// CreateHistory plans the history relation of t: the stored columns without
// constraints plus version bookkeeping, keyed on (pk, version).
func (p Planner) CreateHistory(t *Table) []string {
	cols := make([]string, 0, len(t.Fields)+4)
	for _, f := range t.StoredColumns() {
		typ := f.SQLType(p.Dialect, p.refPK(f))
		if f.PrimaryKey && f.Type != TypeUUID && f.Type != TypeString {
			typ = "integer"
		}
		cols = append(cols, sqldsl.Quote(f.Name)+" "+typ)
	}
	cols = append(cols,
		HistoryVersionColumn+" integer NOT NULL",
		HistoryTimeColumn+" timestamp NOT NULL",
		HistoryRestoreOfColumn+" integer",
		HistoryUserColumn+" integer",
		fmt.Sprintf("PRIMARY KEY (%s, %s)", sqldsl.Quote(t.PKName()), HistoryVersionColumn),
	)
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", sqldsl.Quote(t.HistoryName()), strings.Join(cols, ",\n    "))}
}

// DropHistory plans removal of the history relation of t.
func (p Planner) DropHistory(t *Table) []string {
	return []string{"DROP TABLE IF EXISTS " + sqldsl.Quote(t.HistoryName())}
}

// DropTable plans removal of t and its history.
func (p Planner) DropTable(t *Table) []string {
	stmts := []string{"DROP TABLE IF EXISTS " + sqldsl.Quote(t.Name)}
	if t.Versioned {
		stmts = append(stmts, p.DropHistory(t)...)
	}
	return stmts
}

// AddColumn plans a new column for f on t and its history. Calculated fields
// that are not stored need no storage.
func (p Planner) AddColumn(t *Table, f *Field) []string {
	if !f.IsColumn() {
		return nil
	}
	def := *f
	// SQLite cannot add a NOT NULL column without a default.
	if p.Dialect == sqldsl.SQLite {
		def.Required = false
	}
	stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", sqldsl.Quote(t.Name), p.ColumnDef(&def))}
	if f.IsUnique {
		stmts = append(stmts, p.AddUnique(t.Name, []string{f.Name}))
	}
	if t.Versioned {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			sqldsl.Quote(t.HistoryName()), sqldsl.Quote(f.Name), f.SQLType(p.Dialect, p.refPK(f))))
	}
	return stmts
}

// AlterColumn plans the storage changes between old and updated versions of
// a field: rename, required toggle and unique toggle.
func (p Planner) AlterColumn(t *Table, old, updated *Field) []string {
	if !old.IsColumn() && !updated.IsColumn() {
		return nil
	}
	if !old.IsColumn() {
		return p.AddColumn(t, updated)
	}
	if !updated.IsColumn() {
		return p.DropColumn(t, old)
	}

	var stmts []string
	if old.IsUnique && (!updated.IsUnique || old.Name != updated.Name) {
		stmts = append(stmts, p.DropUnique(t.Name, []string{old.Name}))
	}
	if old.Name != updated.Name {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
			sqldsl.Quote(t.Name), sqldsl.Quote(old.Name), sqldsl.Quote(updated.Name)))
		if t.Versioned {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
				sqldsl.Quote(t.HistoryName()), sqldsl.Quote(old.Name), sqldsl.Quote(updated.Name)))
		}
	}
	// SQLite keeps the required flag in metadata only.
	if p.Dialect == sqldsl.Postgres && old.Required != updated.Required {
		action := "DROP NOT NULL"
		if updated.Required {
			action = "SET NOT NULL"
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s",
			sqldsl.Quote(t.Name), sqldsl.Quote(updated.Name), action))
	}
	if updated.IsUnique && (!old.IsUnique || old.Name != updated.Name) {
		stmts = append(stmts, p.AddUnique(t.Name, []string{updated.Name}))
	}
	return stmts
}

// DropColumn plans removal of f from t and its history.
func (p Planner) DropColumn(t *Table, f *Field) []string {
	if !f.IsColumn() {
		return nil
	}
	var stmts []string
	if f.IsUnique && p.Dialect == sqldsl.SQLite {
		stmts = append(stmts, p.DropUnique(t.Name, []string{f.Name}))
	}
	stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", sqldsl.Quote(t.Name), sqldsl.Quote(f.Name)))
	if t.Versioned {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", sqldsl.Quote(t.HistoryName()), sqldsl.Quote(f.Name)))
	}
	return stmts
}

// UniqueName returns the storage name of a uniqueness constraint over fields.
func UniqueName(table string, fields []string) string {
	return Sanitize(table + "_" + strings.Join(fields, "_") + "_unique")
}

// AddUnique plans a uniqueness constraint. SQLite uses a unique index because
// it cannot add or drop named table constraints.
func (p Planner) AddUnique(table string, fields []string) string {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = sqldsl.Quote(f)
	}
	name := sqldsl.Quote(UniqueName(table, fields))
	if p.Dialect == sqldsl.SQLite {
		return fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)", name, sqldsl.Quote(table), strings.Join(cols, ", "))
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)", sqldsl.Quote(table), name, strings.Join(cols, ", "))
}

// DropUnique plans removal of a uniqueness constraint created by AddUnique.
func (p Planner) DropUnique(table string, fields []string) string {
	name := sqldsl.Quote(UniqueName(table, fields))
	if p.Dialect == sqldsl.SQLite {
		return "DROP INDEX IF EXISTS " + name
	}
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", sqldsl.Quote(table), name)
}
