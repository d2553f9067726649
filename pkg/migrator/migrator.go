package migrator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/schema"
)

// FormatVersion is incremented when the definition format or the way
// definitions are applied changes. This ensures migrations re-run even if
// the definitions checksum matches.
const FormatVersion = "1"

// MigrationsRelation records applied migrations.
const MigrationsRelation = "tabula_migrations"

// MigrateOptions controls migration behavior.
type MigrateOptions struct {
	// DryRun writes the planned steps and their SQL to the writer without
	// changing the database.
	DryRun io.Writer

	// Force re-applies the definitions even if they are unchanged.
	Force bool
}

// MigrationRecord represents a row in the tabula_migrations table.
type MigrationRecord struct {
	SchemaChecksum string
	FormatVersion  string
	TableNames     []string
	AppliedAt      time.Time
}

// Migrator applies table definitions to an engine's database.
// The migrator is idempotent - safe to run on every application startup.
//
// A migration:
//  1. Creates the metadata relations
//  2. Creates missing tables, referenced tables first
//  3. Adds missing fields and updates changed ones
//  4. Applies table policy: roles, ownership, versioning and constraints
//
// Tables and fields absent from the definitions are left alone; a
// migration never drops data. Each step is its own transaction, and the
// migration is recorded once every step has succeeded.
type Migrator struct {
	eng        *tabula.Engine
	schemasDir string
	logger     *slog.Logger
}

// NewMigrator creates a migrator for the definitions in schemasDir.
func NewMigrator(eng *tabula.Engine, schemasDir string) *Migrator {
	return &Migrator{eng: eng, schemasDir: schemasDir, logger: slog.New(slog.DiscardHandler)}
}

// WithLogger sets the logger for applied steps.
func (m *Migrator) WithLogger(l *slog.Logger) *Migrator {
	m.logger = l
	return m
}

// SchemasDir returns the definitions directory.
func (m *Migrator) SchemasDir() string {
	return m.schemasDir
}

// HasDefinitions returns true if the definitions directory holds at least
// one definition file.
func (m *Migrator) HasDefinitions() bool {
	files, err := DefinitionFiles(m.schemasDir)
	return err == nil && len(files) > 0
}

// step is one planned change.
type step struct {
	desc  string
	sql   []string
	apply func(ctx context.Context) error
}

// plan compares defs with the engine's current schema.
func (m *Migrator) plan(defs []TableDef) ([]step, error) {
	snap := m.eng.Schema()
	d := m.eng.DB().Dialect
	planned := map[string]*schema.Table{}
	lookup := func(name string) (*schema.Table, bool) {
		if t, ok := planned[name]; ok {
			return t, true
		}
		return snap.Table(name)
	}
	planner := schema.Planner{Dialect: d, Lookup: lookup}

	var steps []step
	deferred := map[string][]FieldDef{}

	// Missing tables, in an order where every referenced table exists
	// first. Keys closing a cycle are added once all tables exist.
	var missing []TableDef
	for _, def := range defs {
		if _, ok := snap.Table(def.Name); !ok {
			missing = append(missing, def)
		}
	}
	for len(missing) > 0 {
		progressed := false
		var rest []TableDef
		for _, def := range missing {
			if !resolvable(def, def.Fields, lookup) {
				rest = append(rest, def)
				continue
			}
			steps = append(steps, m.createStep(def, def.Fields, planned, planner))
			progressed = true
		}
		if !progressed {
			// Break the cycle at the first table.
			def := rest[0]
			var now []FieldDef
			for _, f := range def.Fields {
				if f.Type == schema.TypeKey && f.RefTable != def.Name {
					if _, ok := lookup(f.RefTable); !ok {
						deferred[def.Name] = append(deferred[def.Name], f)
						continue
					}
				}
				now = append(now, f)
			}
			steps = append(steps, m.createStep(def, now, planned, planner))
			rest = rest[1:]
		}
		missing = rest
	}
	for _, def := range defs {
		for _, f := range def.Fields {
			if f.Type == schema.TypeKey {
				if _, ok := lookup(f.RefTable); !ok {
					return nil, schema.Configf(def.Name, f.Name, "references unknown table %s", f.RefTable)
				}
			}
		}
	}

	// Fields and policy.
	for _, def := range defs {
		cur, exists := snap.Table(def.Name)
		for _, fd := range deferred[def.Name] {
			steps = append(steps, m.addFieldStep(def.Name, fd, planned[def.Name], planner))
		}
		if exists {
			for _, fd := range def.Fields {
				prev, ok := cur.Field(fd.Name)
				if !ok {
					steps = append(steps, m.addFieldStep(def.Name, fd, cur, planner))
					continue
				}
				if prev.PrimaryKey {
					continue
				}
				want := fd.Field()
				if want.Type != prev.Type {
					return nil, schema.Configf(def.Name, fd.Name, "cannot change type from %s to %s", prev.Type, want.Type)
				}
				if fieldChanged(prev, want) {
					steps = append(steps, step{
						desc:  fmt.Sprintf("update field %s.%s", def.Name, fd.Name),
						sql:   planner.AlterColumn(cur, prev, want),
						apply: func(ctx context.Context) error { _, err := m.eng.UpdateField(ctx, def.Name, fd.Name, want); return err },
					})
				}
			}
			for _, f := range cur.Fields {
				if !f.PrimaryKey && !defines(def, f.Name) {
					m.logger.Warn("field not in definitions", slog.String("table", def.Name), slog.String("field", f.Name))
				}
			}
		}
		if !exists || policyChanged(cur, def) {
			steps = append(steps, m.policyStep(def))
		}
	}
	return steps, nil
}

// resolvable reports whether every key of fields references a known table
// or def itself.
func resolvable(def TableDef, fields []FieldDef, lookup func(string) (*schema.Table, bool)) bool {
	for _, f := range fields {
		if f.Type != schema.TypeKey || f.RefTable == def.Name {
			continue
		}
		if _, ok := lookup(f.RefTable); !ok {
			return false
		}
	}
	return true
}

func defines(def TableDef, field string) bool {
	for _, f := range def.Fields {
		if f.Name == field {
			return true
		}
	}
	return false
}

func (m *Migrator) createStep(def TableDef, fields []FieldDef, planned map[string]*schema.Table, planner schema.Planner) step {
	t := def.Table()
	t.Fields = nil
	for _, f := range fields {
		t.Fields = append(t.Fields, f.Field())
	}
	// Policy is applied by its own step once fields have ids.
	create := *t
	create.Constraints = nil
	create.OwnershipFormula = ""
	create.Versioned = false

	withPK := create
	if withPK.PKField() == nil {
		withPK.Fields = append([]*schema.Field{{Name: "id", Label: "ID", Type: schema.TypeInteger, PrimaryKey: true}}, withPK.Fields...)
	}
	planned[def.Name] = &withPK
	stmts, err := planner.CreateTable(&withPK)
	if err != nil {
		stmts = []string{"-- " + err.Error()}
	}
	return step{
		desc:  "create table " + def.Name,
		sql:   stmts,
		apply: func(ctx context.Context) error { _, err := m.eng.CreateTable(ctx, &create); return err },
	}
}

func (m *Migrator) addFieldStep(table string, fd FieldDef, t *schema.Table, planner schema.Planner) step {
	f := fd.Field()
	var stmts []string
	if t != nil {
		stmts = planner.AddColumn(t, f)
	}
	return step{
		desc:  fmt.Sprintf("add field %s.%s", table, fd.Name),
		sql:   stmts,
		apply: func(ctx context.Context) error { _, err := m.eng.CreateField(ctx, table, f); return err },
	}
}

func (m *Migrator) policyStep(def TableDef) step {
	return step{
		desc: "apply policy of " + def.Name,
		apply: func(ctx context.Context) error {
			cur, err := m.eng.Table(def.Name)
			if err != nil {
				return err
			}
			want := def.Table()
			want.Fields = cur.Fields
			if def.OwnershipField != "" {
				f, ok := cur.Field(def.OwnershipField)
				if !ok {
					return schema.Configf(def.Name, def.OwnershipField, "ownership field not defined")
				}
				want.OwnershipFieldID = f.ID
			}
			_, err = m.eng.UpdateTable(ctx, want)
			return err
		},
	}
}

func fieldChanged(cur, want *schema.Field) bool {
	return cur.Label != want.Label ||
		cur.Required != want.Required ||
		cur.IsUnique != want.IsUnique ||
		cur.Calculated != want.Calculated ||
		cur.Stored != want.Stored ||
		cur.Expression != want.Expression ||
		cur.RefTable != want.RefTable ||
		!reflect.DeepEqual(cur.Attributes, want.Attributes)
}

func policyChanged(cur *schema.Table, def TableDef) bool {
	want := def.Table()
	owner := ""
	if f := cur.OwnershipField(); f != nil {
		owner = f.Name
	}
	return cur.Description != want.Description ||
		cur.MinRoleRead != want.MinRoleRead ||
		cur.MinRoleWrite != want.MinRoleWrite ||
		cur.OwnershipFormula != want.OwnershipFormula ||
		cur.Versioned != want.Versioned ||
		owner != def.OwnershipField ||
		!sameConstraints(cur.Constraints, want.Constraints)
}

func sameConstraints(a, b []*schema.Constraint) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(c *schema.Constraint) string {
		return fmt.Sprintf("%s|%s|%s|%s", c.Type, strings.Join(c.Fields, ","), c.Formula, c.ErrorMsg)
	}
	ka := make([]string, len(a))
	kb := make([]string, len(b))
	for i := range a {
		ka[i], kb[i] = key(a[i]), key(b[i])
	}
	sort.Strings(ka)
	sort.Strings(kb)
	return reflect.DeepEqual(ka, kb)
}

// MigrateDefinitions applies defs. content is the raw definition text used
// for the skip-if-unchanged checksum; when empty the optimization is
// disabled. It reports whether the migration was skipped.
func (m *Migrator) MigrateDefinitions(ctx context.Context, defs []TableDef, content string, opts MigrateOptions) (skipped bool, err error) {
	var checksum string
	if content != "" {
		checksum = ComputeSchemaChecksum(content)
	}

	if opts.DryRun == nil {
		if err := m.eng.Migrate(ctx); err != nil {
			return false, fmt.Errorf("creating metadata relations: %w", err)
		}
		if err := m.applyMigrationsDDL(ctx); err != nil {
			return false, err
		}
		if !opts.Force && checksum != "" {
			last, err := m.GetLastMigration(ctx)
			if err != nil {
				return false, fmt.Errorf("checking last migration: %w", err)
			}
			if shouldSkipMigration(last, checksum) {
				m.logger.Info("definitions unchanged, skipping migration", slog.String("checksum", checksum))
				return true, nil
			}
		}
	}

	steps, err := m.plan(defs)
	if err != nil {
		return false, err
	}
	if opts.DryRun != nil {
		m.outputDryRun(opts.DryRun, checksum, steps, defs)
		return false, nil
	}

	for _, s := range steps {
		if err := s.apply(ctx); err != nil {
			return false, fmt.Errorf("%s: %w", s.desc, err)
		}
		m.logger.Info("applied migration step", slog.String("step", s.desc))
	}
	if checksum != "" {
		if err := m.insertMigrationRecord(ctx, checksum, tableNames(defs)); err != nil {
			return false, err
		}
	}
	return false, nil
}

func tableNames(defs []TableDef) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}

// Status represents the current migration state.
type Status struct {
	// DefinitionsFound is the number of table definitions on disk.
	DefinitionsFound int

	// MetadataExists indicates if the metadata relations exist.
	MetadataExists bool

	// Tables lists the tables of the current schema.
	Tables []string

	// Pending describes the steps a migration would apply.
	Pending []string

	// LastMigration is the most recent migration record, if any.
	LastMigration *MigrationRecord
}

// GetStatus returns the current migration status.
func (m *Migrator) GetStatus(ctx context.Context) (*Status, error) {
	db := m.eng.DB()
	status := &Status{}
	exists, err := schema.RelationExists(ctx, db, db.Dialect, schema.TablesRelation)
	if err != nil {
		return nil, err
	}
	status.MetadataExists = exists
	if exists {
		if err := m.eng.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	for _, t := range m.eng.Schema().Tables() {
		status.Tables = append(status.Tables, t.Name)
	}
	sort.Strings(status.Tables)

	last, err := m.GetLastMigration(ctx)
	if err != nil {
		return nil, err
	}
	status.LastMigration = last

	if !m.HasDefinitions() {
		return status, nil
	}
	defs, _, err := LoadDefinitions(m.schemasDir)
	if err != nil {
		return nil, err
	}
	status.DefinitionsFound = len(defs)
	steps, err := m.plan(defs)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		status.Pending = append(status.Pending, s.desc)
	}
	return status, nil
}

// ComputeSchemaChecksum returns a SHA256 hash of the definitions content.
// Used to detect definition changes for skip-if-unchanged optimization.
func ComputeSchemaChecksum(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func migrationsDDL(d sqldsl.Dialect) string {
	arrayType, now := "text[]", "now()"
	if d == sqldsl.SQLite {
		arrayType, now = "text", "CURRENT_TIMESTAMP"
	}
	return sqldsl.Sqlf(`CREATE TABLE IF NOT EXISTS %s (
    id %s,
    schema_checksum text NOT NULL,
    format_version text NOT NULL,
    table_names %s NOT NULL,
    applied_at timestamp NOT NULL DEFAULT %s
)`, MigrationsRelation, d.SerialPrimaryKey(), arrayType, now)
}

// applyMigrationsDDL creates the tabula_migrations table if it doesn't exist.
func (m *Migrator) applyMigrationsDDL(ctx context.Context) error {
	db := m.eng.DB()
	if _, err := db.ExecContext(ctx, migrationsDDL(db.Dialect)); err != nil {
		return fmt.Errorf("applying migrations DDL: %w", err)
	}
	return nil
}

// GetLastMigration returns the most recent migration record, or nil if none exists.
func (m *Migrator) GetLastMigration(ctx context.Context) (*MigrationRecord, error) {
	db := m.eng.DB()
	exists, err := schema.RelationExists(ctx, db, db.Dialect, MigrationsRelation)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var rec MigrationRecord
	err = db.QueryRowContext(ctx, `
		SELECT schema_checksum, format_version, table_names, applied_at
		FROM `+MigrationsRelation+`
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&rec.SchemaChecksum, &rec.FormatVersion, pq.Array(&rec.TableNames), &rec.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last migration: %w", err)
	}
	return &rec, nil
}

// shouldSkipMigration returns true if the definitions and format version are unchanged.
func shouldSkipMigration(last *MigrationRecord, checksum string) bool {
	if last == nil {
		return false
	}
	return last.SchemaChecksum == checksum && last.FormatVersion == FormatVersion
}

// insertMigrationRecord records the migration in tabula_migrations.
func (m *Migrator) insertMigrationRecord(ctx context.Context, checksum string, tables []string) error {
	db := m.eng.DB()
	d := db.Dialect
	_, err := db.ExecContext(ctx, sqldsl.Sqlf(
		"INSERT INTO %s (schema_checksum, format_version, table_names) VALUES (%s, %s, %s)",
		MigrationsRelation, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3),
	), checksum, FormatVersion, pq.Array(tables))
	if err != nil {
		return fmt.Errorf("inserting migration record: %w", err)
	}
	return nil
}

// outputDryRun writes the migration plan to the provided writer.
func (m *Migrator) outputDryRun(w io.Writer, checksum string, steps []step, defs []TableDef) {
	d := m.eng.DB().Dialect
	_, _ = fmt.Fprintf(w, "-- Tabula Migration (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Definitions checksum: %s\n", checksum)
	_, _ = fmt.Fprintf(w, "-- Format version: %s\n", FormatVersion)
	_, _ = fmt.Fprintf(w, "-- Dialect: %s\n", d)
	_, _ = fmt.Fprintf(w, "\n")

	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- DDL: Metadata and Migration Tracking\n")
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
	for _, stmt := range schema.MetadataDDL(d) {
		_, _ = fmt.Fprintf(w, "%s;\n\n", strings.TrimSpace(stmt))
	}
	_, _ = fmt.Fprintf(w, "%s;\n\n", migrationsDDL(d))

	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- Steps (%d)\n", len(steps))
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
	for _, s := range steps {
		_, _ = fmt.Fprintf(w, "-- %s\n", s.desc)
		for _, stmt := range s.sql {
			_, _ = fmt.Fprintf(w, "%s;\n", strings.TrimSpace(stmt))
		}
		_, _ = fmt.Fprintf(w, "\n")
	}

	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- Migration Record\n")
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
	_, _ = fmt.Fprintf(w, "-- %s: %s\n", MigrationsRelation, strings.Join(tableNames(defs), ", "))
}
