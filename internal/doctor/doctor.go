// Package doctor provides health checks for a tabula database.
//
// The doctor command validates that the metadata, the physical relations
// and the table definitions on disk agree with each other.
//
// Example usage:
//
//	d := doctor.New(eng, "schemas")
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/internal/sqlgen/sqldsl"
	"github.com/pthm/tabula/pkg/migrator"
	"github.com/pthm/tabula/schema"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Metadata", "Tables").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Check returns the first result with the given name.
func (r *Report) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	// Group checks by category
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Doctor performs health checks on a tabula database.
type Doctor struct {
	eng        *tabula.Engine
	schemasDir string

	// Cached data from checks (populated during Run)
	defs          []migrator.TableDef
	content       string
	metadataReady bool
}

// New creates a new Doctor instance.
func New(eng *tabula.Engine, schemasDir string) *Doctor {
	return &Doctor{
		eng:        eng,
		schemasDir: schemasDir,
	}
}

// Run executes all health checks and returns a report.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	d.checkDefinitions(report)
	if err := d.checkMetadata(ctx, report); err != nil {
		return nil, fmt.Errorf("checking metadata: %w", err)
	}
	if err := d.checkMigrationState(ctx, report); err != nil {
		return nil, fmt.Errorf("checking migration state: %w", err)
	}
	if d.metadataReady {
		if err := d.checkTables(ctx, report); err != nil {
			return nil, fmt.Errorf("checking tables: %w", err)
		}
	}

	return report, nil
}

// checkDefinitions validates the table definition files.
func (d *Doctor) checkDefinitions(report *Report) {
	files, err := migrator.DefinitionFiles(d.schemasDir)
	if err != nil || len(files) == 0 {
		report.AddCheck(CheckResult{
			Category: "Table Definitions",
			Name:     "definitions_exist",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("No definition files found in %s", d.schemasDir),
			FixHint:  "Add .yaml table definitions or set schemas_dir",
		})
		return
	}

	report.AddCheck(CheckResult{
		Category: "Table Definitions",
		Name:     "definitions_exist",
		Status:   StatusPass,
		Message:  fmt.Sprintf("%d definition files in %s", len(files), d.schemasDir),
		Details:  strings.Join(files, "\n"),
	})

	defs, content, err := migrator.LoadDefinitions(d.schemasDir)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: "Table Definitions",
			Name:     "definitions_valid",
			Status:   StatusFail,
			Message:  "Table definitions cannot be parsed",
			Details:  err.Error(),
			FixHint:  "Fix the reported file; unknown keys are rejected",
		})
		return
	}
	d.defs, d.content = defs, content

	fieldCount := 0
	declared := map[string]bool{}
	for _, t := range defs {
		fieldCount += len(t.Fields)
		declared[t.Name] = true
	}
	report.AddCheck(CheckResult{
		Category: "Table Definitions",
		Name:     "definitions_valid",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Definitions are valid (%d tables, %d fields)", len(defs), fieldCount),
	})

	// References may also target tables that only exist in the database;
	// those are reported as warnings.
	var dangling []string
	for _, t := range defs {
		for _, f := range t.Fields {
			if f.Type == schema.TypeKey && !declared[f.RefTable] {
				dangling = append(dangling, fmt.Sprintf("%s.%s -> %s", t.Name, f.Name, f.RefTable))
			}
		}
	}
	if len(dangling) > 0 {
		report.AddCheck(CheckResult{
			Category: "Table Definitions",
			Name:     "references",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d references target tables defined elsewhere", len(dangling)),
			Details:  strings.Join(dangling, "\n"),
			FixHint:  "Declare the referenced tables in the definitions directory",
		})
		return
	}
	report.AddCheck(CheckResult{
		Category: "Table Definitions",
		Name:     "references",
		Status:   StatusPass,
		Message:  "All references resolve within the definitions",
	})
}

// checkMetadata validates the metadata relations and the loaded schema.
func (d *Doctor) checkMetadata(ctx context.Context, report *Report) error {
	db := d.eng.DB()
	for _, rel := range []string{schema.TablesRelation, schema.FieldsRelation} {
		exists, err := schema.RelationExists(ctx, db, db.Dialect, rel)
		if err != nil {
			return err
		}
		if !exists {
			report.AddCheck(CheckResult{
				Category: "Metadata",
				Name:     "metadata_exists",
				Status:   StatusFail,
				Message:  fmt.Sprintf("%s relation does not exist", rel),
				FixHint:  "Run 'tabula migrate' to create it",
			})
			return nil
		}
	}
	report.AddCheck(CheckResult{
		Category: "Metadata",
		Name:     "metadata_exists",
		Status:   StatusPass,
		Message:  "Metadata relations exist",
	})

	if err := d.eng.Refresh(ctx); err != nil {
		report.AddCheck(CheckResult{
			Category: "Metadata",
			Name:     "metadata_valid",
			Status:   StatusFail,
			Message:  "Metadata cannot be loaded",
			Details:  err.Error(),
			FixHint:  "Correct the metadata rows reported above",
		})
		return nil
	}
	snap := d.eng.Schema()
	if err := snap.Validate(); err != nil {
		report.AddCheck(CheckResult{
			Category: "Metadata",
			Name:     "metadata_valid",
			Status:   StatusFail,
			Message:  "Metadata is inconsistent",
			Details:  err.Error(),
		})
		return nil
	}
	d.metadataReady = true
	report.AddCheck(CheckResult{
		Category: "Metadata",
		Name:     "metadata_valid",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Metadata describes %d tables", len(snap.Tables())),
	})
	return nil
}

// checkMigrationState validates the migration tracking table and state.
func (d *Doctor) checkMigrationState(ctx context.Context, report *Report) error {
	db := d.eng.DB()
	exists, err := schema.RelationExists(ctx, db, db.Dialect, migrator.MigrationsRelation)
	if err != nil {
		return fmt.Errorf("checking migrations table: %w", err)
	}
	if !exists {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "table_exists",
			Status:   StatusWarn,
			Message:  migrator.MigrationsRelation + " table does not exist",
			Details:  "Migration tracking is not set up",
			FixHint:  "Run 'tabula migrate' to create it",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Migration State",
		Name:     "table_exists",
		Status:   StatusPass,
		Message:  migrator.MigrationsRelation + " table exists",
	})

	m := migrator.NewMigrator(d.eng, d.schemasDir)
	last, err := m.GetLastMigration(ctx)
	if err != nil {
		return fmt.Errorf("getting last migration: %w", err)
	}
	if last == nil {
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "migrated",
			Status:   StatusWarn,
			Message:  "No migration records found",
			FixHint:  "Run 'tabula migrate' to apply the definitions",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Migration State",
		Name:     "migrated",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Definitions migrated (%d tables tracked)", len(last.TableNames)),
		Details:  "Applied at " + last.AppliedAt.Format("2006-01-02 15:04:05"),
	})

	if d.defs == nil {
		return nil
	}
	checksum := migrator.ComputeSchemaChecksum(d.content)
	switch {
	case checksum != last.SchemaChecksum:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "definitions_sync",
			Status:   StatusWarn,
			Message:  "Definitions have changed since last migration",
			Details:  fmt.Sprintf("File checksum: %s...\nDB checksum:   %s...", checksum[:16], last.SchemaChecksum[:16]),
			FixHint:  "Run 'tabula migrate' to apply changes",
		})
	case last.FormatVersion != migrator.FormatVersion:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "definitions_sync",
			Status:   StatusWarn,
			Message:  "Migration format version has changed",
			Details:  fmt.Sprintf("Current: %s, DB: %s", migrator.FormatVersion, last.FormatVersion),
			FixHint:  "Run 'tabula migrate' to re-apply",
		})
	default:
		report.AddCheck(CheckResult{
			Category: "Migration State",
			Name:     "definitions_sync",
			Status:   StatusPass,
			Message:  "Definitions are in sync with database",
		})
	}
	return nil
}

// checkTables validates that every table of the metadata is backed by a
// relation with the expected columns.
func (d *Doctor) checkTables(ctx context.Context, report *Report) error {
	db := d.eng.DB()
	tables := d.eng.Schema().Tables()
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	var missing, missingHistory, missingColumns, rowCounts []string
	for _, t := range tables {
		exists, err := schema.RelationExists(ctx, db, db.Dialect, t.Name)
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, t.Name)
			continue
		}
		if t.Versioned {
			exists, err := schema.RelationExists(ctx, db, db.Dialect, t.HistoryName())
			if err != nil {
				return err
			}
			if !exists {
				missingHistory = append(missingHistory, t.HistoryName())
			}
		}
		cols, err := d.columns(ctx, t.Name)
		if err != nil {
			return err
		}
		for _, f := range t.Fields {
			if f.IsColumn() && !cols[f.Name] {
				missingColumns = append(missingColumns, t.Name+"."+f.Name)
			}
		}
		n, err := d.eng.CountRows(ctx, t.Name, nil, nil)
		if err != nil {
			return err
		}
		rowCounts = append(rowCounts, fmt.Sprintf("%s: %d rows", t.Name, n))
	}

	if len(missing) > 0 {
		report.AddCheck(CheckResult{
			Category: "Tables",
			Name:     "relations_exist",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d tables have metadata but no relation", len(missing)),
			Details:  strings.Join(missing, "\n"),
			FixHint:  "Restore the relations or delete the tables from the metadata",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: "Tables",
			Name:     "relations_exist",
			Status:   StatusPass,
			Message:  fmt.Sprintf("All %d tables exist", len(tables)),
			Details:  strings.Join(rowCounts, "\n"),
		})
	}

	if len(missingHistory) > 0 {
		report.AddCheck(CheckResult{
			Category: "Tables",
			Name:     "history_exists",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d versioned tables lack a history relation", len(missingHistory)),
			Details:  strings.Join(missingHistory, "\n"),
			FixHint:  "Turn versioning off and on again with UpdateTable",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: "Tables",
			Name:     "history_exists",
			Status:   StatusPass,
			Message:  "Versioned tables have history relations",
		})
	}

	if len(missingColumns) > 0 {
		report.AddCheck(CheckResult{
			Category: "Tables",
			Name:     "columns_exist",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d fields have no column", len(missingColumns)),
			Details:  strings.Join(missingColumns, "\n"),
			FixHint:  "Run 'tabula migrate' or recreate the fields",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: "Tables",
			Name:     "columns_exist",
			Status:   StatusPass,
			Message:  "Every stored field has a column",
		})
	}
	return nil
}

// columns returns the column names of a relation.
func (d *Doctor) columns(ctx context.Context, relation string) (map[string]bool, error) {
	rows, err := d.eng.DB().QueryContext(ctx, "SELECT * FROM "+sqldsl.Quote(relation)+" WHERE 1 = 0")
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", relation, err)
	}
	defer func() { _ = rows.Close() }()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, rows.Err()
}
