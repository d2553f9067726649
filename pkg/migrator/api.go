package migrator

import (
	"context"
	"fmt"

	"github.com/pthm/tabula"
)

// Migrate loads the table definitions of schemasDir and applies them to
// the engine's database in one operation. This is the recommended
// high-level API for most applications.
//
// The function is idempotent - safe to call on every application startup.
//
// Migration workflow:
//  1. Reads every .yaml/.yml file in schemasDir
//  2. Creates the metadata relations if needed
//  3. Skips everything if the definitions are unchanged since the last run
//  4. Creates, extends and updates tables to match the definitions
//
// Example usage on application startup:
//
//	if err := migrator.Migrate(ctx, eng, "schemas"); err != nil {
//	    log.Fatalf("migration failed: %v", err)
//	}
//
// For embedded definitions (no file I/O), use MigrateFromString.
// For dry-run or forced runs, use MigrateWithOptions.
func Migrate(ctx context.Context, eng *tabula.Engine, schemasDir string) error {
	_, err := MigrateWithOptions(ctx, eng, schemasDir, MigrateOptions{})
	return err
}

// MigrateFromString parses definitions and applies them to the database.
// Useful for testing or when definitions are embedded in the application
// binary:
//
//	//go:embed tables.yaml
//	var tables string
//
//	err := migrator.MigrateFromString(ctx, eng, tables)
func MigrateFromString(ctx context.Context, eng *tabula.Engine, content string) error {
	defs, err := parseDocuments([]byte(content))
	if err != nil {
		return err
	}
	_, err = NewMigrator(eng, "").MigrateDefinitions(ctx, defs, content, MigrateOptions{})
	return err
}

// MigrateWithOptions performs migration with control over dry-run and skip behavior.
//
// The skip-if-unchanged optimization compares the definitions hash and format
// version against the last successful migration. If both match and Force is
// false, the migration is skipped (skipped=true).
//
// Example: preview a migration
//
//	var buf bytes.Buffer
//	_, err := migrator.MigrateWithOptions(ctx, eng, "schemas", migrator.MigrateOptions{
//	    DryRun: &buf,
//	})
func MigrateWithOptions(ctx context.Context, eng *tabula.Engine, schemasDir string, opts MigrateOptions) (skipped bool, err error) {
	m := NewMigrator(eng, schemasDir)
	if !m.HasDefinitions() {
		return false, fmt.Errorf("no table definitions found in %s", schemasDir)
	}
	defs, content, err := LoadDefinitions(schemasDir)
	if err != nil {
		return false, err
	}
	return m.MigrateDefinitions(ctx, defs, content, opts)
}
