package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pthm/tabula/internal/cli"
	"github.com/pthm/tabula/pkg/migrator"
	"github.com/pthm/tabula/schema"
)

var (
	migrateSchemasDir string
	migrateDryRun     bool
	migrateForce      bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply table definitions to the database",
	Long: `Create the metadata relations and bring the tables in line with the
YAML table definitions. Tables and fields are created or updated; nothing
is ever dropped.`,
	Example: `  # Apply definitions from ./schemas
  tabula migrate --db postgres://localhost/mydb

  # Preview the SQL without applying it
  tabula migrate --dry-run

  # Re-apply even if the definitions are unchanged
  tabula migrate --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		schemasDir := resolveString(migrateSchemasDir, cfg.Migrate.SchemasDir, cfg.SchemasDir)
		dryRun := resolveBool(migrateDryRun, cfg.Migrate.DryRun)
		force := resolveBool(migrateForce, cfg.Migrate.Force)

		return runMigrate(cmd, schemasDir, dryRun, force)
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateSchemasDir, "schemas-dir", "", "directory containing the table definitions")
	f.BoolVar(&migrateDryRun, "dry-run", false, "output migration SQL without applying")
	f.BoolVar(&migrateForce, "force", false, "force migration even if definitions are unchanged")
}

func runMigrate(cmd *cobra.Command, schemasDir string, dryRun, force bool) error {
	ctx := cmd.Context()
	eng, closeEngine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	opts := migrator.MigrateOptions{
		Force: force,
	}

	if dryRun {
		opts.DryRun = os.Stdout
		if !quiet {
			fmt.Fprintln(os.Stderr, "-- Dry-run mode: SQL will be output but not applied")
			fmt.Fprintln(os.Stderr, "")
		}
	} else if !quiet {
		fmt.Printf("Applying table definitions from %s...\n", schemasDir)
	}

	m := migrator.NewMigrator(eng, schemasDir).WithLogger(logger)
	if !m.HasDefinitions() {
		return cli.DefinitionsError(fmt.Sprintf("no table definitions found in %s", schemasDir), nil)
	}
	defs, content, err := migrator.LoadDefinitions(schemasDir)
	if err != nil {
		return cli.DefinitionsError("reading table definitions", err)
	}

	skipped, err := m.MigrateDefinitions(ctx, defs, content, opts)
	if err != nil {
		if schema.IsConfigurationErr(err) || strings.Contains(err.Error(), "parsing table definitions") {
			return cli.DefinitionsError("definitions error", err)
		}
		return cli.GeneralError("migration failed", err)
	}

	if dryRun || quiet {
		return nil
	}
	if skipped {
		fmt.Println("Definitions unchanged, migration skipped.")
		fmt.Println("Use --force to re-apply.")
		return nil
	}
	fmt.Printf("Definitions applied successfully (%d tables).\n", len(defs))
	return nil
}
