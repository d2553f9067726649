package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/tabula/internal/cli"
	"github.com/pthm/tabula/pkg/migrator"
)

var statusSchemasDir string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current schema status",
	Long:  `Show the tables in the database and the steps a migration would apply.`,
	Example: `  # Check status
  tabula status --db postgres://localhost/mydb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		schemasDir := resolveString(statusSchemasDir, cfg.Status.SchemasDir, cfg.SchemasDir)

		eng, closeEngine, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine()

		s, err := migrator.NewMigrator(eng, schemasDir).GetStatus(cmd.Context())
		if err != nil {
			return cli.GeneralError("getting status", err)
		}

		if s.MetadataExists {
			fmt.Println("Metadata:     present")
		} else {
			fmt.Println("Metadata:     missing")
		}
		fmt.Printf("Definitions:  %d tables in %s\n", s.DefinitionsFound, schemasDir)
		fmt.Printf("Tables:       %d\n", len(s.Tables))
		for _, t := range s.Tables {
			fmt.Printf("  - %s\n", t)
		}
		if s.LastMigration != nil {
			fmt.Printf("Last migrated: %s\n", s.LastMigration.AppliedAt.Format("2006-01-02 15:04:05"))
		}

		switch {
		case !s.MetadataExists:
			fmt.Println("\nRun 'tabula migrate' to create the metadata relations.")
		case len(s.Pending) > 0:
			fmt.Printf("\n%d pending steps:\n", len(s.Pending))
			for _, p := range s.Pending {
				fmt.Printf("  - %s\n", p)
			}
		default:
			fmt.Println("\nUp to date.")
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSchemasDir, "schemas-dir", "", "directory containing the table definitions")
}
