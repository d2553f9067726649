package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/tabula/internal/cli"
	"github.com/pthm/tabula/internal/doctor"
)

var (
	doctorSchemasDir string
	doctorVerbose    bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long:  `Check that the metadata, the physical tables and the definitions agree.`,
	Example: `  # Run health checks
  tabula doctor

  # Show per-table details
  tabula doctor --verbose`,
	RunE: func(cmd *cobra.Command, args []string) error {
		schemasDir := resolveString(doctorSchemasDir, cfg.SchemasDir)

		eng, closeEngine, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine()

		if !quiet {
			fmt.Println("tabula doctor - Health Check")
		}

		report, err := doctor.New(eng, schemasDir).Run(cmd.Context())
		if err != nil {
			return cli.GeneralError("running doctor", err)
		}
		report.Print(os.Stdout, resolveBool(doctorVerbose, verbose > 0))

		if report.HasErrors() {
			return cli.GeneralError("health checks failed", nil)
		}
		return nil
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorSchemasDir, "schemas-dir", "", "directory containing the table definitions")
	f.BoolVar(&doctorVerbose, "details", false, "show detailed output")
}
