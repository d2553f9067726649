package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/tabula"
	"github.com/pthm/tabula/internal/cli"
	"github.com/pthm/tabula/pkg/store"
)

var (
	// Global state set during PersistentPreRunE
	cfg        *cli.Config
	configPath string
	logger     *slog.Logger

	// Persistent flags
	cfgFile  string
	dbURL    string
	dbDriver string
	verbose  int
	quiet    bool
)

var rootCmd = &cobra.Command{
	Use:   "tabula",
	Short: "Metadata-driven relational tables",
	Long: `tabula - Metadata-driven relational tables

Tabula describes tables, fields, keys and access rules as metadata and
serves joined, permission-checked reads and validated writes over Postgres
or SQLite.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help/completion/version commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, configPath, err = cli.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}
		if verbose > 0 {
			cfg.Engine.LogLevel = "debug"
		}
		if quiet {
			cfg.Engine.LogLevel = "error"
		}
		logger, err = cfg.Logger(os.Stderr)
		if err != nil {
			return cli.ConfigError("logging configuration", err)
		}
		return nil
	},
	SilenceUsage:  true, // Don't show usage on errors
	SilenceErrors: true, // We handle errors ourselves
}

// Command group IDs
const (
	groupSchema  = "schema"
	groupData    = "data"
	groupUtility = "utility"
)

func init() {
	// Persistent flags (available to all commands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: auto-discover tabula.yaml)")
	pf.StringVar(&dbURL, "db", "", "database URL or SQLite file, overrides database.url")
	pf.StringVar(&dbDriver, "driver", "", "database driver: pgx, postgres or sqlite3")
	pf.CountVarP(&verbose, "verbose", "v", "increase verbosity (can be repeated)")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupSchema, Title: "Schema:"},
		&cobra.Group{ID: groupData, Title: "Data:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	// Schema commands
	migrateCmd.GroupID = groupSchema
	statusCmd.GroupID = groupSchema
	doctorCmd.GroupID = groupSchema
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)

	// Data commands
	relationsCmd.GroupID = groupData
	historyCmd.GroupID = groupData
	rootCmd.AddCommand(relationsCmd)
	rootCmd.AddCommand(historyCmd)

	// Utility commands
	configCmd.GroupID = groupUtility
	versionCmd.GroupID = groupUtility
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		cli.ExitWithError(err)
	}
}

// openEngine connects to the configured database and loads the schema.
// The returned function closes the connection.
func openEngine(ctx context.Context) (*tabula.Engine, func(), error) {
	driver := resolveString(dbDriver, cfg.Database.Driver)
	cfg.Database.Driver = driver
	driver, err := cfg.Driver()
	if err != nil {
		return nil, nil, cli.ConfigError("database configuration", err)
	}

	dsn := dbURL
	if dsn == "" {
		dsn, err = cfg.DSN()
		if err != nil {
			return nil, nil, cli.ConfigError("database configuration", err)
		}
	}

	db, err := store.Open(ctx, driver, dsn)
	if err != nil {
		return nil, nil, cli.DBConnectError("connecting to database", err)
	}
	closer := func() { _ = db.Close() }

	eng, err := tabula.New(ctx, db, cfg.EngineOptions(logger)...)
	if err != nil {
		closer()
		return nil, nil, cli.GeneralError("loading schema", err)
	}
	return eng, func() {
		eng.Wait()
		closer()
	}, nil
}

// resolveString returns the first non-empty string from the provided values.
// Used to implement precedence: flag > config > default.
func resolveString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveBool returns true if any of the provided values is true.
// Used for boolean flags where any true value should win.
func resolveBool(values ...bool) bool {
	for _, v := range values {
		if v {
			return true
		}
	}
	return false
}
