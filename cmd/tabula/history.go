package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/pthm/tabula/internal/cli"
)

var historyInterval time.Duration

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and maintain row history",
}

var historyShowCmd = &cobra.Command{
	Use:   "show <table> <id>",
	Short: "Print every version of a row",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine()

		versions, err := eng.GetHistory(cmd.Context(), args[0], parseID(args[1]))
		if err != nil {
			return cli.GeneralError("reading history", err)
		}
		for _, v := range versions {
			header := fmt.Sprintf("# version %d at %s", v.Version, v.Time.Format(time.RFC3339))
			if v.RestoreOf != nil {
				header += fmt.Sprintf(" (restore of %d)", *v.RestoreOf)
			}
			if v.UserID != nil {
				header += fmt.Sprintf(" by user %v", v.UserID)
			}
			b, err := yaml.Marshal(v.Row)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", header, b)
		}
		return nil
	},
}

var historyCompressCmd = &cobra.Command{
	Use:   "compress <table>",
	Short: "Squash bursts of edits in a versioned table",
	Long: `Remove every version superseded by a later version of the same row
within the interval, keeping the last version of each burst.`,
	Example: `  # Keep one version per minute of editing
  tabula history compress books --interval 1m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine()

		removed, err := eng.CompressHistory(cmd.Context(), args[0], historyInterval)
		if err != nil {
			return cli.GeneralError("compressing history", err)
		}
		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d versions from %s.\n", removed, args[0])
		}
		return nil
	},
}

func init() {
	historyCompressCmd.Flags().DurationVar(&historyInterval, "interval", time.Second, "versions closer than this are squashed")
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyCompressCmd)
}

// parseID returns integer ids as int64 and anything else unchanged.
func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
