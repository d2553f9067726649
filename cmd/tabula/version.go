package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/tabula/internal/update"
	"github.com/pthm/tabula/internal/version"
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, version.Info())
		if !versionCheck {
			return nil
		}

		info, err := update.CheckWithCache(cmd.Context())
		if err != nil {
			fmt.Fprintf(out, "Could not check for updates: %v\n", err)
			return nil
		}
		if info.UpdateAvailable {
			fmt.Fprintf(out, "Update available: %s", info.LatestVersion)
			if info.ReleaseURL != "" {
				fmt.Fprintf(out, " (%s)", info.ReleaseURL)
			}
			fmt.Fprintln(out)
		} else {
			fmt.Fprintln(out, "You are running the latest version.")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check GitHub for a newer release")
}
