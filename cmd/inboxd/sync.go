package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull recent messages from the remote inbox once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Inbox.Sync(cmd.Context(), a.Config.Sync.Limit)
		if report != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d new emails (%d existing, %d duplicates, %d failed)\n",
				report.New, report.Existing, report.Duplicates, report.Failed)
		}
		return err
	},
}

func init() {
	syncCmd.Flags().Int("sync.limit", 50, "number of recent remote messages to examine")
}
