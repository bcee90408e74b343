package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var version string

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "tempo",
	Short: "Local-first productivity tracker with background sync",
	Long: `tempo - pomodoro sessions, habits and tasks in a local database,
reconciled with a sync server in the background.

The local store is always the primary read/write target; syncing is an
asynchronous concern that never blocks normal use.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
}
