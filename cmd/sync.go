package cmd

import (
	"fmt"

	"github.com/marcus/tempo/internal/syncconfig"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync pass against the server",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusOnly, _ := cmd.Flags().GetBool("status")

		st, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		if statusOnly {
			return printSyncStatus(cmd.Context(), st)
		}

		if !syncconfig.IsAuthenticated() {
			return fmt.Errorf("not logged in (run: tempo auth login)")
		}

		client, _, err := newSyncClient()
		if err != nil {
			return err
		}

		coord := newCoordinator(st, client)
		ok, sum := runSyncPass(cmd.Context(), st, coord, true)

		fmt.Println(sum.Message())
		for _, pe := range sum.PullErrors {
			fmt.Printf("pull warning: %s\n", pe)
		}
		if !ok {
			return fmt.Errorf("sync finished with failures")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("status", false, "show sync status instead of syncing")
	rootCmd.AddCommand(syncCmd)
}
