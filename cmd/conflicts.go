package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List recent server-wins overwrites",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		showData, _ := cmd.Flags().GetBool("data")

		st, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		conflicts, err := st.RecentConflicts(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("no conflicts recorded")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s  %s/%s  local v%d lost to server v%d\n",
				c.ResolvedAt.Local().Format("2006-01-02 15:04"),
				c.Collection, c.RecordID, c.LocalVersion, c.ServerVersion)
			if showData {
				fmt.Printf("  local:  %s\n  server: %s\n", c.LocalData, c.ServerData)
			}
		}
		return nil
	},
}

func init() {
	conflictsCmd.Flags().Int("limit", 20, "maximum conflicts to show")
	conflictsCmd.Flags().Bool("data", false, "include the overwritten payloads")
	rootCmd.AddCommand(conflictsCmd)
}
