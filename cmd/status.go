package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/marcus/tempo/internal/store"
	"github.com/marcus/tempo/internal/syncconfig"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show dirty records and the last sync pass",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()
		return printSyncStatus(cmd.Context(), st)
	},
}

// printSyncStatus renders pending counts and the last recorded pass. Shared
// by "tempo status" and "tempo sync --status".
func printSyncStatus(ctx context.Context, st *store.Store) error {
	counts, err := st.CountDirty(ctx)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Println("everything synced")
	} else {
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-10s %d pending\n", name, counts[name])
		}
	}

	last, err := st.LastSyncPass(ctx)
	if err != nil {
		return err
	}
	if last == nil {
		fmt.Println("never synced")
	} else {
		fmt.Printf("last sync: %s (%s) %s\n",
			last.FinishedAt.Local().Format("2006-01-02 15:04:05"), last.Status, last.Message)
	}

	if !syncconfig.IsAuthenticated() {
		fmt.Println("not logged in; records stay local")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
