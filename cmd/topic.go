package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/tempo/internal/models"
	"github.com/spf13/cobra"
)

var topicCmd = &cobra.Command{
	Use:     "topic",
	Short:   "Manage work topics",
	GroupID: "records",
}

var topicAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("color")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		topic := &models.Topic{
			SyncMeta: models.NewMeta(currentOwnerID(), time.Now().UTC()),
			Name:     args[0],
			Color:    color,
		}
		if err := st.Put(cmd.Context(), topic); err != nil {
			return err
		}
		fmt.Printf("created topic %s (%s)\n", topic.Name, shortID(topic.ID))

		autoSyncAfterMutation()
		return nil
	},
}

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.List(cmd.Context(), models.CollectionTopics, false)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no topics")
			return nil
		}
		for _, rec := range recs {
			t := rec.(*models.Topic)
			fmt.Printf("%s  %-20s %s\n", shortID(t.ID), t.Name, dirtyMark(rec))
		}
		return nil
	},
}

var topicRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := findByIDPrefix(cmd.Context(), st, models.CollectionTopics, args[0])
		if err != nil {
			return err
		}
		if err := st.SoftDelete(cmd.Context(), models.CollectionTopics, rec.Meta().ID); err != nil {
			return err
		}
		fmt.Printf("deleted topic %s\n", shortID(rec.Meta().ID))

		autoSyncAfterMutation()
		return nil
	},
}

// shortID abbreviates record ids for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// dirtyMark flags records with unsynced local changes in list output.
func dirtyMark(rec models.Syncable) string {
	if rec.Meta().Dirty() {
		return "*"
	}
	return ""
}

func init() {
	topicAddCmd.Flags().String("color", "", "display color")
	topicCmd.AddCommand(topicAddCmd, topicListCmd, topicRmCmd)
	rootCmd.AddCommand(topicCmd)
}
