package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/tempo/internal/models"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Short:   "Record and review pomodoro sessions",
	GroupID: "records",
}

var sessionLogCmd = &cobra.Command{
	Use:   "log <topic-id>",
	Short: "Record a completed work session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, _ := cmd.Flags().GetInt("minutes")
		note, _ := cmd.Flags().GetString("note")
		abandoned, _ := cmd.Flags().GetBool("abandoned")
		if minutes <= 0 {
			return fmt.Errorf("minutes must be positive")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		topic, err := findByIDPrefix(cmd.Context(), st, models.CollectionTopics, args[0])
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		dur := time.Duration(minutes) * time.Minute
		sess := &models.Session{
			SyncMeta:    models.NewMeta(currentOwnerID(), now),
			TopicID:     topic.Meta().ID,
			StartedAt:   now.Add(-dur),
			EndedAt:     now,
			DurationSec: int(dur.Seconds()),
			Completed:   !abandoned,
			Note:        note,
		}
		if err := st.Put(cmd.Context(), sess); err != nil {
			return err
		}
		fmt.Printf("logged %dm on %s\n", minutes, topic.(*models.Topic).Name)

		autoSyncAfterMutation()
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.List(cmd.Context(), models.CollectionSessions, false)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		topics := make(map[string]string)
		if trecs, err := st.List(cmd.Context(), models.CollectionTopics, true); err == nil {
			for _, rec := range trecs {
				t := rec.(*models.Topic)
				topics[t.ID] = t.Name
			}
		}

		shown := 0
		for i := len(recs) - 1; i >= 0 && shown < limit; i-- {
			s := recs[i].(*models.Session)
			name := topics[s.TopicID]
			if name == "" {
				name = shortID(s.TopicID)
			}
			state := "done"
			if !s.Completed {
				state = "abandoned"
			}
			fmt.Printf("%s  %-20s %3dm  %-9s %s\n",
				s.EndedAt.Local().Format("2006-01-02 15:04"), name,
				s.DurationSec/60, state, dirtyMark(recs[i]))
			shown++
		}
		return nil
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := findByIDPrefix(cmd.Context(), st, models.CollectionSessions, args[0])
		if err != nil {
			return err
		}
		if err := st.SoftDelete(cmd.Context(), models.CollectionSessions, rec.Meta().ID); err != nil {
			return err
		}
		fmt.Printf("deleted session %s\n", shortID(rec.Meta().ID))

		autoSyncAfterMutation()
		return nil
	},
}

func init() {
	sessionLogCmd.Flags().Int("minutes", 25, "session length in minutes")
	sessionLogCmd.Flags().String("note", "", "what was worked on")
	sessionLogCmd.Flags().Bool("abandoned", false, "record the session as abandoned")
	sessionListCmd.Flags().Int("limit", 20, "maximum sessions to show")
	sessionCmd.AddCommand(sessionLogCmd, sessionListCmd, sessionRmCmd)
	rootCmd.AddCommand(sessionCmd)
}
