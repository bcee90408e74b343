package cmd

import (
	"fmt"
	"slices"
	"time"

	"github.com/marcus/tempo/internal/models"
	"github.com/spf13/cobra"
)

var habitCmd = &cobra.Command{
	Use:     "habit",
	Short:   "Manage habits",
	GroupID: "records",
}

var habitAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a habit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule, _ := cmd.Flags().GetString("schedule")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		habit := &models.Habit{
			SyncMeta: models.NewMeta(currentOwnerID(), time.Now().UTC()),
			Name:     args[0],
			Schedule: schedule,
		}
		if err := st.Put(cmd.Context(), habit); err != nil {
			return err
		}
		fmt.Printf("created habit %s (%s)\n", habit.Name, shortID(habit.ID))

		autoSyncAfterMutation()
		return nil
	},
}

var habitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List habits with streaks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.List(cmd.Context(), models.CollectionHabits, false)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no habits")
			return nil
		}
		today := time.Now().Format("2006-01-02")
		for _, rec := range recs {
			h := rec.(*models.Habit)
			mark := " "
			if slices.Contains(h.TickedDays, today) {
				mark = "x"
			}
			fmt.Printf("[%s] %s  %-20s streak %d %s\n", mark, shortID(h.ID), h.Name, h.Streak, dirtyMark(rec))
		}
		return nil
	},
}

var habitTickCmd = &cobra.Command{
	Use:   "tick <id>",
	Short: "Mark a habit done for today",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := findByIDPrefix(cmd.Context(), st, models.CollectionHabits, args[0])
		if err != nil {
			return err
		}
		habit := rec.(*models.Habit)

		today := time.Now().Format("2006-01-02")
		if slices.Contains(habit.TickedDays, today) {
			fmt.Println("already ticked today")
			return nil
		}
		habit.TickedDays = append(habit.TickedDays, today)
		habit.Streak = currentStreak(habit.TickedDays, time.Now())
		if err := st.Save(cmd.Context(), habit); err != nil {
			return err
		}
		fmt.Printf("ticked %s (streak %d)\n", habit.Name, habit.Streak)

		autoSyncAfterMutation()
		return nil
	},
}

var habitRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a habit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := findByIDPrefix(cmd.Context(), st, models.CollectionHabits, args[0])
		if err != nil {
			return err
		}
		if err := st.SoftDelete(cmd.Context(), models.CollectionHabits, rec.Meta().ID); err != nil {
			return err
		}
		fmt.Printf("deleted habit %s\n", shortID(rec.Meta().ID))

		autoSyncAfterMutation()
		return nil
	},
}

// currentStreak counts consecutive ticked days ending today (or yesterday,
// so an unticked today does not break the run).
func currentStreak(ticked []string, now time.Time) int {
	days := make(map[string]bool, len(ticked))
	for _, d := range ticked {
		days[d] = true
	}

	day := now
	if !days[day.Format("2006-01-02")] {
		day = day.AddDate(0, 0, -1)
	}

	streak := 0
	for days[day.Format("2006-01-02")] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

func init() {
	habitAddCmd.Flags().String("schedule", "daily", "daily or comma list of weekdays")
	habitCmd.AddCommand(habitAddCmd, habitListCmd, habitTickCmd, habitRmCmd)
	rootCmd.AddCommand(habitCmd)
}
