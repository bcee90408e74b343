package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcus/tempo/internal/models"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Short:   "Manage tasks",
	GroupID: "records",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, _ := cmd.Flags().GetString("detail")
		priority, _ := cmd.Flags().GetInt("priority")
		due, _ := cmd.Flags().GetString("due")

		var dueAt *time.Time
		if due != "" {
			t, err := time.Parse("2006-01-02", due)
			if err != nil {
				return fmt.Errorf("invalid due date %q (want YYYY-MM-DD)", due)
			}
			dueAt = &t
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		task := &models.Task{
			SyncMeta: models.NewMeta(currentOwnerID(), time.Now().UTC()),
			Title:    strings.Join(args, " "),
			Detail:   detail,
			Priority: priority,
			DueAt:    dueAt,
		}
		if err := st.Put(cmd.Context(), task); err != nil {
			return err
		}
		fmt.Printf("created task %s (%s)\n", task.Title, shortID(task.ID))

		autoSyncAfterMutation()
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		recs, err := st.List(cmd.Context(), models.CollectionTasks, false)
		if err != nil {
			return err
		}

		shown := 0
		for _, rec := range recs {
			t := rec.(*models.Task)
			if t.Done && !all {
				continue
			}
			mark := " "
			if t.Done {
				mark = "x"
			}
			due := ""
			if t.DueAt != nil {
				due = "due " + t.DueAt.Format("2006-01-02")
			}
			fmt.Printf("[%s] %s  %-30s %s %s\n", mark, shortID(t.ID), t.Title, due, dirtyMark(rec))
			shown++
		}
		if shown == 0 {
			fmt.Println("no tasks")
		}
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task complete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := findByIDPrefix(cmd.Context(), st, models.CollectionTasks, args[0])
		if err != nil {
			return err
		}
		task := rec.(*models.Task)
		if task.Done {
			fmt.Println("already done")
			return nil
		}
		now := time.Now().UTC()
		task.Done = true
		task.DoneAt = &now
		if err := st.Save(cmd.Context(), task); err != nil {
			return err
		}
		fmt.Printf("done: %s\n", task.Title)

		autoSyncAfterMutation()
		return nil
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := findByIDPrefix(cmd.Context(), st, models.CollectionTasks, args[0])
		if err != nil {
			return err
		}
		if err := st.SoftDelete(cmd.Context(), models.CollectionTasks, rec.Meta().ID); err != nil {
			return err
		}
		fmt.Printf("deleted task %s\n", shortID(rec.Meta().ID))

		autoSyncAfterMutation()
		return nil
	},
}

func init() {
	taskAddCmd.Flags().String("detail", "", "longer description")
	taskAddCmd.Flags().Int("priority", 0, "priority (higher sorts first)")
	taskAddCmd.Flags().String("due", "", "due date (YYYY-MM-DD)")
	taskListCmd.Flags().Bool("all", false, "include completed tasks")
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDoneCmd, taskRmCmd)
	rootCmd.AddCommand(taskCmd)
}
