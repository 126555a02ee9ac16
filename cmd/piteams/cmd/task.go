package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/baiirun/piteams/internal/protocol"
	"github.com/baiirun/piteams/internal/tasks"
	"github.com/baiirun/piteams/internal/term"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the team's task list",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Add a task to the team's list",
	Args:  cobra.MinimumNArgs(1),
	Run:   runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the team's tasks",
	Args:  cobra.NoArgs,
	Run:   runTaskList,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd)
	taskAddCmd.Flags().String("owner", "", "assign the task to this member")
}

func runTaskAdd(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	requireTeam(cfg)
	owner, _ := cmd.Flags().GetString("owner")

	store := tasks.NewStore(cfg.TeamDir(cfg.TeamID), cfg.TaskListID)
	task, err := store.CreateTask(tasks.CreateSpec{
		Description: strings.Join(args, " "),
		Owner:       protocol.SanitizeName(owner),
	})
	if err != nil {
		Fatal("creating task: %v", err)
	}
	fmt.Printf("created task #%s: %s\n", term.Cyan(task.ID), task.Subject)
}

func runTaskList(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	requireTeam(cfg)

	store := tasks.NewStore(cfg.TeamDir(cfg.TeamID), cfg.TaskListID)
	list, err := store.ListTasks()
	if err != nil {
		Fatal("listing tasks: %v", err)
	}
	if len(list) == 0 {
		fmt.Println(term.Dim("no tasks"))
		return
	}

	width := term.Width(100)
	for _, task := range list {
		blocked, _ := store.IsBlocked(task.ID)
		label, color := statusLabel(task.Status, blocked)

		owner := task.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Printf("%s %s %s %s\n",
			term.Pad("#"+task.ID, 6, term.Cyan),
			term.Pad(label, 12, color),
			term.Pad(owner, 14, term.Cyan),
			term.Truncate(task.Subject, width-36),
		)
	}
}

func statusLabel(status tasks.Status, blocked bool) (string, func(string) string) {
	switch {
	case blocked && status != tasks.StatusCompleted:
		return "blocked", term.Red
	case status == tasks.StatusPending:
		return "pending", term.Yellow
	case status == tasks.StatusInProgress:
		return "in progress", term.Green
	case status == tasks.StatusCompleted:
		return "completed", term.Dim
	default:
		return string(status), term.Dim
	}
}
