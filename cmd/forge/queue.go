package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	queueAll    bool
	queueTasks  []string
	queueDryRun bool
)

var queueTasksCmd = &cobra.Command{
	Use:   "queue-tasks",
	Short: "Plan and queue pending tasks on the coordinator",
	Long: `Queue-tasks runs the coordinator's queue planner: tasks are ordered
by dependency depth, dependency-free tasks become queued, and tasks with
incomplete dependencies become blocked. With --dry-run the plan is printed
without applying it.`,
	RunE: runQueueTasks,
}

func init() {
	queueTasksCmd.Flags().BoolVar(&queueAll, "all", false, "queue every pending task")
	queueTasksCmd.Flags().StringArrayVar(&queueTasks, "task", nil, "task id to queue (repeatable)")
	queueTasksCmd.Flags().BoolVar(&queueDryRun, "dry-run", false, "print the plan without applying it")
}

func runQueueTasks(cmd *cobra.Command, args []string) error {
	if !queueAll && len(queueTasks) == 0 {
		return fmt.Errorf("nothing to queue: pass --all or --task ID")
	}
	if queueAll && len(queueTasks) > 0 {
		return fmt.Errorf("--all and --task are mutually exclusive")
	}

	reg, client, err := linkedClient(workspace())
	if err != nil {
		return err
	}

	// An empty id list means every pending task in the project.
	ids := queueTasks
	plan, err := client.QueueTasks(cmd.Context(), reg.ProjectID, ids, queueDryRun)
	if err != nil {
		return fmt.Errorf("queue tasks: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
