package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forge-run/forge/pkg/agent"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim the next queued task and initialize the iteration loop",
	RunE:  runClaim,
}

func init() {
	rootCmd.AddCommand(claimCmd)
}

func runClaim(cmd *cobra.Command, args []string) error {
	ws := workspace()
	reg, client, err := linkedClient(ws)
	if err != nil {
		return err
	}

	if st, err := agent.LoadState(ws); err != nil {
		return err
	} else if st != nil && !st.Task.Status.IsTerminal() {
		return fmt.Errorf("task %s is already %s in this workspace", st.Task.ID, st.Task.Status)
	}

	task, err := client.ClaimNext(cmd.Context(), reg.ProjectID)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		fmt.Println("Queue is empty")
		return nil
	}

	st := agent.NewState(task, reg.Link())
	if err := st.Save(ws); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := writeMirror(ws.TaskPath(task.ID), task); err != nil {
		return fmt.Errorf("write task artifact: %w", err)
	}

	fmt.Printf("Claimed %s (%s)\n\n%s\n", task.Name, task.ID, task.Prompt)
	return nil
}
