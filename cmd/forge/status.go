package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forge-run/forge/pkg/agent"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workspace's active task and sync state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ws := workspace()

	reg, err := agent.LoadRegistration(ws)
	if err != nil {
		return err
	}
	if reg != nil {
		fmt.Printf("Project:    %s (%s)\n", reg.ProjectName, reg.ProjectID)
		fmt.Printf("Coordinator: %s\n", reg.URL)
		fmt.Printf("Node:       %s\n", reg.NodeID)
	} else {
		fmt.Println("Not registered with a coordinator (standalone)")
	}

	st, err := agent.LoadState(ws)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		fmt.Println("No active task")
	} else {
		fmt.Printf("\nTask:       %s (%s)\n", st.Task.Name, st.Task.ID)
		fmt.Printf("Status:     %s\n", st.Task.Status)
		if st.Iteration.Max > 0 {
			fmt.Printf("Iteration:  %d/%d\n", st.Iteration.Current, st.Iteration.Max)
		} else {
			fmt.Printf("Iteration:  %d\n", st.Iteration.Current)
		}
		fmt.Printf("Tokens:     %d\n", st.Metrics.TotalTokens)
		fmt.Printf("Duration:   %s\n", time.Duration(st.Metrics.TotalDurationMS)*time.Millisecond)
		if n := len(st.Checkpoints.Records); n > 0 {
			fmt.Printf("Checkpoints: %d\n", n)
		}
		fmt.Printf("Started:    %s\n", st.StartedAt.Format(time.RFC3339))
	}

	pending, err := agent.NewOutbox(ws).Pending()
	if err != nil {
		return err
	}
	if pending > 0 {
		fmt.Printf("\n%d status update(s) pending delivery; run 'forge sync push'\n", pending)
	}
	return nil
}
