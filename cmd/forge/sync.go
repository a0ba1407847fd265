package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/forge-run/forge/pkg/agent"
	"github.com/forge-run/forge/pkg/models"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

var syncCmd = &cobra.Command{
	Use:       "sync [full|push|pull|pending]",
	Short:     "Synchronize workspace state with the coordinator",
	Long: `Sync reconciles this workspace against the coordinator:

  pending  show queued status updates awaiting delivery
  push     drain the outbox and push local task state
  pull     adopt the coordinator's state for diverged tasks
  full     push, then pull, then refresh the execution mirror (default)`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"full", "push", "pull", "pending"},
	RunE:      runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	mode := "full"
	if len(args) == 1 {
		mode = args[0]
	}

	ws := workspace()
	outbox := agent.NewOutbox(ws)

	if mode == "pending" {
		n, err := outbox.Pending()
		if err != nil {
			return err
		}
		fmt.Printf("%d status update(s) pending delivery\n", n)
		return nil
	}

	reg, client, err := linkedClient(ws)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := agent.LoadState(ws)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	switch mode {
	case "push":
		return syncPush(ctx, ws, client, reg, st, outbox)
	case "pull":
		return syncPull(ctx, ws, client, reg, st)
	case "full":
		if err := syncPush(ctx, ws, client, reg, st, outbox); err != nil {
			return err
		}
		if err := syncPull(ctx, ws, client, reg, st); err != nil {
			return err
		}
		return writeExecutionMirror(ctx, ws, client, reg)
	default:
		return fmt.Errorf("unknown sync mode %q", mode)
	}
}

// syncPush drains the outbox, then pushes the active task's state when the
// handshake says the coordinator is behind.
func syncPush(ctx context.Context, ws agent.Workspace, client *agent.Client, reg *agent.Registration, st *agent.State, outbox *agent.Outbox) error {
	if err := outbox.Drain(ctx, func(ctx context.Context, u agent.StatusUpdate) error {
		return client.PostStatus(ctx, u.ProjectID, u.TaskID, u.Status, u.Result)
	}); err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}

	if st == nil || !st.Linked() {
		return nil
	}

	hs, err := client.Handshake(ctx, reg.ProjectID, forgesync.HandshakeRequest{
		LocalClock:   st.Coordinator.LocalClock,
		TaskVersions: map[string]int64{st.Task.ID: st.Coordinator.SyncVersion},
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	st.Coordinator.LocalClock = hs.ServerClock

	if !contains(hs.NeedsPush, st.Task.ID) && !contains(hs.Conflicts, st.Task.ID) {
		fmt.Println("Push: coordinator is up to date")
		return st.Save(ws)
	}

	iteration := st.Iteration.Current
	update := forgesync.PushUpdate{
		ID:              st.Task.ID,
		ExpectedVersion: st.Coordinator.SyncVersion,
		Status:          st.Task.Status,
		Iteration:       &iteration,
	}
	if st.Task.Status.IsTerminal() {
		update.Result = loadResult(ws, st.Task.ID)
	}

	resp, err := client.Push(ctx, reg.ProjectID, []forgesync.PushUpdate{update})
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	st.Coordinator.LocalClock = resp.ServerClock
	for _, res := range resp.Results {
		switch {
		case res.Success && res.Applied:
			st.Coordinator.SyncVersion = res.NewVersion
			fmt.Printf("Push: %s applied (v%d)\n", res.ID, res.NewVersion)
		case res.Success:
			// Accepted no-op: idempotent retry or the coordinator's state won.
			if res.ServerState != nil {
				adoptSnapshot(st, res.ServerState)
			}
			fmt.Printf("Push: %s accepted without changes (%s)\n", res.ID, res.Verdict)
		default:
			fmt.Printf("Push: %s rejected: %s\n", res.ID, res.Error)
			if res.ServerState != nil {
				adoptSnapshot(st, res.ServerState)
			}
		}
	}
	return st.Save(ws)
}

// syncPull adopts the coordinator's state for tasks the handshake flags as
// diverged. The coordinator is authoritative; local state moves to match it.
func syncPull(ctx context.Context, ws agent.Workspace, client *agent.Client, reg *agent.Registration, st *agent.State) error {
	if st == nil || !st.Linked() {
		return nil
	}

	hs, err := client.Handshake(ctx, reg.ProjectID, forgesync.HandshakeRequest{
		LocalClock:   st.Coordinator.LocalClock,
		TaskVersions: map[string]int64{st.Task.ID: st.Coordinator.SyncVersion},
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	st.Coordinator.LocalClock = hs.ServerClock

	ids := append(append([]string{}, hs.NeedsPull...), hs.Conflicts...)
	if len(ids) == 0 {
		fmt.Println("Pull: workspace is up to date")
		return st.Save(ws)
	}

	resp, err := client.Pull(ctx, reg.ProjectID, ids)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	st.Coordinator.LocalClock = resp.ServerClock
	for _, snap := range resp.Tasks {
		if snap.ID == st.Task.ID {
			adoptSnapshot(st, snap)
			fmt.Printf("Pull: %s now %s (v%d)\n", snap.ID, snap.Status, snap.Version)
		}
	}
	return st.Save(ws)
}

// adoptSnapshot moves local state to the coordinator's authoritative view.
func adoptSnapshot(st *agent.State, snap *forgesync.TaskSnapshot) {
	st.Task.Status = snap.Status
	st.Coordinator.SyncVersion = snap.Version
}

// executionMirror is the read-only queue view written to .forge/execution.json.
type executionMirror struct {
	ProjectID   string          `json:"projectId"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Tasks       []executionTask `json:"tasks"`
}

type executionTask struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Status   models.TaskStatus `json:"status"`
	Priority int               `json:"priority"`
	LockedBy string            `json:"lockedBy,omitempty"`
}

func writeExecutionMirror(ctx context.Context, ws agent.Workspace, client *agent.Client, reg *agent.Registration) error {
	tasks, err := client.ListTasks(ctx, reg.ProjectID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	mirror := executionMirror{
		ProjectID:   reg.ProjectID,
		GeneratedAt: time.Now(),
		Tasks:       make([]executionTask, 0, len(tasks)),
	}
	for _, t := range tasks {
		mirror.Tasks = append(mirror.Tasks, executionTask{
			ID:       t.ID,
			Name:     t.Name,
			Status:   t.Status,
			Priority: t.Priority,
			LockedBy: t.LockedBy,
		})
	}
	if err := writeMirror(ws.ExecutionPath(), mirror); err != nil {
		return err
	}
	fmt.Printf("Mirror: %d task(s) written to %s\n", len(mirror.Tasks), ws.ExecutionPath())
	return nil
}

// loadResult reads the terminal result artifact, nil when absent.
func loadResult(ws agent.Workspace, taskID string) *models.TaskResult {
	var result models.TaskResult
	if err := readMirror(ws.ResultPath(taskID), &result); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: unreadable result artifact: %v\n", err)
		}
		return nil
	}
	return &result
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
