package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/locks"
	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/store"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

func newTestTaskService(t *testing.T) (*TaskService, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(16)
	clock := forgesync.NewClock(0)
	lm := locks.NewManager(st, bus, clock, time.Minute)
	svc := NewTaskService(st, bus, clock, lm)

	require.NoError(t, st.UpsertProject(ctx, &models.Project{ID: "p1", Name: "proj"}))
	return svc, st
}

func mustCreate(t *testing.T, svc *TaskService, id string, deps ...string) *models.Task {
	t.Helper()
	task, err := svc.Create(context.Background(), &models.Task{
		ID: id, ProjectID: "p1", Name: "task " + id, Prompt: "work on " + id,
		Config: models.TaskConfig{DependsOn: deps},
	})
	require.NoError(t, err)
	return task
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestTaskService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &models.Task{ProjectID: "p1", Prompt: "p"})
	assert.True(t, IsValidationError(err), "missing name")

	_, err = svc.Create(ctx, &models.Task{ProjectID: "p1", Name: "n"})
	assert.True(t, IsValidationError(err), "missing prompt")

	_, err = svc.Create(ctx, &models.Task{ProjectID: "ghost", Name: "n", Prompt: "p"})
	assert.ErrorIs(t, err, ErrNotFound, "unknown project")

	_, err = svc.Create(ctx, &models.Task{
		ID: "self", ProjectID: "p1", Name: "n", Prompt: "p",
		Config: models.TaskConfig{DependsOn: []string{"self"}},
	})
	assert.True(t, IsValidationError(err), "self-dependency")

	_, err = svc.Create(ctx, &models.Task{
		ProjectID: "p1", Name: "n", Prompt: "p",
		Config: models.TaskConfig{DependsOn: []string{"nowhere"}},
	})
	assert.True(t, IsValidationError(err), "unknown dependency")

	created, err := svc.Create(ctx, &models.Task{ProjectID: "p1", Name: "ok", Prompt: "p"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID, "id generated")
	assert.Equal(t, models.StatusPending, created.Status)
}

func TestQueue_DependencyGating(t *testing.T) {
	svc, _ := newTestTaskService(t)
	ctx := context.Background()

	mustCreate(t, svc, "dep")
	mustCreate(t, svc, "child", "dep")

	// Dependency not completed: queueing the child blocks it.
	child, err := svc.Queue(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, child.Status)

	// The dependency itself queues freely.
	dep, err := svc.Queue(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, dep.Status)

	// Queueing again is a no-op, not an error.
	again, err := svc.Queue(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, dep.SyncVersion, again.SyncVersion)
}

func TestCompleteUnblocksDependents(t *testing.T) {
	svc, st := newTestTaskService(t)
	ctx := context.Background()

	mustCreate(t, svc, "dep")
	mustCreate(t, svc, "child", "dep")
	_, err := svc.Queue(ctx, "child")
	require.NoError(t, err)
	_, err = svc.Queue(ctx, "dep")
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, "p1", "n1")
	require.NoError(t, err)
	require.Equal(t, "dep", claimed.ID)

	done, err := svc.Complete(ctx, "dep", "n1", &models.TaskResult{Success: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Empty(t, done.LockedBy)

	child, err := st.GetTask(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, child.Status)
}

func TestComplete_LockOwnershipEnforced(t *testing.T) {
	svc, _ := newTestTaskService(t)
	ctx := context.Background()

	mustCreate(t, svc, "t1")
	_, err := svc.Queue(ctx, "t1")
	require.NoError(t, err)
	_, err = svc.ClaimNext(ctx, "p1", "owner")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, "t1", "intruder", nil)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	_, err = svc.Complete(ctx, "t1", "owner", nil)
	require.NoError(t, err)

	// Completing twice hits terminal absorption.
	_, err = svc.Complete(ctx, "t1", "owner", nil)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestSetStatus_OutboxIntakeSemantics(t *testing.T) {
	svc, _ := newTestTaskService(t)
	ctx := context.Background()

	mustCreate(t, svc, "t1")
	_, err := svc.Queue(ctx, "t1")
	require.NoError(t, err)
	_, err = svc.ClaimNext(ctx, "p1", "n1")
	require.NoError(t, err)

	// running -> failed with a result.
	failed, err := svc.SetStatus(ctx, "t1", models.StatusFailed, &models.TaskResult{
		Success: false, Reason: "max iterations",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Equal(t, "max iterations", failed.Result.Reason)
	assert.NotNil(t, failed.CompletedAt)

	// Idempotent retry of the same status is a success no-op.
	same, err := svc.SetStatus(ctx, "t1", models.StatusFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, failed.SyncVersion, same.SyncVersion)

	// A different status against a terminal row is absorbed as an error.
	_, err = svc.SetStatus(ctx, "t1", models.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrTerminalState)

	// Vocabulary and transition checks.
	_, err = svc.SetStatus(ctx, "t1", "bogus", nil)
	assert.True(t, IsValidationError(err))

	mustCreate(t, svc, "t2")
	_, err = svc.SetStatus(ctx, "t2", models.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	svc, _ := newTestTaskService(t)
	_, err := svc.ClaimNext(context.Background(), "p1", "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlanQueue_OrdersByDependencyDepth(t *testing.T) {
	svc, _ := newTestTaskService(t)
	ctx := context.Background()

	// c -> b -> a, plus an independent task d.
	mustCreate(t, svc, "a")
	mustCreate(t, svc, "b", "a")
	mustCreate(t, svc, "c", "b")
	mustCreate(t, svc, "d")

	plan, err := svc.PlanQueue(ctx, "p1", nil, true)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 4)
	assert.True(t, plan.DryRun)

	depth := map[string]int{}
	for _, pt := range plan.Tasks {
		depth[pt.ID] = pt.Priority
	}
	assert.Equal(t, 0, depth["a"])
	assert.Equal(t, 1, depth["b"])
	assert.Equal(t, 2, depth["c"])
	assert.Equal(t, 0, depth["d"])

	// Roots sort before dependents.
	var order []string
	for _, pt := range plan.Tasks {
		order = append(order, pt.ID)
	}
	assert.Equal(t, []string{"a", "d", "b", "c"}, order)
}

func TestPlanQueue_ApplyPromotesAndBlocks(t *testing.T) {
	svc, st := newTestTaskService(t)
	ctx := context.Background()

	mustCreate(t, svc, "a")
	mustCreate(t, svc, "b", "a")

	plan, err := svc.PlanQueue(ctx, "p1", nil, false)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)

	a, err := st.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, a.Status)
	assert.Equal(t, 0, a.Priority)

	b, err := st.GetTask(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBlocked, b.Status)
	assert.Equal(t, 1, b.Priority)
}

func TestPlanQueue_DetectsCycle(t *testing.T) {
	svc, st := newTestTaskService(t)
	ctx := context.Background()

	// Dependencies are validated at create time, so build the cycle directly
	// in the store the way a later edit could.
	mustCreate(t, svc, "x")
	mustCreate(t, svc, "y", "x")
	_, err := st.DB().ExecContext(ctx,
		`UPDATE tasks SET config = ? WHERE id = ?`, `{"dependsOn":["y"]}`, "x")
	require.NoError(t, err)

	_, err = svc.PlanQueue(ctx, "p1", nil, true)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestPlanQueue_UnknownTaskID(t *testing.T) {
	svc, _ := newTestTaskService(t)
	_, err := svc.PlanQueue(context.Background(), "p1", []string{"ghost"}, true)
	assert.ErrorIs(t, err, ErrNotFound)
}
