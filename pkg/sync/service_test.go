package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/resolver"
	"github.com/forge-run/forge/pkg/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(ctx, st, events.NewBus(16))
	require.NoError(t, err)
	require.NoError(t, st.UpsertProject(ctx, &models.Project{ID: "p1", Name: "proj"}))
	return svc, st
}

func createTask(t *testing.T, st *store.Store, id string, status models.TaskStatus) *models.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, &models.Task{
		ID: id, ProjectID: "p1", Name: id, Prompt: "work", Status: status,
	}))
	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func TestHandshake_Buckets(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "insync", models.StatusQueued)    // v1, client v1
	createTask(t, st, "behind", models.StatusQueued)    // v1, client unaware
	stale := createTask(t, st, "stale", models.StatusQueued)
	_, err := st.ApplyTaskUpdate(ctx, store.TaskUpdate{
		ID: "stale", GuardVersion: stale.SyncVersion, Status: models.StatusRunning,
	})
	require.NoError(t, err) // server v2, client v1

	createTask(t, st, "ahead", models.StatusRunning) // v1, client claims v3

	res, err := svc.Handshake(ctx, "p1", HandshakeRequest{
		NodeID:     "n1",
		LocalClock: 0,
		TaskVersions: map[string]int64{
			"insync":     1,
			"stale":      1,
			"ahead":      3,
			"local-only": 2,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"insync"}, res.InSync)
	assert.ElementsMatch(t, []string{"behind", "stale"}, res.NeedsPull)
	assert.ElementsMatch(t, []string{"ahead", "local-only"}, res.NeedsPush)
	assert.Empty(t, res.Conflicts)
	assert.Positive(t, res.ServerClock)
}

func TestHandshake_ClientAheadOfTerminalRowIsConflict(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	done := createTask(t, st, "done", models.StatusRunning)
	_, err := st.ApplyTaskUpdate(ctx, store.TaskUpdate{
		ID: "done", GuardVersion: done.SyncVersion, Status: models.StatusCompleted,
	})
	require.NoError(t, err) // server v2

	res, err := svc.Handshake(ctx, "p1", HandshakeRequest{
		NodeID:       "n1",
		TaskVersions: map[string]int64{"done": 9},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, res.Conflicts)
	assert.Empty(t, res.NeedsPush)
}

func TestHandshake_ClientAheadOfForeignLockIsConflict(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "t1", models.StatusQueued)
	_, err := st.ClaimTask(ctx, "t1", "other-node", time.Hour, time.Now())
	require.NoError(t, err) // v2, locked by other-node

	res, err := svc.Handshake(ctx, "p1", HandshakeRequest{
		NodeID:       "n1",
		TaskVersions: map[string]int64{"t1": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.Conflicts)

	// The lock holder itself is allowed to push its newer state.
	res, err = svc.Handshake(ctx, "p1", HandshakeRequest{
		NodeID:       "other-node",
		TaskVersions: map[string]int64{"t1": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.NeedsPush)
}

func TestHandshake_ClockNeverRunsBackwards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Handshake(ctx, "p1", HandshakeRequest{NodeID: "n1", LocalClock: 40})
	require.NoError(t, err)
	assert.Greater(t, res.ServerClock, int64(40))

	res2, err := svc.Handshake(ctx, "p1", HandshakeRequest{NodeID: "n1", LocalClock: 0})
	require.NoError(t, err)
	assert.Greater(t, res2.ServerClock, res.ServerClock)
}

func TestPush_AppliesValidTransition(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task := createTask(t, st, "t1", models.StatusRunning)
	iter := 4
	resp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "n1",
		Tasks: []PushUpdate{{
			ID:              "t1",
			ExpectedVersion: task.SyncVersion,
			Status:          models.StatusCompleted,
			Result:          &models.TaskResult{Success: true},
			Iteration:       &iter,
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	res := resp.Results[0]
	assert.True(t, res.Success)
	assert.True(t, res.Applied)
	assert.Equal(t, task.SyncVersion+1, res.NewVersion)

	stored, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 4, stored.Iteration)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.LockedBy)
}

func TestPush_IdempotentRetrySucceedsWithoutApplying(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task := createTask(t, st, "t1", models.StatusRunning)
	update := PushUpdate{ID: "t1", ExpectedVersion: task.SyncVersion, Status: models.StatusCompleted}

	first, err := svc.Push(ctx, "p1", PushRequest{NodeID: "n1", Tasks: []PushUpdate{update}})
	require.NoError(t, err)
	require.True(t, first.Results[0].Applied)
	newVersion := first.Results[0].NewVersion

	// Same update again, with the now-stale expected version: the status
	// already holds, so the retry is a success no-op.
	second, err := svc.Push(ctx, "p1", PushRequest{NodeID: "n1", Tasks: []PushUpdate{update}})
	require.NoError(t, err)
	res := second.Results[0]
	assert.True(t, res.Success)
	assert.False(t, res.Applied)
	assert.Equal(t, newVersion, res.NewVersion)
	require.NotNil(t, res.ServerState)
	assert.Equal(t, models.StatusCompleted, res.ServerState.Status)
}

func TestPush_TerminalRowRejectsDifferentStatus(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task := createTask(t, st, "t1", models.StatusRunning)
	_, err := st.ApplyTaskUpdate(ctx, store.TaskUpdate{
		ID: "t1", GuardVersion: task.SyncVersion, Status: models.StatusCompleted,
	})
	require.NoError(t, err)

	resp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "n1",
		Tasks:  []PushUpdate{{ID: "t1", ExpectedVersion: 2, Status: models.StatusFailed}},
	})
	require.NoError(t, err)
	res := resp.Results[0]
	assert.False(t, res.Success)
	assert.Equal(t, CodeTerminalState, res.Error)
}

func TestPush_VersionSkew_LockHolderWins(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "t1", models.StatusQueued)
	claimed, err := st.ClaimTask(ctx, "t1", "n1", time.Hour, time.Now())
	require.NoError(t, err) // running, v2, locked by n1

	// n1 pushes with a stale expected version; as the active lock holder with
	// a valid transition, its update still applies.
	resp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "n1",
		Tasks: []PushUpdate{{
			ID:              "t1",
			ExpectedVersion: claimed.SyncVersion - 1,
			Status:          models.StatusCompleted,
		}},
	})
	require.NoError(t, err)
	res := resp.Results[0]
	assert.True(t, res.Success)
	assert.True(t, res.Applied)
	assert.Equal(t, resolver.PluginWins, res.Verdict)
	assert.Equal(t, claimed.SyncVersion+1, res.NewVersion)
}

func TestPush_VersionSkew_ForeignPushRejected(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "t1", models.StatusQueued)
	_, err := st.ClaimTask(ctx, "t1", "owner", time.Hour, time.Now())
	require.NoError(t, err)

	resp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "intruder",
		Tasks:  []PushUpdate{{ID: "t1", ExpectedVersion: 1, Status: models.StatusCompleted}},
	})
	require.NoError(t, err)
	res := resp.Results[0]
	assert.False(t, res.Success)
	assert.Equal(t, CodeVersionConflict, res.Error)
	assert.Equal(t, resolver.Reject, res.Verdict)
	require.NotNil(t, res.ServerState)
	assert.Equal(t, models.StatusRunning, res.ServerState.Status)
}

func TestPush_VersionSkew_ServerWinsIsSuccessNoop(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task := createTask(t, st, "t1", models.StatusQueued)

	// No lock anywhere, states differ, versions skewed: server keeps its row
	// and the pusher is told so without an error.
	resp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "n1",
		Tasks:  []PushUpdate{{ID: "t1", ExpectedVersion: task.SyncVersion + 3, Status: models.StatusRunning}},
	})
	require.NoError(t, err)
	res := resp.Results[0]
	assert.True(t, res.Success)
	assert.False(t, res.Applied)
	assert.Equal(t, resolver.ServerWins, res.Verdict)
	assert.Equal(t, task.SyncVersion, res.NewVersion)
}

func TestPush_UnknownTaskAndBadStatus(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createTask(t, st, "t1", models.StatusRunning)

	resp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "n1",
		Tasks: []PushUpdate{
			{ID: "ghost", ExpectedVersion: 1, Status: models.StatusCompleted},
			{ID: "t1", ExpectedVersion: 1, Status: "finished"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, CodeTaskNotFound, resp.Results[0].Error)
	assert.Equal(t, CodeInvalidStatus, resp.Results[1].Error)
}

func TestPush_InvalidTransition(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	task := createTask(t, st, "t1", models.StatusPending)

	resp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "n1",
		Tasks:  []PushUpdate{{ID: "t1", ExpectedVersion: task.SyncVersion, Status: models.StatusCompleted}},
	})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidTransition, resp.Results[0].Error)
}

func TestPull_OmitsUnknownAndForeignTasks(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "t1", models.StatusQueued)
	require.NoError(t, st.UpsertProject(ctx, &models.Project{ID: "p2", Name: "other"}))
	require.NoError(t, st.CreateTask(ctx, &models.Task{
		ID: "foreign", ProjectID: "p2", Name: "foreign", Status: models.StatusQueued,
	}))

	resp, err := svc.Pull(ctx, "p1", PullRequest{TaskIDs: []string{"t1", "ghost", "foreign"}})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "t1", resp.Tasks[0].ID)
	assert.Equal(t, int64(1), resp.Tasks[0].Version)
}

func TestPushThenPull_RoundTrip(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	task := createTask(t, st, "t1", models.StatusRunning)

	pushResp, err := svc.Push(ctx, "p1", PushRequest{
		NodeID: "n1",
		Tasks: []PushUpdate{{
			ID: "t1", ExpectedVersion: task.SyncVersion, Status: models.StatusCompleted,
			Result: &models.TaskResult{Success: true, Score: 1},
		}},
	})
	require.NoError(t, err)

	pullResp, err := svc.Pull(ctx, "p1", PullRequest{TaskIDs: []string{"t1"}})
	require.NoError(t, err)
	require.Len(t, pullResp.Tasks, 1)
	snap := pullResp.Tasks[0]
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, pushResp.Results[0].NewVersion, snap.Version)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.Success)
}

func TestIntervene_PauseIsQueuedForHeartbeat(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createTask(t, st, "t1", models.StatusRunning)

	resp, err := svc.Intervene(ctx, "p1", InterveneRequest{
		Type: models.InterventionPause, TaskID: "t1", RequestedBy: "operator",
	})
	require.NoError(t, err)
	assert.True(t, resp.Queued)

	pending, err := st.TakePendingInterventions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.InterventionPause, pending[0].Type)

	// Taking drains the queue.
	pending, err = st.TakePendingInterventions(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIntervene_ReleaseLockIsImmediate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "t1", models.StatusQueued)
	_, err := st.ClaimTask(ctx, "t1", "n1", time.Hour, time.Now())
	require.NoError(t, err)

	resp, err := svc.Intervene(ctx, "p1", InterveneRequest{
		Type: models.InterventionReleaseLock, TaskID: "t1", RequestedBy: "operator",
	})
	require.NoError(t, err)
	assert.False(t, resp.Queued)
	require.NotNil(t, resp.Task)
	assert.Empty(t, resp.Task.LockedBy)
}

func TestIntervene_ForceStatusBypassesTransitionTable(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	createTask(t, st, "t1", models.StatusPending)

	// pending -> completed is not a legal transition, but FORCE_STATUS is an
	// operator override.
	resp, err := svc.Intervene(ctx, "p1", InterveneRequest{
		Type:        models.InterventionForceStatus,
		TaskID:      "t1",
		RequestedBy: "operator",
		Params: models.InterventionParams{
			ForceStatus: &models.ForceStatusParams{Status: models.StatusCompleted},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Task)
	assert.Equal(t, models.StatusCompleted, resp.Task.Status)

	// The vocabulary is still enforced.
	_, err = svc.Intervene(ctx, "p1", InterveneRequest{
		Type:        models.InterventionForceStatus,
		TaskID:      "t1",
		RequestedBy: "operator",
		Params: models.InterventionParams{
			ForceStatus: &models.ForceStatusParams{Status: "bogus"},
		},
	})
	assert.Error(t, err)
}

func TestIntervene_RetryRequeuesFailedTask(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	task := createTask(t, st, "t1", models.StatusRunning)
	_, err := st.ApplyTaskUpdate(ctx, store.TaskUpdate{
		ID: "t1", GuardVersion: task.SyncVersion, Status: models.StatusFailed,
		Result: &models.TaskResult{Success: false}, SetCompletedAt: true,
	})
	require.NoError(t, err)

	resp, err := svc.Intervene(ctx, "p1", InterveneRequest{
		Type: models.InterventionRetry, TaskID: "t1", RequestedBy: "operator",
		Params: models.InterventionParams{Retry: &models.RetryParams{ResetIteration: true}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Task)
	assert.Equal(t, models.StatusQueued, resp.Task.Status)
	assert.Nil(t, resp.Task.Result)
}

func TestIntervene_RetryRejectedWhileRunning(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "t1", models.StatusQueued)
	claimed, err := st.ClaimTask(ctx, "t1", "node-a", 5*time.Minute, time.Now())
	require.NoError(t, err)

	// The owner is mid-iteration; a retry now would strip its lock and let a
	// second node claim the same task.
	_, err = svc.Intervene(ctx, "p1", InterveneRequest{
		Type: models.InterventionRetry, TaskID: "t1", RequestedBy: "operator",
	})
	assert.ErrorIs(t, err, store.ErrNotRetryable)

	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, task.Status)
	assert.Equal(t, "node-a", task.LockedBy)
	assert.Equal(t, claimed.SyncVersion, task.SyncVersion)
}

func TestStatus_CountsAndQueueDepth(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	createTask(t, st, "q1", models.StatusQueued)
	createTask(t, st, "q2", models.StatusQueued)
	createTask(t, st, "r1", models.StatusRunning)
	require.NoError(t, st.UpsertNode(ctx, &models.Node{ID: "n1", ProjectID: "p1", NodeType: "agent"}))

	status, err := svc.Status(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.QueueDepth)
	assert.Equal(t, 2, status.Counts[models.StatusQueued])
	assert.Equal(t, 1, status.Counts[models.StatusRunning])
	assert.Equal(t, 1, status.NodesTotal)
	assert.Equal(t, 1, status.NodesOnline)
}
