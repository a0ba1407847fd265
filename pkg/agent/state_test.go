package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/pkg/models"
)

func TestState_SaveLoadRoundTrip(t *testing.T) {
	ws := NewWorkspace(t.TempDir())

	st := NewState(&models.Task{
		ID: "t1", ProjectID: "p1", Name: "task", Prompt: "do the thing",
		SyncVersion: 3,
		Config:      models.TaskConfig{MaxIterations: 10},
	}, Link{URL: "http://localhost:3344", NodeID: "n1"})
	require.NoError(t, st.Save(ws))

	loaded, err := LoadState(ws)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "t1", loaded.Task.ID)
	assert.Equal(t, models.StatusRunning, loaded.Task.Status)
	assert.Equal(t, 1, loaded.Iteration.Current)
	assert.Equal(t, 10, loaded.Iteration.Max)
	assert.Equal(t, int64(3), loaded.Coordinator.SyncVersion)
	assert.Equal(t, "t1", loaded.Coordinator.TaskID)
	assert.True(t, loaded.Linked())
}

func TestLoadState_MissingIsNil(t *testing.T) {
	st, err := LoadState(NewWorkspace(t.TempDir()))
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestAppendHistory_BoundedWindow(t *testing.T) {
	st := &State{}
	for i := 1; i <= historyLimit+10; i++ {
		st.AppendHistory(models.IterationRecord{
			Sequence: i, Summary: fmt.Sprintf("iteration %d", i),
		})
	}
	require.Len(t, st.Iteration.History, historyLimit)
	assert.Equal(t, 11, st.Iteration.History[0].Sequence, "oldest entries trimmed")
	assert.Equal(t, historyLimit+10, st.Iteration.History[historyLimit-1].Sequence)
}

func TestTruncateHistory(t *testing.T) {
	st := &State{}
	for i := 1; i <= 8; i++ {
		st.AppendHistory(models.IterationRecord{Sequence: i})
	}
	st.TruncateHistory(5)
	require.Len(t, st.Iteration.History, 5)
	assert.Equal(t, 5, st.Iteration.History[4].Sequence)
}

func TestBudgetExceeded(t *testing.T) {
	st := &State{}
	assert.Empty(t, st.BudgetExceeded(), "zero budgets are unlimited")

	st.Budget.MaxTokens = 1000
	st.Metrics.TotalTokens = 999
	assert.Empty(t, st.BudgetExceeded())
	st.Metrics.TotalTokens = 1000
	assert.Contains(t, st.BudgetExceeded(), "token budget")

	st = &State{}
	st.Budget.MaxDuration = time.Hour
	st.Metrics.TotalDurationMS = int64((time.Hour - time.Second) / time.Millisecond)
	assert.Empty(t, st.BudgetExceeded())
	st.Metrics.TotalDurationMS = int64(time.Hour / time.Millisecond)
	assert.Contains(t, st.BudgetExceeded(), "duration budget")
}
