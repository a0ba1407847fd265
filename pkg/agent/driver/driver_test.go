package driver

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-run/forge/pkg/agent"
	"github.com/forge-run/forge/pkg/agent/stuck"
	"github.com/forge-run/forge/pkg/models"
)

// newTickFixture builds a standalone driver over a temp workspace with a
// running task persisted, mutated by prep before saving.
func newTickFixture(t *testing.T, cfg models.TaskConfig, prep func(*agent.State)) (*Driver, agent.Workspace) {
	t.Helper()
	ws := agent.NewWorkspace(t.TempDir())
	st := agent.NewState(&models.Task{
		ID: "t1", ProjectID: "p1", Name: "task", Prompt: "build the feature",
		Config: cfg,
	}, agent.Link{})
	if prep != nil {
		prep(st)
	}
	require.NoError(t, st.Save(ws))
	return New(ws, nil), ws
}

func loadedState(t *testing.T, ws agent.Workspace) *agent.State {
	t.Helper()
	st, err := agent.LoadState(ws)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestTick_NoRunningTaskApproves(t *testing.T) {
	d := New(agent.NewWorkspace(t.TempDir()), nil)
	sig, err := d.Tick(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, SignalApprove, sig.Kind)

	d, _ = newTickFixture(t, models.TaskConfig{}, func(st *agent.State) {
		st.Task.Status = models.StatusPaused
	})
	sig, err = d.Tick(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, SignalApprove, sig.Kind)
}

func TestTick_RepeatedOutputInjectsRecoveryPrompt(t *testing.T) {
	d, ws := newTickFixture(t, models.TaskConfig{}, func(st *agent.State) {
		st.Iteration.Current = 3
		st.Iteration.History = []models.IterationRecord{
			{Sequence: 1, Outcome: models.OutcomeProgress, Summary: "no change"},
			{Sequence: 2, Outcome: models.OutcomeProgress, Summary: "no change"},
		}
	})

	sig, err := d.Tick(context.Background(), "no change")
	require.NoError(t, err)
	require.Equal(t, SignalContinue, sig.Kind)
	assert.Contains(t, sig.Prompt, "build the feature")
	assert.Contains(t, sig.Prompt, stuck.Marker)

	st := loadedState(t, ws)
	assert.Equal(t, 4, st.Iteration.Current)
	require.Len(t, st.Iteration.History, 3)
	assert.Equal(t, models.OutcomeStuck, st.Iteration.History[2].Outcome)
	assert.FileExists(t, ws.IterationPath("t1", 3))
}

func TestTick_TokenBudgetTerminates(t *testing.T) {
	d, ws := newTickFixture(t, models.TaskConfig{MaxTokens: 1}, nil)

	sig, err := d.Tick(context.Background(), "a transcript well past one token")
	require.NoError(t, err)
	require.Equal(t, SignalExit, sig.Kind)
	assert.Equal(t, string(models.StatusFailed), sig.Reason)

	assert.Equal(t, models.StatusFailed, loadedState(t, ws).Task.Status)
	var result models.TaskResult
	require.NoError(t, readJSONFile(ws.ResultPath("t1"), &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "token budget")
}

func TestTick_MaxIterationsTerminates(t *testing.T) {
	d, ws := newTickFixture(t, models.TaskConfig{MaxIterations: 2}, func(st *agent.State) {
		st.Iteration.Current = 2
	})

	sig, err := d.Tick(context.Background(), "still going")
	require.NoError(t, err)
	require.Equal(t, SignalExit, sig.Kind)

	var result models.TaskResult
	require.NoError(t, readJSONFile(ws.ResultPath("t1"), &result))
	assert.Equal(t, "max iterations", result.Reason)
	assert.Equal(t, models.StatusFailed, loadedState(t, ws).Task.Status)
}

func TestTick_PromiseCriterionCompletes(t *testing.T) {
	d, ws := newTickFixture(t, models.TaskConfig{
		Criteria: []models.Criterion{{
			Name: "done", Type: models.CriterionPromise,
			Config: &models.PromiseConfig{Text: "FEATURE COMPLETE"},
		}},
	}, nil)

	sig, err := d.Tick(context.Background(), "wrapping up\n<promise>FEATURE COMPLETE</promise>")
	require.NoError(t, err)
	require.Equal(t, SignalExit, sig.Kind)
	assert.Equal(t, string(models.StatusCompleted), sig.Reason)

	assert.Equal(t, models.StatusCompleted, loadedState(t, ws).Task.Status)
	var result models.TaskResult
	require.NoError(t, readJSONFile(ws.ResultPath("t1"), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 1.0, result.Score)
	assert.FileExists(t, ws.IterationPath("t1", 1))
}

func TestTick_AbortCommandInbox(t *testing.T) {
	d, ws := newTickFixture(t, models.TaskConfig{}, nil)
	require.NoError(t, writeRunArtifact(ws.CommandPath(), Command{Command: "abort", Reason: "operator said so"}))

	sig, err := d.Tick(context.Background(), "mid-flight")
	require.NoError(t, err)
	require.Equal(t, SignalExit, sig.Kind)

	assert.Equal(t, models.StatusAborted, loadedState(t, ws).Task.Status)
	assert.NoFileExists(t, ws.CommandPath(), "inbox consumed")
	var result models.TaskResult
	require.NoError(t, readJSONFile(ws.ResultPath("t1"), &result))
	assert.Equal(t, "operator said so", result.Reason)
}

func TestExtractTranscript(t *testing.T) {
	last, promise := extractTranscript("did some work\n\nall tests pass now\n")
	assert.Equal(t, "all tests pass now", last)
	assert.Empty(t, promise)

	last, promise = extractTranscript("refactored the parser\n<promise>DONE: parser handles nesting</promise>\nwrapping up")
	assert.Equal(t, "wrapping up", last)
	assert.Equal(t, "DONE: parser handles nesting", promise)

	// The promise body may span lines; surrounding whitespace is trimmed.
	_, promise = extractTranscript("<promise>\n  multi\nline\n</promise>")
	assert.Equal(t, "multi\nline", promise)

	last, promise = extractTranscript("   \n\n")
	assert.Empty(t, last)
	assert.Empty(t, promise)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", summarize("  short \n"))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	s := summarize(string(long))
	require.Len(t, s, 200)

	// The cut lands on a rune boundary, never mid-sequence.
	multibyte := strings.Repeat("héllo ", 100)
	s = summarize(multibyte)
	assert.True(t, utf8.ValidString(s))
	assert.LessOrEqual(t, len(s), 200)
}

func TestCommandRoundTrip(t *testing.T) {
	path := t.TempDir() + "/command.json"
	require.NoError(t, writeRunArtifact(path, Command{Command: "pause", Reason: "manual"}))

	var cmd Command
	require.NoError(t, readCommand(path, &cmd))
	assert.Equal(t, "pause", cmd.Command)
	assert.Equal(t, "manual", cmd.Reason)
}
