// Package driver runs the agent's per-turn iteration tick: ingest the
// runtime transcript, score criteria, detect stuck loops, checkpoint, and
// report to the coordinator.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/forge-run/forge/pkg/agent"
	"github.com/forge-run/forge/pkg/agent/checkpoint"
	"github.com/forge-run/forge/pkg/agent/criteria"
	"github.com/forge-run/forge/pkg/agent/stuck"
	"github.com/forge-run/forge/pkg/models"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

// SignalKind tells the parent runtime what to do after a tick.
type SignalKind string

// Signals.
const (
	// SignalApprove means nothing to drive; let the runtime proceed.
	SignalApprove SignalKind = "approve"
	// SignalContinue blocks the runtime and re-prompts it.
	SignalContinue SignalKind = "continue"
	// SignalExit ends the loop for this workspace.
	SignalExit SignalKind = "exit"
)

// Signal is the tick's outcome for the parent runtime.
type Signal struct {
	Kind   SignalKind
	Prompt string
	Reason string
}

// Command is the CLI inbox payload at .forge/command.json.
type Command struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

var promisePattern = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)

// Driver orchestrates one workspace's iteration loop. It is single-threaded:
// exactly one Tick runs at a time.
type Driver struct {
	ws          agent.Workspace
	client      *agent.Client
	outbox      *agent.Outbox
	evaluator   *criteria.Evaluator
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

// New creates a driver for the workspace. client may be nil for standalone
// (coordinator-less) operation.
func New(ws agent.Workspace, client *agent.Client) *Driver {
	return &Driver{
		ws:          ws,
		client:      client,
		outbox:      agent.NewOutbox(ws),
		evaluator:   criteria.NewEvaluator(ws.Root, 0),
		checkpoints: checkpoint.NewManager(ws.Root),
		logger:      slog.Default().With("component", "driver"),
	}
}

// Tick runs one iteration pass over the given runtime transcript.
func (d *Driver) Tick(ctx context.Context, transcript string) (*Signal, error) {
	st, err := agent.LoadState(d.ws)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	// Step 1: drain the outbox regardless of task state; then bail out if
	// there is nothing running.
	d.drainOutbox(ctx)
	if st == nil || st.Task.Status != models.StatusRunning {
		return &Signal{Kind: SignalApprove}, nil
	}

	// Step 2: external command inbox.
	if sig, handled, err := d.consumeCommand(ctx, st); err != nil {
		return nil, err
	} else if handled {
		return sig, nil
	}

	// Steps 3-5: ingest the transcript and working-tree delta.
	lastText, promise := extractTranscript(transcript)
	now := time.Now()
	durationMS := now.Sub(st.Iteration.CurrentStartedAt).Milliseconds()
	tokens := int64(math.Ceil(float64(len(transcript)) / 4))
	st.Metrics.TotalTokens += tokens
	st.Metrics.TotalDurationMS += durationMS
	filesChanged := d.changedFiles(ctx)

	// Step 6: budgets.
	if reason := st.BudgetExceeded(); reason != "" {
		return d.finish(ctx, st, models.StatusFailed, &models.TaskResult{
			Success:    false,
			Reason:     reason,
			Iterations: st.Iteration.Current,
			DurationMS: st.Metrics.TotalDurationMS,
			Tokens:     st.Metrics.TotalTokens,
		})
	}

	// Step 7: iteration cap.
	if st.Iteration.Max > 0 && st.Iteration.Current >= st.Iteration.Max {
		return d.finish(ctx, st, models.StatusFailed, &models.TaskResult{
			Success:    false,
			Reason:     "max iterations",
			Iterations: st.Iteration.Current,
			DurationMS: st.Metrics.TotalDurationMS,
			Tokens:     st.Metrics.TotalTokens,
		})
	}

	// Step 8: criteria.
	outcome := d.evaluator.Evaluate(ctx, st.Criteria, st.Mode, st.Required, criteria.Input{Promise: promise})
	if len(st.Criteria) > 0 && outcome.IsComplete {
		record := d.buildRecord(st, now, durationMS, tokens, lastText, filesChanged, outcome.Results)
		record.Outcome = models.OutcomeProgress
		st.AppendHistory(record)
		d.persistIteration(st, record)
		return d.finish(ctx, st, models.StatusCompleted, &models.TaskResult{
			Success:    true,
			Iterations: st.Iteration.Current,
			Score:      outcome.Score,
			DurationMS: st.Metrics.TotalDurationMS,
			Tokens:     st.Metrics.TotalTokens,
		})
	}

	// Step 9: history and stuck detection.
	record := d.buildRecord(st, now, durationMS, tokens, lastText, filesChanged, outcome.Results)
	detection := stuck.Detect(append(st.Iteration.History, record), stuck.Config{
		SameOutputThreshold: st.Stuck.SameOutputThreshold,
		NoProgressThreshold: st.Stuck.NoProgressThreshold,
	})

	var promptSuffix string
	if detection.IsStuck {
		record.Outcome = models.OutcomeStuck
		recovery := stuck.Recover(st.Stuck.Strategy, detection, checkpoint.Latest(st) != nil)
		d.logger.Warn("Stuck detected",
			"pattern", detection.Pattern, "strategy", recovery.Strategy, "reason", detection.Reason)

		if recovery.Abort {
			st.AppendHistory(record)
			d.persistIteration(st, record)
			return d.abandonStuck(ctx, st, detection)
		}
		if recovery.Rollback {
			if cp := checkpoint.Latest(st); cp != nil {
				d.checkpoints.Rollback(ctx, st, cp)
			}
		}
		promptSuffix = recovery.PromptSuffix
	}
	st.AppendHistory(record)
	d.persistIteration(st, record)

	// Step 10: auto checkpoint.
	if checkpoint.AutoDue(st.Iteration.Current, st.Checkpoints.Interval) {
		d.checkpoints.Create(ctx, st, models.CheckpointAuto)
	}

	// Step 11: quality gates.
	d.runGates(ctx, st)

	// Step 12: advance, persist, heartbeat.
	st.Iteration.Current++
	st.Iteration.CurrentStartedAt = time.Now()
	if err := st.Save(d.ws); err != nil {
		return nil, err
	}
	if sig := d.heartbeat(ctx, st, record.Summary); sig != nil {
		return sig, nil
	}

	// Step 13: block and continue.
	return &Signal{
		Kind:   SignalContinue,
		Prompt: st.Task.Prompt + promptSuffix,
	}, nil
}

// consumeCommand applies and deletes the command inbox, if present.
func (d *Driver) consumeCommand(ctx context.Context, st *agent.State) (*Signal, bool, error) {
	var cmd Command
	err := readCommand(d.ws.CommandPath(), &cmd)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := os.Remove(d.ws.CommandPath()); err != nil {
		d.logger.Warn("Failed to delete command inbox", "error", err)
	}

	d.logger.Info("External command received", "command", cmd.Command)
	switch cmd.Command {
	case "complete":
		sig, err := d.finish(ctx, st, models.StatusCompleted, &models.TaskResult{
			Success:    true,
			Reason:     orDefault(cmd.Reason, "completed by command"),
			Iterations: st.Iteration.Current,
			DurationMS: st.Metrics.TotalDurationMS,
			Tokens:     st.Metrics.TotalTokens,
		})
		return sig, true, err
	case "abort":
		sig, err := d.finish(ctx, st, models.StatusAborted, &models.TaskResult{
			Success:    false,
			Reason:     orDefault(cmd.Reason, "aborted by command"),
			Iterations: st.Iteration.Current,
			DurationMS: st.Metrics.TotalDurationMS,
			Tokens:     st.Metrics.TotalTokens,
		})
		return sig, true, err
	case "pause":
		st.Task.Status = models.StatusPaused
		if err := st.Save(d.ws); err != nil {
			return nil, true, err
		}
		d.reportStatus(ctx, st, models.StatusPaused, nil)
		return &Signal{Kind: SignalExit, Reason: "paused"}, true, nil
	default:
		d.logger.Warn("Unknown command ignored", "command", cmd.Command)
		return nil, false, nil
	}
}

// finish performs a terminal transition: persist locally, report through the
// status channel (outbox on failure), then attempt auto-advance for
// completions.
func (d *Driver) finish(ctx context.Context, st *agent.State, status models.TaskStatus, result *models.TaskResult) (*Signal, error) {
	st.Task.Status = status
	st.Metrics.Iterations = st.Iteration.Current
	if err := st.Save(d.ws); err != nil {
		return nil, err
	}
	if err := writeRunArtifact(d.ws.ResultPath(st.Task.ID), result); err != nil {
		d.logger.Warn("Failed to write result artifact", "error", err)
	}

	d.reportStatus(ctx, st, status, result)
	d.logger.Info("Task finished", "task_id", st.Task.ID, "status", status, "reason", result.Reason)

	if status == models.StatusCompleted {
		if sig := d.autoAdvance(ctx, st); sig != nil {
			return sig, nil
		}
	}
	return &Signal{Kind: SignalExit, Reason: string(status)}, nil
}

// abandonStuck pushes the non-terminal stuck status and releases the lock so
// an operator (or the sweeper's retry path) can take over.
func (d *Driver) abandonStuck(ctx context.Context, st *agent.State, det stuck.Detection) (*Signal, error) {
	st.Task.Status = models.StatusStuck
	if err := st.Save(d.ws); err != nil {
		return nil, err
	}
	d.reportStatus(ctx, st, models.StatusStuck, nil)
	if d.client != nil {
		if err := d.client.Release(ctx, st.Task.ID); err != nil {
			d.logger.Warn("Failed to release stuck task", "task_id", st.Task.ID, "error", err)
		}
	}
	return &Signal{Kind: SignalExit, Reason: det.Reason}, nil
}

// reportStatus delivers a status change to the coordinator, falling back to
// the outbox when delivery fails.
func (d *Driver) reportStatus(ctx context.Context, st *agent.State, status models.TaskStatus, result *models.TaskResult) {
	if d.client == nil || !st.Linked() {
		return
	}
	err := d.client.PostStatus(ctx, st.Task.ProjectID, st.Task.ID, status, result)
	if err == nil {
		return
	}
	d.logger.Warn("Status delivery failed, queuing to outbox",
		"task_id", st.Task.ID, "status", status, "error", err)
	if qerr := d.outbox.Enqueue(agent.StatusUpdate{
		TaskID:    st.Task.ID,
		ProjectID: st.Task.ProjectID,
		Status:    status,
		Result:    result,
	}); qerr != nil {
		d.logger.Error("Failed to enqueue status update", "task_id", st.Task.ID, "error", qerr)
	}
}

func (d *Driver) drainOutbox(ctx context.Context) {
	if d.client == nil {
		return
	}
	err := d.outbox.Drain(ctx, func(ctx context.Context, u agent.StatusUpdate) error {
		return d.client.PostStatus(ctx, u.ProjectID, u.TaskID, u.Status, u.Result)
	})
	if err != nil {
		d.logger.Warn("Outbox drain failed", "error", err)
	}
}

// autoAdvance claims the next queued task after a completion. Returns nil
// when there is nothing to advance to.
func (d *Driver) autoAdvance(ctx context.Context, st *agent.State) *Signal {
	if d.client == nil || !st.Linked() {
		return nil
	}
	next, err := d.client.ClaimNext(ctx, st.Task.ProjectID)
	if err != nil {
		d.logger.Warn("Auto-advance claim failed", "error", err)
		return nil
	}
	if next == nil {
		return nil
	}

	fresh := agent.NewState(next, st.Coordinator)
	if err := fresh.Save(d.ws); err != nil {
		d.logger.Error("Failed to initialize next task state", "task_id", next.ID, "error", err)
		return nil
	}
	if err := writeRunArtifact(d.ws.TaskPath(next.ID), next); err != nil {
		d.logger.Warn("Failed to write task artifact", "task_id", next.ID, "error", err)
	}
	d.logger.Info("Auto-advanced to next task", "task_id", next.ID, "name", next.Name)
	return &Signal{Kind: SignalContinue, Prompt: next.Prompt}
}

// heartbeat extends the lease and applies delivered operator commands.
// Returns a signal when the tick must not continue.
func (d *Driver) heartbeat(ctx context.Context, st *agent.State, progress string) *Signal {
	if d.client == nil || !st.Linked() {
		return nil
	}
	iteration := st.Iteration.Current
	resp, err := d.client.Heartbeat(ctx, st.Task.ID, &iteration, progress)
	if err != nil {
		d.logger.Warn("Heartbeat failed", "task_id", st.Task.ID, "error", err)
		return nil
	}
	if resp.Error == forgesync.CodeLockLost {
		// Another node owns the task now; the server row is authoritative.
		d.logger.Warn("Lock lost; stopping work", "task_id", st.Task.ID)
		return &Signal{Kind: SignalExit, Reason: "lock lost"}
	}

	for _, cmd := range resp.Commands {
		d.logger.Info("Operator command received",
			"type", cmd.Type, "intervention_id", cmd.InterventionID)
		switch cmd.Type {
		case models.InterventionPause:
			st.Task.Status = models.StatusPaused
			if err := st.Save(d.ws); err != nil {
				d.logger.Error("Failed to persist state", "error", err)
			}
			d.reportStatus(ctx, st, models.StatusPaused, nil)
			return &Signal{Kind: SignalExit, Reason: "paused by operator"}
		case models.InterventionAbort:
			sig, err := d.finish(ctx, st, models.StatusAborted, &models.TaskResult{
				Success:    false,
				Reason:     orDefault(cmd.Reason, "aborted by operator"),
				Iterations: st.Iteration.Current,
				DurationMS: st.Metrics.TotalDurationMS,
				Tokens:     st.Metrics.TotalTokens,
			})
			if err != nil {
				d.logger.Error("Failed to finish aborted task", "error", err)
				return &Signal{Kind: SignalExit, Reason: "aborted by operator"}
			}
			return sig
		}
	}
	return nil
}

// runGates executes quality gates whose interval divides this iteration.
// Gate failures trigger the fix command when configured but never fail the
// iteration.
func (d *Driver) runGates(ctx context.Context, st *agent.State) {
	for _, gate := range st.Gates {
		interval := gate.Interval
		if interval <= 0 {
			interval = 1
		}
		if st.Iteration.Current%interval != 0 {
			continue
		}
		if err := d.runGateCommand(ctx, gate.Command); err == nil {
			continue
		}
		d.logger.Warn("Quality gate failed", "gate", gate.Name)
		if gate.FixCommand != "" {
			if err := d.runGateCommand(ctx, gate.FixCommand); err != nil {
				d.logger.Warn("Quality gate fix failed", "gate", gate.Name, "error", err)
			}
		}
	}
}

func (d *Driver) runGateCommand(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = d.ws.Root
	return cmd.Run()
}

// buildRecord assembles the iteration record for the just-finished turn.
func (d *Driver) buildRecord(st *agent.State, now time.Time, durationMS, tokens int64, lastText string, filesChanged []string, results []models.CriterionResult) models.IterationRecord {
	record := models.IterationRecord{
		Sequence:     st.Iteration.Current,
		StartedAt:    st.Iteration.CurrentStartedAt,
		EndedAt:      now,
		DurationMS:   durationMS,
		Tokens:       tokens,
		Outcome:      models.OutcomeProgress,
		Criteria:     results,
		Summary:      summarize(lastText),
		FilesChanged: filesChanged,
	}

	// A batch where every criterion errored is an error iteration; the
	// shared message feeds repeating-error detection.
	if len(results) > 0 {
		allErrored := true
		for _, r := range results {
			if r.Error == "" {
				allErrored = false
				break
			}
		}
		if allErrored {
			record.Outcome = models.OutcomeError
			record.ErrorMessage = results[0].Error
		}
	}
	return record
}

// persistIteration writes the full record under runs/<taskId>/iterations/.
func (d *Driver) persistIteration(st *agent.State, record models.IterationRecord) {
	path := d.ws.IterationPath(st.Task.ID, record.Sequence)
	if err := writeRunArtifact(path, record); err != nil {
		d.logger.Warn("Failed to persist iteration record",
			"task_id", st.Task.ID, "sequence", record.Sequence, "error", err)
	}
}

// changedFiles lists working-tree changes (names only, deduplicated).
func (d *Driver) changedFiles(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = d.ws.Root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		name := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; the new name is the change.
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[idx+4:]
		}
		if name != "" && !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files
}

// extractTranscript returns the last non-empty text and any <promise> body.
func extractTranscript(transcript string) (lastText, promise string) {
	if m := promisePattern.FindStringSubmatch(transcript); m != nil {
		promise = strings.TrimSpace(m[1])
	}
	lines := strings.Split(strings.TrimSpace(transcript), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			lastText = s
			break
		}
	}
	return lastText, promise
}

// summarize produces the one-line iteration summary, capped at 200 bytes on
// a rune boundary.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 200 {
		return text
	}
	cut := 200
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func readCommand(path string, cmd *Command) error {
	return readJSONFile(path, cmd)
}
