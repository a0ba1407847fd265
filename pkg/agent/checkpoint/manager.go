// Package checkpoint snapshots and restores the working tree around
// iteration milestones using git stash objects.
package checkpoint

import (
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forge-run/forge/pkg/agent"
	"github.com/forge-run/forge/pkg/models"
)

// DefaultKeep is how many checkpoints are retained when the task does not
// configure a count.
const DefaultKeep = 5

// gitTimeout bounds each git invocation.
const gitTimeout = 30 * time.Second

// Manager creates, prunes, and rolls back checkpoints for one workspace.
type Manager struct {
	workdir string
	logger  *slog.Logger
}

// NewManager creates a checkpoint manager rooted at workdir.
func NewManager(workdir string) *Manager {
	return &Manager{
		workdir: workdir,
		logger:  slog.Default().With("component", "checkpoint"),
	}
}

// Create snapshots the working tree and records a checkpoint against the
// state. A clean tree yields the "clean" sentinel; a workspace where
// stashing fails yields "none" and rollback becomes a metadata no-op.
// Never returns an error: checkpoint failures must not fail the iteration.
func (m *Manager) Create(ctx context.Context, st *agent.State, typ models.CheckpointType) *models.Checkpoint {
	cp := models.Checkpoint{
		ID:        uuid.New().String(),
		Iteration: st.Iteration.Current,
		CreatedAt: time.Now(),
		Type:      typ,
		StashRef:  m.stash(ctx),
		Metrics:   st.Metrics,
	}

	st.Checkpoints.Records = append(st.Checkpoints.Records, cp)
	m.prune(st)

	m.logger.Info("Checkpoint created",
		"checkpoint_id", cp.ID, "iteration", cp.Iteration, "type", typ, "stash_ref", cp.StashRef)
	return &cp
}

// stash captures the working tree as a dangling stash commit, returning its
// ref, or a sentinel when there is nothing to capture or git is unusable.
func (m *Manager) stash(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "stash", "create")
	cmd.Dir = m.workdir
	out, err := cmd.Output()
	if err != nil {
		m.logger.Warn("Stash unavailable, checkpoint will be metadata-only", "error", err)
		return models.StashRefNone
	}
	ref := strings.TrimSpace(string(out))
	if ref == "" {
		return models.StashRefClean
	}
	return ref
}

// prune drops checkpoints beyond the keep count, oldest-first by iteration.
func (m *Manager) prune(st *agent.State) {
	keep := st.Checkpoints.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	records := st.Checkpoints.Records
	if len(records) <= keep {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Iteration < records[j].Iteration
	})
	dropped := records[:len(records)-keep]
	st.Checkpoints.Records = append([]models.Checkpoint(nil), records[len(records)-keep:]...)
	for _, cp := range dropped {
		m.logger.Debug("Pruned checkpoint", "checkpoint_id", cp.ID, "iteration", cp.Iteration)
	}
}

// Latest returns the most recent checkpoint by iteration, or nil.
func Latest(st *agent.State) *models.Checkpoint {
	var latest *models.Checkpoint
	for i := range st.Checkpoints.Records {
		cp := &st.Checkpoints.Records[i]
		if latest == nil || cp.Iteration > latest.Iteration {
			latest = cp
		}
	}
	return latest
}

// Rollback restores the checkpoint: applies the stash (no-op for the
// sentinels), restores the metrics snapshot, rewinds the iteration counter,
// and truncates history. Apply failures are logged; the metadata rollback
// proceeds regardless.
func (m *Manager) Rollback(ctx context.Context, st *agent.State, cp *models.Checkpoint) {
	if cp.StashRef != models.StashRefClean && cp.StashRef != models.StashRefNone {
		ctx, cancel := context.WithTimeout(ctx, gitTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "git", "stash", "apply", cp.StashRef)
		cmd.Dir = m.workdir
		if out, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("Stash apply failed, continuing with metadata rollback",
				"checkpoint_id", cp.ID, "error", err, "output", strings.TrimSpace(string(out)))
		}
	}

	st.Metrics = cp.Metrics
	st.Iteration.Current = cp.Iteration
	st.TruncateHistory(cp.Iteration)

	m.logger.Info("Rolled back to checkpoint",
		"checkpoint_id", cp.ID, "iteration", cp.Iteration)
}

// AutoDue reports whether an auto checkpoint is due at the given iteration.
func AutoDue(iteration, interval int) bool {
	return interval > 0 && iteration > 0 && iteration%interval == 0
}
