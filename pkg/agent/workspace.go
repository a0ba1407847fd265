// Package agent holds the per-workspace agent core: the local state file,
// the coordinator HTTP client, and the durable status outbox. Exactly one
// agent process owns a workspace's .forge directory at a time.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ForgeDir is the agent's on-disk root, relative to the workspace.
const ForgeDir = ".forge"

// Workspace resolves the agent's on-disk layout under <root>/.forge.
type Workspace struct {
	Root string
}

// NewWorkspace creates a workspace rooted at dir ("." when empty).
func NewWorkspace(dir string) Workspace {
	if dir == "" {
		dir = "."
	}
	return Workspace{Root: dir}
}

// Dir returns the .forge directory path.
func (w Workspace) Dir() string { return filepath.Join(w.Root, ForgeDir) }

// StatePath is the live state of the active task.
func (w Workspace) StatePath() string { return filepath.Join(w.Dir(), "state.json") }

// CommandPath is the external-command inbox; consumed and deleted.
func (w Workspace) CommandPath() string { return filepath.Join(w.Dir(), "command.json") }

// ExecutionPath is the execution-view mirror of the project's queue.
func (w Workspace) ExecutionPath() string { return filepath.Join(w.Dir(), "execution.json") }

// OutboxPath is the pending-sync outbox.
func (w Workspace) OutboxPath() string { return filepath.Join(w.Dir(), "pending-sync.json") }

// ConfigPath is the registration record (coordinator url, projectId).
func (w Workspace) ConfigPath() string { return filepath.Join(w.Dir(), "config.json") }

// RunDir is the per-task artifact directory.
func (w Workspace) RunDir(taskID string) string {
	return filepath.Join(w.Dir(), "runs", taskID)
}

// IterationPath is the zero-padded per-iteration record file.
func (w Workspace) IterationPath(taskID string, n int) string {
	return filepath.Join(w.RunDir(taskID), "iterations", fmt.Sprintf("%03d.json", n))
}

// CheckpointPath is the per-checkpoint metadata file.
func (w Workspace) CheckpointPath(taskID, checkpointID string) string {
	return filepath.Join(w.RunDir(taskID), "checkpoints", checkpointID+".json")
}

// TaskPath is the task snapshot inside the run directory.
func (w Workspace) TaskPath(taskID string) string {
	return filepath.Join(w.RunDir(taskID), "task.json")
}

// ResultPath is the terminal result file.
func (w Workspace) ResultPath(taskID string) string {
	return filepath.Join(w.RunDir(taskID), "result.json")
}

// TaskDefPath is the user-editable task definition file.
func (w Workspace) TaskDefPath(taskID string) string {
	return filepath.Join(w.Dir(), "tasks", taskID+".yaml")
}

// writeJSONAtomic marshals v and renames it into place so readers never see
// a partial file.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// readJSON loads path into v. Returns os.ErrNotExist unwrapped-compatible
// errors when the file is missing.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
