// Package models defines the core entities shared by the coordinator and the
// agent: projects, tasks, nodes, iterations, checkpoints, interventions, and
// the sync log. The types here are pure data; persistence lives in pkg/store.
package models

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task status values.
const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusBlocked   TaskStatus = "blocked"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusAborted   TaskStatus = "aborted"
	StatusStuck     TaskStatus = "stuck"
	StatusSkipped   TaskStatus = "skipped"
)

// StatusValidator reports whether s is a known task status.
func StatusValidator(s TaskStatus) error {
	switch s {
	case StatusPending, StatusQueued, StatusBlocked, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusAborted, StatusStuck, StatusSkipped:
		return nil
	}
	return fmt.Errorf("invalid task status: %q", s)
}

// IsTerminal reports whether s admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted, StatusSkipped:
		return true
	}
	return false
}

// Task is the central entity, held authoritatively by the coordinator.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	// Priority orders tasks within a project; lower runs first.
	Priority int        `json:"priority"`
	Status   TaskStatus `json:"status"`

	// SyncVersion increases by one on every authoritative mutation.
	SyncVersion int64 `json:"syncVersion"`

	LockedBy      string     `json:"lockedBy,omitempty"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`
	LockExpiresAt *time.Time `json:"lockExpiresAt,omitempty"`

	Iteration   int        `json:"iteration"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Config TaskConfig  `json:"config"`
	Result *TaskResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Locked reports whether the task currently holds an unexpired lease.
func (t *Task) Locked(now time.Time) bool {
	return t.LockedBy != "" && t.LockExpiresAt != nil && t.LockExpiresAt.After(now)
}

// TaskConfig is the embedded per-task execution configuration.
type TaskConfig struct {
	Criteria      []Criterion `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Mode          ScoringMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	RequiredScore float64     `json:"requiredScore,omitempty" yaml:"requiredScore,omitempty"`
	MaxIterations int         `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`
	DependsOn     []string    `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	// CheckpointInterval is the iteration multiple at which auto checkpoints
	// are taken; 0 disables them.
	CheckpointInterval int `json:"checkpointInterval,omitempty" yaml:"checkpointInterval,omitempty"`
	CheckpointKeep     int `json:"checkpointKeep,omitempty" yaml:"checkpointKeep,omitempty"`

	StuckStrategy RecoveryStrategy `json:"stuckStrategy,omitempty" yaml:"stuckStrategy,omitempty"`

	// MaxDuration and MaxTokens bound the whole task; zero means unlimited.
	MaxDuration time.Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`
	MaxTokens   int64         `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`

	Gates []QualityGate `json:"gates,omitempty" yaml:"gates,omitempty"`
}

// QualityGate is an external command run every Interval iterations. A failing
// gate may trigger FixCommand but never fails the iteration by itself.
type QualityGate struct {
	Name       string `json:"name" yaml:"name"`
	Command    string `json:"command" yaml:"command"`
	Interval   int    `json:"interval,omitempty" yaml:"interval,omitempty"`
	FixCommand string `json:"fixCommand,omitempty" yaml:"fixCommand,omitempty"`
}

// TaskResult is set exactly once, on the terminal transition.
type TaskResult struct {
	Success    bool    `json:"success"`
	Reason     string  `json:"reason,omitempty"`
	Iterations int     `json:"iterations"`
	Score      float64 `json:"score"`
	DurationMS int64   `json:"durationMs,omitempty"`
	Tokens     int64   `json:"tokens,omitempty"`
}

// RecoveryStrategy selects what the agent does when the stuck detector fires.
type RecoveryStrategy string

// Recovery strategies.
const (
	RecoveryRetryVariation RecoveryStrategy = "retry-variation"
	RecoverySimplify       RecoveryStrategy = "simplify"
	RecoveryRollback       RecoveryStrategy = "rollback"
	RecoveryAbort          RecoveryStrategy = "abort"
)

// ScoringMode aggregates per-criterion results into a completion decision.
type ScoringMode string

// Scoring modes.
const (
	ModeAll      ScoringMode = "all"
	ModeAny      ScoringMode = "any"
	ModeWeighted ScoringMode = "weighted"
)
