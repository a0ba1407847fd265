package agent

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/forge-run/forge/pkg/models"
)

// historyLimit bounds the in-state iteration history; full records also live
// under runs/<taskId>/iterations/.
const historyLimit = 50

// TaskState is the agent's subset of the coordinator task row.
type TaskState struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId"`
	Name      string            `json:"name"`
	Prompt    string            `json:"prompt"`
	Status    models.TaskStatus `json:"status"`
}

// IterationState tracks the loop position and bounded history.
type IterationState struct {
	Current          int                      `json:"current"`
	Max              int                      `json:"max"`
	CurrentStartedAt time.Time                `json:"currentStartedAt"`
	History          []models.IterationRecord `json:"history,omitempty"`
}

// Budget bounds the whole task; zero values mean unlimited.
type Budget struct {
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
	MaxTokens   int64         `json:"maxTokens,omitempty"`
}

// CheckpointState holds the auto-checkpoint policy and accumulated records.
type CheckpointState struct {
	Interval int                 `json:"interval,omitempty"`
	Keep     int                 `json:"keep,omitempty"`
	Records  []models.Checkpoint `json:"records,omitempty"`
}

// StuckState holds the detector thresholds and the recovery strategy.
type StuckState struct {
	SameOutputThreshold int                     `json:"sameOutputThreshold,omitempty"`
	NoProgressThreshold int                     `json:"noProgressThreshold,omitempty"`
	Strategy            models.RecoveryStrategy `json:"strategy,omitempty"`
}

// Link is the coordinator linkage; an empty URL means the agent runs
// standalone.
type Link struct {
	URL        string `json:"url,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
	LocalClock int64  `json:"localClock,omitempty"`
	// SyncVersion is the last server version this agent observed for TaskID.
	SyncVersion int64 `json:"syncVersion,omitempty"`
}

// State is the agent's single active-task state, persisted to
// .forge/state.json after every tick.
type State struct {
	Task        TaskState              `json:"task"`
	Iteration   IterationState         `json:"iteration"`
	Criteria    []models.Criterion     `json:"criteria,omitempty"`
	Mode        models.ScoringMode     `json:"mode,omitempty"`
	Required    float64                `json:"requiredScore,omitempty"`
	Budget      Budget                 `json:"budget,omitempty"`
	Checkpoints CheckpointState        `json:"checkpoints,omitempty"`
	Stuck       StuckState             `json:"stuck,omitempty"`
	Gates       []models.QualityGate   `json:"gates,omitempty"`
	Metrics     models.MetricsSnapshot `json:"metrics"`
	Coordinator Link                   `json:"coordinator,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// NewState initializes state for a freshly claimed task.
func NewState(task *models.Task, link Link) *State {
	now := time.Now()
	link.TaskID = task.ID
	link.SyncVersion = task.SyncVersion
	return &State{
		Task: TaskState{
			ID:        task.ID,
			ProjectID: task.ProjectID,
			Name:      task.Name,
			Prompt:    task.Prompt,
			Status:    models.StatusRunning,
		},
		Iteration: IterationState{
			Current:          1,
			Max:              task.Config.MaxIterations,
			CurrentStartedAt: now,
		},
		Criteria: task.Config.Criteria,
		Mode:     task.Config.Mode,
		Required: task.Config.RequiredScore,
		Budget: Budget{
			MaxDuration: task.Config.MaxDuration,
			MaxTokens:   task.Config.MaxTokens,
		},
		Checkpoints: CheckpointState{
			Interval: task.Config.CheckpointInterval,
			Keep:     task.Config.CheckpointKeep,
		},
		Stuck: StuckState{
			Strategy: task.Config.StuckStrategy,
		},
		Gates:       task.Config.Gates,
		Coordinator: link,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// LoadState reads the workspace state file. Returns (nil, nil) when no state
// exists.
func LoadState(ws Workspace) (*State, error) {
	var st State
	if err := readJSON(ws.StatePath(), &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// Save persists the state atomically.
func (s *State) Save(ws Workspace) error {
	s.UpdatedAt = time.Now()
	return writeJSONAtomic(ws.StatePath(), s)
}

// AppendHistory adds one iteration record, trimming to the bounded window.
func (s *State) AppendHistory(rec models.IterationRecord) {
	s.Iteration.History = append(s.Iteration.History, rec)
	if len(s.Iteration.History) > historyLimit {
		s.Iteration.History = s.Iteration.History[len(s.Iteration.History)-historyLimit:]
	}
}

// TruncateHistory drops history entries past the given iteration, used by
// checkpoint rollback.
func (s *State) TruncateHistory(iteration int) {
	kept := s.Iteration.History[:0]
	for _, rec := range s.Iteration.History {
		if rec.Sequence <= iteration {
			kept = append(kept, rec)
		}
	}
	s.Iteration.History = kept
}

// BudgetExceeded returns a human-readable reason when either budget is spent,
// or "" while within budget.
func (s *State) BudgetExceeded() string {
	if s.Budget.MaxDuration > 0 && time.Duration(s.Metrics.TotalDurationMS)*time.Millisecond >= s.Budget.MaxDuration {
		return fmt.Sprintf("duration budget exceeded (%s)", s.Budget.MaxDuration)
	}
	if s.Budget.MaxTokens > 0 && s.Metrics.TotalTokens >= s.Budget.MaxTokens {
		return fmt.Sprintf("token budget exceeded (%d tokens)", s.Budget.MaxTokens)
	}
	return ""
}

// Linked reports whether the agent is attached to a coordinator.
func (s *State) Linked() bool {
	return s.Coordinator.URL != ""
}
