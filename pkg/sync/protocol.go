// Package sync implements the coordinator side of the sync protocol:
// handshake, push, pull, interventions, and the logical clock.
package sync

import (
	"time"

	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/resolver"
)

// Protocol error codes carried in the `error` field of responses.
const (
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeAlreadyLocked     = "ALREADY_LOCKED"
	CodeLockLost          = "LOCK_LOST"
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeTerminalState     = "TERMINAL_STATE"
)

// HandshakeRequest carries an agent's local clock and its believed task
// versions.
type HandshakeRequest struct {
	NodeID       string           `json:"nodeId"`
	LocalClock   int64            `json:"localClock"`
	TaskVersions map[string]int64 `json:"taskVersions"`
}

// HandshakeResult classifies every task in the project into sync buckets so
// a reconnecting agent can bootstrap without whole-task payloads.
type HandshakeResult struct {
	InSync      []string `json:"inSync"`
	NeedsPull   []string `json:"needsPull"`
	NeedsPush   []string `json:"needsPush"`
	Conflicts   []string `json:"conflicts"`
	ServerClock int64    `json:"serverClock"`
}

// PushUpdate is one task update in a push batch.
type PushUpdate struct {
	ID              string             `json:"id"`
	ExpectedVersion int64              `json:"expectedVersion"`
	Status          models.TaskStatus  `json:"status"`
	Result          *models.TaskResult `json:"result,omitempty"`
	Iteration       *int               `json:"iteration,omitempty"`
}

// PushRequest is a batch of task updates from one node.
type PushRequest struct {
	NodeID string       `json:"nodeId"`
	Tasks  []PushUpdate `json:"tasks"`
}

// TaskSnapshot is the compact wire view of a task's authoritative state.
type TaskSnapshot struct {
	ID        string             `json:"id"`
	Status    models.TaskStatus  `json:"status"`
	Version   int64              `json:"version"`
	Result    *models.TaskResult `json:"result,omitempty"`
	Iteration int                `json:"iteration"`
	LockedBy  string             `json:"lockedBy,omitempty"`
}

// snapshotOf builds the wire view of a task.
func snapshotOf(t *models.Task) *TaskSnapshot {
	return &TaskSnapshot{
		ID:        t.ID,
		Status:    t.Status,
		Version:   t.SyncVersion,
		Result:    t.Result,
		Iteration: t.Iteration,
		LockedBy:  t.LockedBy,
	}
}

// PushResult reports the outcome for one pushed update. Success with
// Applied=false is an accepted no-op (idempotent retry or SERVER_WINS).
type PushResult struct {
	ID          string           `json:"id"`
	Success     bool             `json:"success"`
	Applied     bool             `json:"applied"`
	NewVersion  int64            `json:"newVersion,omitempty"`
	Error       string           `json:"error,omitempty"`
	Verdict     resolver.Verdict `json:"verdict,omitempty"`
	ServerState *TaskSnapshot    `json:"serverState,omitempty"`
}

// PushResponse wraps a batch's results.
type PushResponse struct {
	Results     []PushResult `json:"results"`
	ServerClock int64        `json:"serverClock"`
}

// PullRequest asks for the current state of a set of tasks.
type PullRequest struct {
	NodeID  string   `json:"nodeId,omitempty"`
	TaskIDs []string `json:"taskIds"`
}

// PullResponse returns snapshots for the ids known to the server; unknown
// ids are omitted.
type PullResponse struct {
	Tasks       []*TaskSnapshot `json:"tasks"`
	ServerClock int64           `json:"serverClock"`
}

// InterveneRequest is an operator command against a task.
type InterveneRequest struct {
	Type        models.InterventionType   `json:"type"`
	TaskID      string                    `json:"taskId"`
	RequestedBy string                    `json:"requestedBy"`
	Reason      string                    `json:"reason,omitempty"`
	Params      models.InterventionParams `json:"params,omitempty"`
}

// InterveneResponse reports how the intervention was handled.
type InterveneResponse struct {
	Intervention *models.Intervention `json:"intervention"`
	// Queued is true for cooperative commands (PAUSE/ABORT) awaiting the
	// next heartbeat.
	Queued      bool          `json:"queued"`
	Task        *TaskSnapshot `json:"task,omitempty"`
	ServerClock int64         `json:"serverClock"`
}

// ProjectStatus is the aggregate health view for one project.
type ProjectStatus struct {
	ProjectID   string                    `json:"projectId"`
	Counts      map[models.TaskStatus]int `json:"counts"`
	QueueDepth  int                       `json:"queueDepth"`
	NodesOnline int                       `json:"nodesOnline"`
	NodesTotal  int                       `json:"nodesTotal"`
	ServerClock int64                     `json:"serverClock"`
	GeneratedAt time.Time                 `json:"generatedAt"`
}
