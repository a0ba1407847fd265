package models

import "time"

// SyncOperation tags a sync log entry.
type SyncOperation string

// Sync log operations.
const (
	OpTaskCreated  SyncOperation = "task:created"
	OpTaskUpdated  SyncOperation = "task:updated"
	OpTaskClaimed  SyncOperation = "task:claimed"
	OpTaskReleased SyncOperation = "task:released"
	OpTaskStuck    SyncOperation = "task:stuck"
	OpIntervention SyncOperation = "intervention"
	OpNodeSeen     SyncOperation = "node:seen"
)

// SyncLogEntry is one append-only record of an authoritative mutation,
// totally ordered per deployment by Clock.
type SyncLogEntry struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"projectId"`
	TaskID    string        `json:"taskId,omitempty"`
	NodeID    string        `json:"nodeId,omitempty"`
	Operation SyncOperation `json:"operation"`
	OldValue  string        `json:"oldValue,omitempty"`
	NewValue  string        `json:"newValue,omitempty"`
	Clock     int64         `json:"clock"`
	Timestamp time.Time     `json:"timestamp"`
}
