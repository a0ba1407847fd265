package models

import "time"

// CheckpointType distinguishes interval-driven snapshots from operator ones.
type CheckpointType string

// Checkpoint types.
const (
	CheckpointAuto   CheckpointType = "auto"
	CheckpointManual CheckpointType = "manual"
)

// Checkpoint stash ref sentinels. StashRefClean means the working tree was
// clean when the checkpoint was taken; StashRefNone means stashing was
// unavailable and rollback is a metadata-only no-op.
const (
	StashRefClean = "clean"
	StashRefNone  = "none"
)

// Checkpoint is a named snapshot of the working tree plus the task's metrics
// at a given iteration.
type Checkpoint struct {
	ID        string          `json:"id"`
	Iteration int             `json:"iteration"`
	CreatedAt time.Time       `json:"createdAt"`
	Type      CheckpointType  `json:"type"`
	StashRef  string          `json:"stashRef"`
	Metrics   MetricsSnapshot `json:"metrics"`
}

// MetricsSnapshot captures the running totals restored on rollback.
type MetricsSnapshot struct {
	TotalTokens     int64 `json:"totalTokens"`
	TotalDurationMS int64 `json:"totalDurationMs"`
	Iterations      int   `json:"iterations"`
}
