// Package events provides the in-process broadcast bus: typed events fanned
// out to subscribers best-effort, plus a WebSocket bridge for dashboards.
// Events carry references and small payloads only; consumers pull full state
// through the sync API when they need it, using versions (not message order)
// for correctness.
package events

import "time"

// Type tags a broadcast event.
type Type string

// Event types.
const (
	TypeTaskUpdate     Type = "task:update"
	TypeTaskLocked     Type = "task:locked"
	TypeTaskUnlocked   Type = "task:unlocked"
	TypeTaskProgress   Type = "task:progress"
	TypeTaskStuck      Type = "task:stuck"
	TypeQueueUpdate    Type = "queue:update"
	TypeNodeRegistered Type = "node:registered"
)

// Event is one broadcast message.
type Event struct {
	Type      Type           `json:"type"`
	ProjectID string         `json:"projectId"`
	TaskID    string         `json:"taskId,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	Version   int64          `json:"version,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
