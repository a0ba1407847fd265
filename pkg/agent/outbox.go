package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/forge-run/forge/pkg/models"
)

const (
	// outboxMaxAttempts is the per-item retry cap; items reaching it are
	// discarded with a log line.
	outboxMaxAttempts = 10
)

// StatusUpdate is one queued terminal-status report.
type StatusUpdate struct {
	TaskID      string             `json:"taskId"`
	ProjectID   string             `json:"projectId"`
	Status      models.TaskStatus  `json:"status"`
	Result      *models.TaskResult `json:"result,omitempty"`
	QueuedAt    time.Time          `json:"queuedAt"`
	Attempts    int                `json:"attempts"`
	LastAttempt *time.Time         `json:"lastAttempt,omitempty"`
}

// Outbox is the file-backed at-least-once delivery queue for status updates.
// The whole queue is one JSON array rewritten atomically; queues are small
// (one active task per workspace) so whole-file rewrites are fine.
type Outbox struct {
	path   string
	logger *slog.Logger
}

// NewOutbox creates an outbox persisted at the workspace's pending-sync file.
func NewOutbox(ws Workspace) *Outbox {
	return &Outbox{
		path:   ws.OutboxPath(),
		logger: slog.Default().With("component", "outbox"),
	}
}

// load returns the queued items; a missing file is an empty queue.
func (o *Outbox) load() ([]StatusUpdate, error) {
	var items []StatusUpdate
	if err := readJSON(o.path, &items); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return items, nil
}

func (o *Outbox) save(items []StatusUpdate) error {
	if len(items) == 0 {
		if err := os.Remove(o.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return writeJSONAtomic(o.path, items)
}

// Enqueue queues an update, replacing any prior entry for the same task
// (last-writer-wins).
func (o *Outbox) Enqueue(u StatusUpdate) error {
	items, err := o.load()
	if err != nil {
		return err
	}
	u.QueuedAt = time.Now()
	replaced := false
	for i := range items {
		if items[i].TaskID == u.TaskID {
			items[i] = u
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, u)
	}
	o.logger.Info("Status update queued for retry",
		"task_id", u.TaskID, "status", u.Status, "replaced", replaced)
	return o.save(items)
}

// Pending returns the number of queued updates.
func (o *Outbox) Pending() (int, error) {
	items, err := o.load()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Drain retries every queued update through post. Successes are removed;
// failures bump the attempts counter; items at the cap are discarded.
func (o *Outbox) Drain(ctx context.Context, post func(ctx context.Context, u StatusUpdate) error) error {
	items, err := o.load()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var remaining []StatusUpdate
	for _, item := range items {
		if item.Attempts >= outboxMaxAttempts {
			o.logger.Warn("Discarding status update after max attempts",
				"task_id", item.TaskID, "status", item.Status, "attempts", item.Attempts)
			continue
		}
		if err := post(ctx, item); err != nil {
			now := time.Now()
			item.Attempts++
			item.LastAttempt = &now
			if item.Attempts >= outboxMaxAttempts {
				o.logger.Warn("Discarding status update after max attempts",
					"task_id", item.TaskID, "status", item.Status, "attempts", item.Attempts)
				continue
			}
			o.logger.Debug("Status update retry failed",
				"task_id", item.TaskID, "attempts", item.Attempts, "error", err)
			remaining = append(remaining, item)
			continue
		}
		o.logger.Info("Queued status update delivered",
			"task_id", item.TaskID, "status", item.Status)
	}
	return o.save(remaining)
}
