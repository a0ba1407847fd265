// Package locks implements the task lease protocol: claim, heartbeat,
// release, and the expired-lease sweeper.
package locks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/store"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

// DefaultLease is the lock duration when a claim does not specify one.
const DefaultLease = 5 * time.Minute

// ClaimResult is the outcome of a claim attempt. On failure Error carries a
// protocol code and, for ALREADY_LOCKED, the current owner and expiry.
type ClaimResult struct {
	Success       bool          `json:"success"`
	Task          *models.Task  `json:"task,omitempty"`
	Error         string        `json:"error,omitempty"`
	LockedBy      string        `json:"lockedBy,omitempty"`
	LockExpiresAt *time.Time    `json:"lockExpiresAt,omitempty"`
	LeaseDuration time.Duration `json:"-"`
}

// HeartbeatResult extends the lease and delivers any queued commands.
type HeartbeatResult struct {
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
	LockExpiresAt time.Time        `json:"lockExpiresAt,omitempty"`
	Commands      []models.Command `json:"commands"`
}

// Manager drives the lease lifecycle against the store, publishing events
// and sync-log entries for every lock mutation.
type Manager struct {
	store  *store.Store
	bus    *events.Bus
	clock  *forgesync.Clock
	lease  time.Duration
	logger *slog.Logger
}

// NewManager creates a lock manager. lease <= 0 selects DefaultLease.
func NewManager(st *store.Store, bus *events.Bus, clock *forgesync.Clock, lease time.Duration) *Manager {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Manager{
		store:  st,
		bus:    bus,
		clock:  clock,
		lease:  lease,
		logger: slog.Default().With("component", "locks"),
	}
}

// Lease returns the configured lease duration.
func (m *Manager) Lease() time.Duration {
	return m.lease
}

// Claim attempts to take the lock on a queued task. An expired lease is
// stolen in the same guarded write; a live foreign lock yields
// ALREADY_LOCKED with the owner and expiry so callers can back off.
func (m *Manager) Claim(ctx context.Context, taskID, nodeID string, lease time.Duration) (*ClaimResult, error) {
	if lease <= 0 {
		lease = m.lease
	}
	now := time.Now()

	task, err := m.store.ClaimTask(ctx, taskID, nodeID, lease, now)
	if err == nil {
		clock := m.clock.Tick()
		m.appendLog(ctx, &models.SyncLogEntry{
			ProjectID: task.ProjectID,
			TaskID:    taskID,
			NodeID:    nodeID,
			Operation: models.OpTaskClaimed,
			NewValue:  string(models.StatusRunning),
			Clock:     clock,
		})
		m.bus.Publish(events.Event{
			Type:      events.TypeTaskLocked,
			ProjectID: task.ProjectID,
			TaskID:    taskID,
			NodeID:    nodeID,
			Version:   task.SyncVersion,
			Payload:   map[string]any{"lockExpiresAt": task.LockExpiresAt},
		})
		m.bus.Publish(events.Event{
			Type:      events.TypeQueueUpdate,
			ProjectID: task.ProjectID,
			TaskID:    taskID,
		})
		m.logger.Info("Task claimed",
			"task_id", taskID, "node_id", nodeID, "lease", lease)
		return &ClaimResult{Success: true, Task: task, LeaseDuration: lease}, nil
	}

	if !errors.Is(err, store.ErrNotClaimable) {
		if errors.Is(err, store.ErrNotFound) {
			return &ClaimResult{Error: forgesync.CodeTaskNotFound}, nil
		}
		return nil, err
	}

	// Diagnose why the claim failed so the caller gets a precise code.
	current, gerr := m.store.GetTask(ctx, taskID)
	if gerr != nil {
		if errors.Is(gerr, store.ErrNotFound) {
			return &ClaimResult{Error: forgesync.CodeTaskNotFound}, nil
		}
		return nil, gerr
	}
	if current.Locked(now) && current.LockedBy != nodeID {
		return &ClaimResult{
			Error:         forgesync.CodeAlreadyLocked,
			LockedBy:      current.LockedBy,
			LockExpiresAt: current.LockExpiresAt,
		}, nil
	}
	return &ClaimResult{Error: forgesync.CodeInvalidStatus}, nil
}

// Heartbeat extends the caller's lease, replicates its iteration counter,
// and drains any queued interventions into commands. A caller that no
// longer owns the lock gets LOCK_LOST and must stop work.
func (m *Manager) Heartbeat(ctx context.Context, taskID, nodeID string, iteration *int) (*HeartbeatResult, error) {
	now := time.Now()
	expires, err := m.store.ExtendLease(ctx, taskID, nodeID, m.lease, now)
	if err != nil {
		if errors.Is(err, store.ErrNotOwner) {
			m.logger.Warn("Heartbeat from non-owner",
				"task_id", taskID, "node_id", nodeID)
			return &HeartbeatResult{Error: forgesync.CodeLockLost, Commands: []models.Command{}}, nil
		}
		return nil, err
	}

	if iteration != nil {
		if err := m.store.ReportIteration(ctx, taskID, nodeID, *iteration); err != nil &&
			!errors.Is(err, store.ErrNotOwner) {
			m.logger.Warn("Failed to replicate iteration",
				"task_id", taskID, "error", err)
		}
	}
	if err := m.store.TouchNode(ctx, nodeID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("Failed to touch node", "node_id", nodeID, "error", err)
	}

	pending, err := m.store.TakePendingInterventions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	commands := make([]models.Command, 0, len(pending))
	for _, iv := range pending {
		// Only cooperative commands travel over heartbeats; the rest were
		// applied server-side when created.
		if iv.Type != models.InterventionPause && iv.Type != models.InterventionAbort {
			continue
		}
		commands = append(commands, models.Command{
			InterventionID: iv.ID,
			Type:           iv.Type,
			Reason:         iv.Reason,
		})
	}

	if iteration != nil {
		if task, gerr := m.store.GetTask(ctx, taskID); gerr == nil {
			m.bus.Publish(events.Event{
				Type:      events.TypeTaskProgress,
				ProjectID: task.ProjectID,
				TaskID:    taskID,
				NodeID:    nodeID,
				Payload:   map[string]any{"iteration": *iteration},
			})
		}
	}

	return &HeartbeatResult{
		Success:       true,
		LockExpiresAt: expires,
		Commands:      commands,
	}, nil
}

// Release gives up the caller's lock. A running task returns to queued so
// another node can pick it up; any other status is left untouched.
func (m *Manager) Release(ctx context.Context, taskID, nodeID string) (*models.Task, error) {
	task, err := m.store.ReleaseTask(ctx, taskID, nodeID, time.Now())
	if err != nil {
		return nil, err
	}

	clock := m.clock.Tick()
	m.appendLog(ctx, &models.SyncLogEntry{
		ProjectID: task.ProjectID,
		TaskID:    taskID,
		NodeID:    nodeID,
		Operation: models.OpTaskReleased,
		NewValue:  string(task.Status),
		Clock:     clock,
	})
	m.bus.Publish(events.Event{
		Type:      events.TypeTaskUnlocked,
		ProjectID: task.ProjectID,
		TaskID:    taskID,
		NodeID:    nodeID,
		Version:   task.SyncVersion,
	})
	m.bus.Publish(events.Event{
		Type:      events.TypeQueueUpdate,
		ProjectID: task.ProjectID,
		TaskID:    taskID,
	})
	m.logger.Info("Task released", "task_id", taskID, "node_id", nodeID, "status", task.Status)
	return task, nil
}

// Sweep transitions every running task with a lapsed lease to stuck. It is
// called periodically in the background and on demand via the API.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	swept, err := m.store.SweepExpiredLocks(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, task := range swept {
		clock := m.clock.Tick()
		m.appendLog(ctx, &models.SyncLogEntry{
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Operation: models.OpTaskStuck,
			OldValue:  string(models.StatusRunning),
			NewValue:  string(models.StatusStuck),
			Clock:     clock,
		})
		m.bus.Publish(events.Event{
			Type:      events.TypeTaskStuck,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Version:   task.SyncVersion,
			Payload:   map[string]any{"reason": "lease expired"},
		})
		m.bus.Publish(events.Event{
			Type:      events.TypeQueueUpdate,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
		})
		m.logger.Warn("Swept expired lock", "task_id", task.ID)
	}
	return len(swept), nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.logger.Info("Lock sweeper started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Lock sweeper stopped")
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.logger.Error("Lock sweep failed", "error", err)
			} else if n > 0 {
				m.logger.Info("Lock sweep complete", "swept", n)
			}
		}
	}
}

func (m *Manager) appendLog(ctx context.Context, e *models.SyncLogEntry) {
	if err := m.store.AppendSyncLog(ctx, e); err != nil {
		m.logger.Error("Failed to append sync log entry",
			"task_id", e.TaskID, "operation", e.Operation, "error", err)
	}
}
