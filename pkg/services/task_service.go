package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/locks"
	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/store"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

// TaskService manages task CRUD, queueing, and the status intake agents use
// through their outboxes.
type TaskService struct {
	store  *store.Store
	bus    *events.Bus
	clock  *forgesync.Clock
	locks  *locks.Manager
	logger *slog.Logger
}

// NewTaskService creates a TaskService.
func NewTaskService(st *store.Store, bus *events.Bus, clock *forgesync.Clock, lm *locks.Manager) *TaskService {
	return &TaskService{
		store:  st,
		bus:    bus,
		clock:  clock,
		locks:  lm,
		logger: slog.Default().With("component", "task_service"),
	}
}

// Create validates and persists a new task in status pending.
func (s *TaskService) Create(ctx context.Context, t *models.Task) (*models.Task, error) {
	if t.Name == "" {
		return nil, NewValidationError("name", "task name is required")
	}
	if t.Prompt == "" {
		return nil, NewValidationError("prompt", "task prompt is required")
	}
	if _, err := s.store.GetProject(ctx, t.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status != "" && t.Status != models.StatusPending {
		return nil, NewValidationError("status", "new tasks start as pending")
	}
	for _, dep := range t.Config.DependsOn {
		if dep == t.ID {
			return nil, NewValidationError("dependsOn", "task cannot depend on itself")
		}
		if _, err := s.store.GetTask(ctx, dep); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, NewValidationError("dependsOn", "unknown dependency: "+dep)
			}
			return nil, err
		}
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	clock := s.clock.Tick()
	s.appendLog(ctx, &models.SyncLogEntry{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Operation: models.OpTaskCreated,
		NewValue:  string(t.Status),
		Clock:     clock,
	})
	s.logger.Info("Task created", "task_id", t.ID, "project_id", t.ProjectID)
	return t, nil
}

// Get returns one task.
func (s *TaskService) Get(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// List returns a project's tasks in queue order.
func (s *TaskService) List(ctx context.Context, projectID string) ([]*models.Task, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.store.ListTasks(ctx, projectID)
}

// Queue moves one task toward the queue: queued when its dependencies are
// all completed, blocked otherwise.
func (s *TaskService) Queue(ctx context.Context, taskID string) (*models.Task, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ready, err := s.dependenciesComplete(ctx, t)
	if err != nil {
		return nil, err
	}
	target := models.StatusQueued
	if !ready {
		target = models.StatusBlocked
	}
	if t.Status == target {
		return t, nil
	}
	if !models.CanTransition(t.Status, target) {
		if t.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		return nil, ErrInvalidTransition
	}
	return s.applyStatus(ctx, t, target, nil)
}

// SetStatus is the agent outbox intake: a plain status write without an
// expected version. Writes are last-writer-wins per task; the transition
// table and terminal absorption still apply.
func (s *TaskService) SetStatus(ctx context.Context, taskID string, status models.TaskStatus, result *models.TaskResult) (*models.Task, error) {
	if err := models.StatusValidator(status); err != nil {
		return nil, NewValidationError("status", err.Error())
	}
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}
	if t.Status.IsTerminal() {
		return nil, ErrTerminalState
	}
	if !models.CanTransition(t.Status, status) {
		return nil, ErrInvalidTransition
	}
	return s.applyStatus(ctx, t, status, result)
}

// Complete transitions a running task to completed on behalf of its lock
// holder, then unblocks any dependents that are now ready.
func (s *TaskService) Complete(ctx context.Context, taskID, nodeID string, result *models.TaskResult) (*models.Task, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, ErrTerminalState
	}
	if t.LockedBy != "" && t.LockedBy != nodeID {
		return nil, ErrAlreadyLocked
	}
	if !models.CanTransition(t.Status, models.StatusCompleted) {
		return nil, ErrInvalidTransition
	}
	updated, err := s.applyStatus(ctx, t, models.StatusCompleted, result)
	if err != nil {
		return nil, err
	}
	if _, err := s.UnblockReady(ctx, t.ProjectID); err != nil {
		s.logger.Warn("Failed to unblock dependents", "project_id", t.ProjectID, "error", err)
	}
	return updated, nil
}

// ClaimNext claims the first claimable queued task for a project. Returns
// ErrNotFound when the queue is empty.
func (s *TaskService) ClaimNext(ctx context.Context, projectID, nodeID string) (*models.Task, error) {
	// Bounded retry: a lost race moves the contested task out of queued, so
	// the next fetch returns a different candidate.
	for attempt := 0; attempt < 5; attempt++ {
		next, err := s.store.NextQueuedTask(ctx, projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		res, err := s.locks.Claim(ctx, next.ID, nodeID, 0)
		if err != nil {
			return nil, err
		}
		if res.Success {
			return res.Task, nil
		}
	}
	return nil, ErrAlreadyLocked
}

// UnblockReady promotes blocked tasks whose dependencies have all completed.
// Returns the promoted task ids.
func (s *TaskService) UnblockReady(ctx context.Context, projectID string) ([]string, error) {
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var promoted []string
	for _, t := range tasks {
		if t.Status != models.StatusBlocked {
			continue
		}
		ready, err := s.dependenciesComplete(ctx, t)
		if err != nil {
			return promoted, err
		}
		if !ready {
			continue
		}
		if _, err := s.applyStatus(ctx, t, models.StatusQueued, nil); err != nil {
			s.logger.Warn("Failed to unblock task", "task_id", t.ID, "error", err)
			continue
		}
		promoted = append(promoted, t.ID)
	}
	return promoted, nil
}

// dependenciesComplete reports whether every dependency of t is completed.
// A dependency that failed, aborted, or was skipped does not satisfy it.
func (s *TaskService) dependenciesComplete(ctx context.Context, t *models.Task) (bool, error) {
	for _, dep := range t.Config.DependsOn {
		d, err := s.store.GetTask(ctx, dep)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if d.Status != models.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// applyStatus performs the guarded write, sync-log append, and broadcasts for
// one status change whose validity the caller has established.
func (s *TaskService) applyStatus(ctx context.Context, t *models.Task, status models.TaskStatus, result *models.TaskResult) (*models.Task, error) {
	terminal := status.IsTerminal()
	_, err := s.store.ApplyTaskUpdate(ctx, store.TaskUpdate{
		ID:             t.ID,
		GuardVersion:   t.SyncVersion,
		Status:         status,
		Result:         result,
		ClearLock:      terminal,
		SetCompletedAt: terminal,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			return nil, ErrInvalidStatus
		}
		return nil, err
	}

	clock := s.clock.Tick()
	s.appendLog(ctx, &models.SyncLogEntry{
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Operation: models.OpTaskUpdated,
		OldValue:  string(t.Status),
		NewValue:  string(status),
		Clock:     clock,
	})

	updated, err := s.store.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{
		Type:      events.TypeTaskUpdate,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Version:   updated.SyncVersion,
		Payload:   map[string]any{"status": status},
	})
	if terminal || status == models.StatusQueued {
		s.bus.Publish(events.Event{
			Type:      events.TypeQueueUpdate,
			ProjectID: t.ProjectID,
			TaskID:    t.ID,
		})
	}
	return updated, nil
}

func (s *TaskService) appendLog(ctx context.Context, e *models.SyncLogEntry) {
	if err := s.store.AppendSyncLog(ctx, e); err != nil {
		s.logger.Error("Failed to append sync log entry",
			"task_id", e.TaskID, "operation", e.Operation, "error", err)
	}
}
