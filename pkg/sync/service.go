package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/resolver"
	"github.com/forge-run/forge/pkg/store"
)

// Service implements handshake, push, pull, and interventions on top of the
// store. It owns the deployment's logical clock.
type Service struct {
	store  *store.Store
	bus    *events.Bus
	clock  *Clock
	logger *slog.Logger
}

// NewService builds the sync service, restoring the logical clock from the
// persisted sync log so it never runs backwards across restarts.
func NewService(ctx context.Context, st *store.Store, bus *events.Bus) (*Service, error) {
	maxClock, err := st.MaxClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore logical clock: %w", err)
	}
	return &Service{
		store:  st,
		bus:    bus,
		clock:  NewClock(maxClock),
		logger: slog.Default().With("component", "sync"),
	}, nil
}

// Clock exposes the shared logical clock for sibling services.
func (s *Service) Clock() *Clock {
	return s.clock
}

// Handshake classifies every task the server or the agent knows about into
// sync buckets. A task both sides know at the same version is in sync; a
// version the server has advanced past needs a pull; a version the agent
// holds above the server's needs a push — unless the server row has also
// moved into a locked-by-other or terminal state, in which case both sides
// diverged and the task is flagged as a conflict for manual reconciliation.
func (s *Service) Handshake(ctx context.Context, projectID string, req HandshakeRequest) (*HandshakeResult, error) {
	serverClock := s.clock.Observe(req.LocalClock)

	serverVersions, err := s.store.TaskVersions(ctx, projectID)
	if err != nil {
		return nil, err
	}

	res := &HandshakeResult{
		InSync:      []string{},
		NeedsPull:   []string{},
		NeedsPush:   []string{},
		Conflicts:   []string{},
		ServerClock: serverClock,
	}

	for id, serverV := range serverVersions {
		clientV, known := req.TaskVersions[id]
		switch {
		case !known || clientV < serverV:
			res.NeedsPull = append(res.NeedsPull, id)
		case clientV == serverV:
			res.InSync = append(res.InSync, id)
		default: // client ahead of server
			task, err := s.store.GetTask(ctx, id)
			if err != nil {
				return nil, err
			}
			if task.Status.IsTerminal() || (task.Locked(time.Now()) && task.LockedBy != req.NodeID) {
				res.Conflicts = append(res.Conflicts, id)
			} else {
				res.NeedsPush = append(res.NeedsPush, id)
			}
		}
	}
	for id := range req.TaskVersions {
		if _, known := serverVersions[id]; !known {
			res.NeedsPush = append(res.NeedsPush, id)
		}
	}

	if err := s.store.TouchNode(ctx, req.NodeID); err != nil {
		s.logger.Warn("Failed to touch node on handshake", "node_id", req.NodeID, "error", err)
	}
	return res, nil
}

// Push applies a batch of task updates from one node. Each update is
// processed independently: one rejected task never fails the batch.
func (s *Service) Push(ctx context.Context, projectID string, req PushRequest) (*PushResponse, error) {
	resp := &PushResponse{Results: make([]PushResult, 0, len(req.Tasks))}
	for _, u := range req.Tasks {
		resp.Results = append(resp.Results, s.pushOne(ctx, projectID, req.NodeID, u))
	}
	resp.ServerClock = s.clock.Current()
	return resp, nil
}

func (s *Service) pushOne(ctx context.Context, projectID, nodeID string, u PushUpdate) PushResult {
	res := PushResult{ID: u.ID}

	task, err := s.store.GetTask(ctx, u.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Error = CodeTaskNotFound
			return res
		}
		s.logger.Error("Failed to load task for push", "task_id", u.ID, "error", err)
		res.Error = CodeVersionConflict
		return res
	}

	if err := models.StatusValidator(u.Status); err != nil {
		res.Error = CodeInvalidStatus
		res.ServerState = snapshotOf(task)
		return res
	}

	// Idempotent retry: the state already holds, regardless of version skew.
	if task.Status == u.Status {
		res.Success = true
		res.NewVersion = task.SyncVersion
		res.ServerState = snapshotOf(task)
		return res
	}

	if task.Status.IsTerminal() {
		res.Error = CodeTerminalState
		res.ServerState = snapshotOf(task)
		return res
	}

	if u.ExpectedVersion != task.SyncVersion {
		now := time.Now()
		verdict := resolver.Resolve(resolver.Context{
			PluginIsActiveRunner: task.Locked(now) && task.LockedBy == nodeID,
			ServerState:          task.Status,
			PluginState:          u.Status,
			ServerLockedByOther:  task.Locked(now) && task.LockedBy != nodeID,
		})
		res.Verdict = verdict
		switch verdict {
		case resolver.Reject:
			res.Error = CodeVersionConflict
			res.ServerState = snapshotOf(task)
			return res
		case resolver.ServerWins:
			res.Success = true
			res.NewVersion = task.SyncVersion
			res.ServerState = snapshotOf(task)
			return res
		case resolver.PluginWins:
			// Fall through and apply against the server's current version.
		}
	}

	if !models.CanTransition(task.Status, u.Status) {
		res.Error = CodeInvalidTransition
		res.ServerState = snapshotOf(task)
		return res
	}

	terminal := u.Status.IsTerminal()
	newVersion, err := s.store.ApplyTaskUpdate(ctx, store.TaskUpdate{
		ID:             u.ID,
		GuardVersion:   task.SyncVersion,
		Status:         u.Status,
		Result:         u.Result,
		Iteration:      u.Iteration,
		ClearLock:      terminal,
		SetCompletedAt: terminal,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			// Lost a concurrent race after resolution; the pusher must pull.
			res.Error = CodeVersionConflict
			if current, gerr := s.store.GetTask(ctx, u.ID); gerr == nil {
				res.ServerState = snapshotOf(current)
			}
			return res
		}
		s.logger.Error("Failed to apply pushed update", "task_id", u.ID, "error", err)
		res.Error = CodeVersionConflict
		return res
	}

	clock := s.clock.Tick()
	s.appendLog(ctx, &models.SyncLogEntry{
		ProjectID: projectID,
		TaskID:    u.ID,
		NodeID:    nodeID,
		Operation: models.OpTaskUpdated,
		OldValue:  string(task.Status),
		NewValue:  string(u.Status),
		Clock:     clock,
	})

	s.bus.Publish(events.Event{
		Type:      events.TypeTaskUpdate,
		ProjectID: projectID,
		TaskID:    u.ID,
		NodeID:    nodeID,
		Version:   newVersion,
		Payload:   map[string]any{"status": u.Status},
	})
	if terminal || u.Status == models.StatusQueued {
		s.bus.Publish(events.Event{
			Type:      events.TypeQueueUpdate,
			ProjectID: projectID,
			TaskID:    u.ID,
		})
	}

	res.Success = true
	res.Applied = true
	res.NewVersion = newVersion
	return res
}

// Pull returns the authoritative state of the requested tasks. Unknown ids
// are silently omitted so agents can pull speculative lists.
func (s *Service) Pull(ctx context.Context, projectID string, req PullRequest) (*PullResponse, error) {
	resp := &PullResponse{Tasks: []*TaskSnapshot{}}
	for _, id := range req.TaskIDs {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if task.ProjectID != projectID {
			continue
		}
		resp.Tasks = append(resp.Tasks, snapshotOf(task))
	}
	resp.ServerClock = s.clock.Current()
	return resp, nil
}

// Intervene records an operator command. PAUSE and ABORT are queued for the
// lock holder's next heartbeat; RELEASE_LOCK, FORCE_STATUS, and RETRY take
// effect immediately.
func (s *Service) Intervene(ctx context.Context, projectID string, req InterveneRequest) (*InterveneResponse, error) {
	if err := models.InterventionTypeValidator(req.Type); err != nil {
		return nil, err
	}
	if err := req.Params.Validate(req.Type); err != nil {
		return nil, err
	}
	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	iv := &models.Intervention{
		TaskID:      req.TaskID,
		Type:        req.Type,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
		Params:      req.Params,
	}
	if err := s.store.CreateIntervention(ctx, iv); err != nil {
		return nil, err
	}

	resp := &InterveneResponse{Intervention: iv}
	now := time.Now()

	switch req.Type {
	case models.InterventionPause, models.InterventionAbort:
		// Cooperative: the runner owns its loop, so the command waits in the
		// pending queue until the next heartbeat picks it up.
		resp.Queued = true
		resp.Task = snapshotOf(task)

	case models.InterventionReleaseLock:
		updated, err := s.store.ForceReleaseLock(ctx, req.TaskID, now)
		if err != nil {
			return nil, err
		}
		if err := s.store.ResolveIntervention(ctx, iv.ID, models.InterventionApplied); err != nil {
			s.logger.Warn("Failed to resolve intervention", "intervention_id", iv.ID, "error", err)
		}
		resp.Task = snapshotOf(updated)
		s.bus.Publish(events.Event{
			Type:      events.TypeTaskUnlocked,
			ProjectID: projectID,
			TaskID:    req.TaskID,
			Version:   updated.SyncVersion,
		})

	case models.InterventionForceStatus:
		// Operator override: bypasses the transition table, but never the
		// status vocabulary (validated above).
		newVersion, err := s.store.ApplyTaskUpdate(ctx, store.TaskUpdate{
			ID:             req.TaskID,
			GuardVersion:   task.SyncVersion,
			Status:         req.Params.ForceStatus.Status,
			ClearLock:      true,
			SetCompletedAt: req.Params.ForceStatus.Status.IsTerminal(),
		})
		if err != nil {
			if rerr := s.store.ResolveIntervention(ctx, iv.ID, models.InterventionRejected); rerr != nil {
				s.logger.Warn("Failed to reject intervention", "intervention_id", iv.ID, "error", rerr)
			}
			return nil, err
		}
		if err := s.store.ResolveIntervention(ctx, iv.ID, models.InterventionApplied); err != nil {
			s.logger.Warn("Failed to resolve intervention", "intervention_id", iv.ID, "error", err)
		}
		updated, err := s.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		resp.Task = snapshotOf(updated)
		s.bus.Publish(events.Event{
			Type:      events.TypeTaskUpdate,
			ProjectID: projectID,
			TaskID:    req.TaskID,
			Version:   newVersion,
			Payload:   map[string]any{"status": updated.Status, "forced": true},
		})

	case models.InterventionRetry:
		reset := req.Params.Retry != nil && req.Params.Retry.ResetIteration
		updated, err := s.store.RetryTask(ctx, req.TaskID, reset, now)
		if err != nil {
			if errors.Is(err, store.ErrNotRetryable) {
				if rerr := s.store.ResolveIntervention(ctx, iv.ID, models.InterventionRejected); rerr != nil {
					s.logger.Warn("Failed to reject intervention", "intervention_id", iv.ID, "error", rerr)
				}
			}
			return nil, err
		}
		if err := s.store.ResolveIntervention(ctx, iv.ID, models.InterventionApplied); err != nil {
			s.logger.Warn("Failed to resolve intervention", "intervention_id", iv.ID, "error", err)
		}
		resp.Task = snapshotOf(updated)
		s.bus.Publish(events.Event{
			Type:      events.TypeTaskUpdate,
			ProjectID: projectID,
			TaskID:    req.TaskID,
			Version:   updated.SyncVersion,
			Payload:   map[string]any{"status": updated.Status, "retried": true},
		})
		s.bus.Publish(events.Event{
			Type:      events.TypeQueueUpdate,
			ProjectID: projectID,
			TaskID:    req.TaskID,
		})
	}

	clock := s.clock.Tick()
	s.appendLog(ctx, &models.SyncLogEntry{
		ProjectID: projectID,
		TaskID:    req.TaskID,
		NodeID:    req.RequestedBy,
		Operation: models.OpIntervention,
		NewValue:  string(req.Type),
		Clock:     clock,
	})
	resp.ServerClock = s.clock.Current()

	s.logger.Info("Intervention processed",
		"task_id", req.TaskID, "type", req.Type, "queued", resp.Queued)
	return resp, nil
}

// Status aggregates a project's health: per-status counts, queue depth, and
// node liveness.
func (s *Service) Status(ctx context.Context, projectID string) (*ProjectStatus, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	counts, err := s.store.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	online := 0
	now := time.Now()
	for _, n := range nodes {
		if n.Online(now) {
			online++
		}
	}
	return &ProjectStatus{
		ProjectID:   projectID,
		Counts:      counts,
		QueueDepth:  counts[models.StatusQueued],
		NodesOnline: online,
		NodesTotal:  len(nodes),
		ServerClock: s.clock.Current(),
		GeneratedAt: now,
	}, nil
}

// LogTail returns the most recent limit sync-log entries for a project.
func (s *Service) LogTail(ctx context.Context, projectID string, limit int) ([]*models.SyncLogEntry, error) {
	return s.store.SyncLogTail(ctx, projectID, limit)
}

// appendLog writes a sync log entry; ordering metadata must not fail the
// user-visible operation, so errors are logged and swallowed.
func (s *Service) appendLog(ctx context.Context, e *models.SyncLogEntry) {
	if err := s.store.AppendSyncLog(ctx, e); err != nil {
		s.logger.Error("Failed to append sync log entry",
			"task_id", e.TaskID, "operation", e.Operation, "error", err)
	}
}
