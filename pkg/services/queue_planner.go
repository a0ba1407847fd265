package services

import (
	"context"
	"log/slog"
	"sort"

	"github.com/forge-run/forge/pkg/models"
)

// maxDependencyDepth bounds the DAG walk; a chain deeper than this is treated
// as a cycle rather than walked forever.
const maxDependencyDepth = 100

// PlannedTask is one entry in a queue plan.
type PlannedTask struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Priority int               `json:"priority"`
	Status   models.TaskStatus `json:"status"`
}

// QueuePlan is the computed queue order for a set of tasks.
type QueuePlan struct {
	Tasks  []PlannedTask `json:"tasks"`
	DryRun bool          `json:"dryRun"`
}

// PlanQueue computes queue priorities for the selected pending tasks (all
// pending tasks when taskIDs is empty) and, unless dryRun, applies them:
// each task's priority becomes its longest dependency path from a root, so
// prerequisites always sort before dependents, and each task is promoted to
// queued or blocked per its dependencies.
func (s *TaskService) PlanQueue(ctx context.Context, projectID string, taskIDs []string, dryRun bool) (*QueuePlan, error) {
	all, err := s.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	var selected []*models.Task
	if len(taskIDs) == 0 {
		for _, t := range all {
			if t.Status == models.StatusPending {
				selected = append(selected, t)
			}
		}
	} else {
		for _, id := range taskIDs {
			t, ok := byID[id]
			if !ok {
				return nil, ErrNotFound
			}
			selected = append(selected, t)
		}
	}

	depths := make(map[string]int)
	for _, t := range selected {
		if _, err := dependencyDepth(t.ID, byID, depths, make(map[string]bool), 0); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(selected, func(i, j int) bool {
		di, dj := depths[selected[i].ID], depths[selected[j].ID]
		if di != dj {
			return di < dj
		}
		return selected[i].CreatedAt.Before(selected[j].CreatedAt)
	})

	plan := &QueuePlan{DryRun: dryRun, Tasks: make([]PlannedTask, 0, len(selected))}
	for _, t := range selected {
		entry := PlannedTask{ID: t.ID, Name: t.Name, Priority: depths[t.ID], Status: t.Status}
		if !dryRun {
			if err := s.store.UpdateTaskPriority(ctx, t.ID, entry.Priority); err != nil {
				return nil, err
			}
			queued, err := s.Queue(ctx, t.ID)
			if err != nil {
				return nil, err
			}
			entry.Status = queued.Status
		}
		plan.Tasks = append(plan.Tasks, entry)
	}

	if !dryRun {
		slog.Info("Queue plan applied", "project_id", projectID, "tasks", len(plan.Tasks))
	}
	return plan, nil
}

// dependencyDepth returns the longest dependency path below id. Dependencies
// outside the project map count as depth 0 (already satisfied or missing;
// queueing will classify them). A back-edge on the current walk, or a chain
// deeper than maxDependencyDepth, is a cycle.
func dependencyDepth(id string, byID map[string]*models.Task, memo map[string]int, walking map[string]bool, depth int) (int, error) {
	if d, ok := memo[id]; ok {
		return d, nil
	}
	if walking[id] || depth > maxDependencyDepth {
		return 0, NewValidationError("dependsOn", "dependency cycle involving task "+id)
	}
	t, ok := byID[id]
	if !ok {
		return 0, nil
	}

	walking[id] = true
	defer delete(walking, id)

	max := 0
	for _, dep := range t.Config.DependsOn {
		d, err := dependencyDepth(dep, byID, memo, walking, depth+1)
		if err != nil {
			return 0, err
		}
		if d+1 > max {
			max = d + 1
		}
	}
	memo[id] = max
	return max, nil
}
