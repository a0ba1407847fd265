package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forge-run/forge/pkg/models"
)

const taskColumns = `id, project_id, name, prompt, priority, status, sync_version,
	locked_by, locked_at, lock_expires_at, iteration, started_at, completed_at,
	config, result, created_at, updated_at`

// scanTask reads one task row.
func scanTask(row interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var (
		t                              models.Task
		lockedAt, expiresAt, startedAt sql.NullString
		completedAt                    sql.NullString
		configJSON                     string
		resultJSON                     sql.NullString
		createdAt, updatedAt           string
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Prompt, &t.Priority, &t.Status,
		&t.SyncVersion, &t.LockedBy, &lockedAt, &expiresAt, &t.Iteration,
		&startedAt, &completedAt, &configJSON, &resultJSON, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.LockedAt = parseNullableTime(lockedAt)
	t.LockExpiresAt = parseNullableTime(expiresAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("decode task config: %w", err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		t.Result = &models.TaskResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), t.Result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
	}
	return &t, nil
}

// CreateTask inserts a new task at sync version 1.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	now := time.Now()
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	t.SyncVersion = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode task config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, name, prompt, priority, status,
			sync_version, locked_by, iteration, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, '', 0, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Name, t.Prompt, t.Priority, t.Status,
		string(configJSON), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks in a project, queue-ordered.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ?
		 ORDER BY priority ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskVersions returns the id → syncVersion map for a project, used by the
// handshake to classify divergence without full payloads.
func (s *Store) TaskVersions(ctx context.Context, projectID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sync_version FROM tasks WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query task versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]int64)
	for rows.Next() {
		var id string
		var v int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("scan task version: %w", err)
		}
		versions[id] = v
	}
	return versions, rows.Err()
}

// TaskUpdate describes a guarded mutation of one task row.
type TaskUpdate struct {
	ID string
	// GuardVersion must equal the row's current sync_version for the write to
	// apply; the version is then incremented by one.
	GuardVersion int64
	Status       models.TaskStatus
	Result       *models.TaskResult
	Iteration    *int
	// ClearLock zeroes the lock fields (terminal transitions, releases).
	ClearLock bool
	// SetCompletedAt stamps completed_at with now.
	SetCompletedAt bool
}

// ApplyTaskUpdate performs a guarded status write, returning the new version.
// Returns ErrStaleVersion when the guard lost to a concurrent mutation.
func (s *Store) ApplyTaskUpdate(ctx context.Context, u TaskUpdate) (int64, error) {
	now := time.Now()

	set := `status = ?, sync_version = sync_version + 1, updated_at = ?`
	args := []any{u.Status, formatTime(now)}

	if u.Result != nil {
		resultJSON, err := json.Marshal(u.Result)
		if err != nil {
			return 0, fmt.Errorf("encode task result: %w", err)
		}
		set += `, result = ?`
		args = append(args, string(resultJSON))
	}
	if u.Iteration != nil {
		set += `, iteration = ?`
		args = append(args, *u.Iteration)
	}
	if u.ClearLock {
		set += `, locked_by = '', locked_at = NULL, lock_expires_at = NULL`
	}
	if u.SetCompletedAt {
		set += `, completed_at = ?`
		args = append(args, formatTime(now))
	}
	args = append(args, u.ID, u.GuardVersion)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+set+` WHERE id = ? AND sync_version = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update task rows: %w", err)
	}
	if n == 0 {
		return 0, ErrStaleVersion
	}
	return u.GuardVersion + 1, nil
}

// ClaimTask atomically claims a queued task for nodeID. The guard permits
// claiming when the task is unlocked or its lease has expired (t = now
// steals). After the conditional update the row is re-read and ownership
// confirmed, which closes the lost-update race between two claimants.
func (s *Store) ClaimTask(ctx context.Context, taskID, nodeID string, lease time.Duration, now time.Time) (*models.Task, error) {
	expires := now.Add(lease)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			locked_by = ?,
			locked_at = ?,
			lock_expires_at = ?,
			started_at = COALESCE(started_at, ?),
			sync_version = sync_version + 1,
			updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND (locked_by = '' OR lock_expires_at <= ?)`,
		models.StatusRunning, nodeID, formatTime(now), formatTime(expires),
		formatTime(now), formatTime(now),
		taskID, models.StatusQueued, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("claim task rows: %w", err)
	} else if n == 0 {
		return nil, ErrNotClaimable
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.LockedBy != nodeID {
		return nil, ErrNotClaimable
	}
	return task, nil
}

// ExtendLease moves the lock expiry forward for the current owner. Lease
// bookkeeping does not bump the sync version.
func (s *Store) ExtendLease(ctx context.Context, taskID, nodeID string, lease time.Duration, now time.Time) (time.Time, error) {
	expires := now.Add(lease)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lock_expires_at = ?, updated_at = ?
		WHERE id = ? AND locked_by = ?`,
		formatTime(expires), formatTime(now), taskID, nodeID)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend lease: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return time.Time{}, fmt.Errorf("extend lease rows: %w", err)
	} else if n == 0 {
		return time.Time{}, ErrNotOwner
	}
	return expires, nil
}

// ReportIteration replicates the agent-owned iteration counter alongside a
// heartbeat. Like lease fields, it does not bump the sync version.
func (s *Store) ReportIteration(ctx context.Context, taskID, nodeID string, iteration int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET iteration = ? WHERE id = ? AND locked_by = ?`,
		iteration, taskID, nodeID)
	if err != nil {
		return fmt.Errorf("report iteration: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("report iteration rows: %w", err)
	} else if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// ReleaseTask clears the lock held by nodeID. A running task returns to
// queued; other statuses keep their status. The version is bumped.
func (s *Store) ReleaseTask(ctx context.Context, taskID, nodeID string, now time.Time) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = CASE WHEN status = ? THEN ? ELSE status END,
			locked_by = '',
			locked_at = NULL,
			lock_expires_at = NULL,
			sync_version = sync_version + 1,
			updated_at = ?
		WHERE id = ? AND locked_by = ?`,
		models.StatusRunning, models.StatusQueued, formatTime(now), taskID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("release task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("release task rows: %w", err)
	} else if n == 0 {
		return nil, ErrNotOwner
	}
	return s.GetTask(ctx, taskID)
}

// ForceReleaseLock clears a task's lock regardless of owner (RELEASE_LOCK
// intervention). The version is bumped.
func (s *Store) ForceReleaseLock(ctx context.Context, taskID string, now time.Time) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			locked_by = '',
			locked_at = NULL,
			lock_expires_at = NULL,
			sync_version = sync_version + 1,
			updated_at = ?
		WHERE id = ?`,
		formatTime(now), taskID)
	if err != nil {
		return nil, fmt.Errorf("force release lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("force release rows: %w", err)
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTask(ctx, taskID)
}

// SweepExpiredLocks transitions every running task whose lease has lapsed to
// stuck, clearing its lock and bumping its version. Returns the swept tasks.
func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND lock_expires_at IS NOT NULL AND lock_expires_at < ?`,
		models.StatusRunning, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query expired locks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired lock: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var swept []*models.Task
	for _, id := range ids {
		// Guarded per row; a racing heartbeat or terminal push wins.
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET
				status = ?,
				locked_by = '',
				locked_at = NULL,
				lock_expires_at = NULL,
				sync_version = sync_version + 1,
				updated_at = ?
			WHERE id = ? AND status = ? AND lock_expires_at < ?`,
			models.StatusStuck, formatTime(now), id, models.StatusRunning, formatTime(now))
		if err != nil {
			return swept, fmt.Errorf("sweep task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return swept, err
		}
		swept = append(swept, task)
	}
	return swept, nil
}

// RetryTask returns a terminal or stuck task to queued (RETRY intervention),
// clearing its result and optionally resetting the iteration counter. A task
// in any other status — notably running under a live lock — is not touched.
func (s *Store) RetryTask(ctx context.Context, taskID string, resetIteration bool, now time.Time) (*models.Task, error) {
	set := `status = ?, result = NULL, completed_at = NULL,
		locked_by = '', locked_at = NULL, lock_expires_at = NULL,
		sync_version = sync_version + 1, updated_at = ?`
	args := []any{models.StatusQueued, formatTime(now)}
	if resetIteration {
		set += `, iteration = 0, started_at = NULL`
	}
	args = append(args, taskID,
		models.StatusCompleted, models.StatusFailed, models.StatusAborted,
		models.StatusSkipped, models.StatusStuck)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+set+` WHERE id = ? AND status IN (?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return nil, fmt.Errorf("retry task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("retry task rows: %w", err)
	} else if n == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return nil, err
		}
		return nil, ErrNotRetryable
	}
	return s.GetTask(ctx, taskID)
}

// NextQueuedTask returns the first claimable task for a project, or
// ErrNotFound when the queue is empty.
func (s *Store) NextQueuedTask(ctx context.Context, projectID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE project_id = ? AND status = ?
		 ORDER BY priority ASC, created_at ASC LIMIT 1`,
		projectID, models.StatusQueued)
	return scanTask(row)
}

// CountTasksByStatus aggregates a project's tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context, projectID string) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateTaskPriority sets the queue ordering for a task. Version is bumped:
// priority is a visible field.
func (s *Store) UpdateTaskPriority(ctx context.Context, taskID string, priority int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET priority = ?, sync_version = sync_version + 1, updated_at = ?
		WHERE id = ?`,
		priority, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("update task priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
