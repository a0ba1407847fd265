package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forge-run/forge/pkg/models"
)

// AppendSyncLog records one authoritative mutation.
func (s *Store) AppendSyncLog(ctx context.Context, e *models.SyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (id, project_id, task_id, node_id, operation, old_value, new_value, clock, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.TaskID, e.NodeID, e.Operation,
		e.OldValue, e.NewValue, e.Clock, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// SyncLogTail returns the most recent limit entries for a project in clock
// order (oldest of the tail first).
func (s *Store) SyncLogTail(ctx context.Context, projectID string, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, task_id, node_id, operation, old_value, new_value, clock, timestamp
		FROM (
			SELECT * FROM sync_log WHERE project_id = ? ORDER BY clock DESC LIMIT ?
		) ORDER BY clock ASC`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncLogEntry
	for rows.Next() {
		var (
			e  models.SyncLogEntry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.NodeID, &e.Operation,
			&e.OldValue, &e.NewValue, &e.Clock, &ts); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.Timestamp = parseTime(ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MaxClock returns the highest logical clock value recorded, used to restore
// the in-memory clock across restarts.
func (s *Store) MaxClock(ctx context.Context) (int64, error) {
	var clock int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(clock), 0) FROM sync_log`).Scan(&clock)
	if err != nil {
		return 0, fmt.Errorf("query max clock: %w", err)
	}
	return clock, nil
}

// PruneSyncLog deletes entries older than the cutoff, returning the count.
func (s *Store) PruneSyncLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_log WHERE timestamp < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune sync log: %w", err)
	}
	return res.RowsAffected()
}
