package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forge-run/forge/pkg/models"
)

// CreateIntervention records a new intervention.
func (s *Store) CreateIntervention(ctx context.Context, iv *models.Intervention) error {
	if iv.ID == "" {
		iv.ID = uuid.New().String()
	}
	if iv.Status == "" {
		iv.Status = models.InterventionPending
	}
	iv.CreatedAt = time.Now()

	params, err := iv.MarshalParams()
	if err != nil {
		return fmt.Errorf("encode intervention params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interventions (id, task_id, type, requested_by, reason, params, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.ID, iv.TaskID, iv.Type, iv.RequestedBy, iv.Reason, string(params),
		iv.Status, formatTime(iv.CreatedAt), formatNullableTime(iv.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

// ResolveIntervention marks a single intervention applied or rejected.
func (s *Store) ResolveIntervention(ctx context.Context, id string, status models.InterventionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interventions SET status = ?, resolved_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resolve intervention: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TakePendingInterventions atomically marks every pending intervention for a
// task as applied and returns them, oldest first. This is the heartbeat
// delivery path: each command is handed out exactly once.
func (s *Store) TakePendingInterventions(ctx context.Context, taskID string) ([]*models.Intervention, error) {
	var taken []*models.Intervention
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id, type, requested_by, reason, params, status, created_at, resolved_at
			FROM interventions
			WHERE task_id = ? AND status = ?
			ORDER BY created_at ASC`, taskID, models.InterventionPending)
		if err != nil {
			return fmt.Errorf("query pending interventions: %w", err)
		}
		for rows.Next() {
			iv, err := scanIntervention(rows)
			if err != nil {
				rows.Close()
				return err
			}
			taken = append(taken, iv)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := formatTime(time.Now())
		for _, iv := range taken {
			if _, err := tx.ExecContext(ctx, `
				UPDATE interventions SET status = ?, resolved_at = ? WHERE id = ?`,
				models.InterventionApplied, now, iv.ID); err != nil {
				return fmt.Errorf("mark intervention applied: %w", err)
			}
			iv.Status = models.InterventionApplied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// ListInterventions returns all interventions for a task, newest first.
func (s *Store) ListInterventions(ctx context.Context, taskID string) ([]*models.Intervention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, requested_by, reason, params, status, created_at, resolved_at
		FROM interventions WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []*models.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func scanIntervention(row interface{ Scan(dest ...any) error }) (*models.Intervention, error) {
	var (
		iv         models.Intervention
		params     string
		createdAt  string
		resolvedAt sql.NullString
	)
	err := row.Scan(&iv.ID, &iv.TaskID, &iv.Type, &iv.RequestedBy, &iv.Reason,
		&params, &iv.Status, &createdAt, &resolvedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan intervention: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &iv.Params); err != nil {
		return nil, fmt.Errorf("decode intervention params: %w", err)
	}
	iv.CreatedAt = parseTime(createdAt)
	iv.ResolvedAt = parseNullableTime(resolvedAt)
	return &iv, nil
}
