package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forge-run/forge/pkg/models"
)

// UpsertProject creates or refreshes a project row.
func (s *Store) UpsertProject(ctx context.Context, p *models.Project) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.LastActivity = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			last_activity = excluded.last_activity`,
		p.ID, p.Name, p.Path, formatTime(p.CreatedAt), formatTime(p.LastActivity))
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// GetProject returns one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var (
		p                        models.Project
		createdAt, lastActivity string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at, last_activity FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Path, &createdAt, &lastActivity)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.LastActivity = parseTime(lastActivity)
	return &p, nil
}

// ListProjects returns all projects, most recently active first.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, created_at, last_activity FROM projects
		 ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var (
			p                       models.Project
			createdAt, lastActivity string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &createdAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		p.LastActivity = parseTime(lastActivity)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// TouchProject refreshes last_activity.
func (s *Store) TouchProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_activity = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}
