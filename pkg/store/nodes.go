package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forge-run/forge/pkg/models"
)

// UpsertNode registers or refreshes an agent node.
func (s *Store) UpsertNode(ctx context.Context, n *models.Node) error {
	n.LastSeen = time.Now()
	caps, err := json.Marshal(n.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, project_id, node_type, display_name, capabilities, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			node_type = excluded.node_type,
			display_name = excluded.display_name,
			capabilities = excluded.capabilities,
			last_seen = excluded.last_seen`,
		n.ID, n.ProjectID, n.NodeType, n.DisplayName, string(caps), formatTime(n.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// TouchNode refreshes a node's last_seen timestamp.
func (s *Store) TouchNode(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_seen = ? WHERE id = ?`,
		formatTime(time.Now()), nodeID)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNodes returns all nodes registered for a project, deriving IsOnline
// from the 5-minute window.
func (s *Store) ListNodes(ctx context.Context, projectID string) ([]*models.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, node_type, display_name, capabilities, last_seen
		FROM nodes WHERE project_id = ? ORDER BY last_seen DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var nodes []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		n.IsOnline = n.Online(now)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode returns one node by id.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*models.Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, node_type, display_name, capabilities, last_seen
		FROM nodes WHERE id = ?`, nodeID)
	n, err := scanNode(row)
	if err != nil {
		return nil, err
	}
	n.IsOnline = n.Online(time.Now())
	return n, nil
}

func scanNode(row interface{ Scan(dest ...any) error }) (*models.Node, error) {
	var (
		n        models.Node
		caps     string
		lastSeen string
	)
	err := row.Scan(&n.ID, &n.ProjectID, &n.NodeType, &n.DisplayName, &caps, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &n.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	n.LastSeen = parseTime(lastSeen)
	return &n, nil
}
