package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/store"
)

// ProjectService manages projects and node registrations.
type ProjectService struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewProjectService creates a ProjectService.
func NewProjectService(st *store.Store, bus *events.Bus) *ProjectService {
	return &ProjectService{
		store:  st,
		bus:    bus,
		logger: slog.Default().With("component", "project_service"),
	}
}

// Register creates or refreshes a project. Path-like identifiers are refused:
// a project id is an opaque handle, and accepting filesystem paths would let
// two checkouts of the same repo register as different projects.
func (s *ProjectService) Register(ctx context.Context, p *models.Project) (*models.Project, error) {
	if p.Name == "" {
		return nil, NewValidationError("name", "project name is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if strings.ContainsAny(p.ID, `/\`) || strings.HasPrefix(p.ID, ".") {
		return nil, NewValidationError("id", "project id must not be a filesystem path")
	}
	if err := s.store.UpsertProject(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("Project registered", "project_id", p.ID, "name", p.Name)
	return p, nil
}

// Get returns one project.
func (s *ProjectService) Get(ctx context.Context, id string) (*models.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// List returns all projects, most recently active first.
func (s *ProjectService) List(ctx context.Context) ([]*models.Project, error) {
	return s.store.ListProjects(ctx)
}

// RegisterNode upserts an agent node under an existing project and announces
// it on the bus.
func (s *ProjectService) RegisterNode(ctx context.Context, n *models.Node) (*models.Node, error) {
	if n.ID == "" {
		return nil, NewValidationError("nodeId", "node id is required")
	}
	if _, err := s.Get(ctx, n.ProjectID); err != nil {
		return nil, err
	}
	if n.NodeType == "" {
		n.NodeType = "agent"
	}
	if err := s.store.UpsertNode(ctx, n); err != nil {
		return nil, err
	}
	n.IsOnline = true

	s.bus.Publish(events.Event{
		Type:      events.TypeNodeRegistered,
		ProjectID: n.ProjectID,
		NodeID:    n.ID,
		Payload:   map[string]any{"nodeType": n.NodeType, "displayName": n.DisplayName},
	})
	s.logger.Info("Node registered",
		"node_id", n.ID, "project_id", n.ProjectID, "node_type", n.NodeType)
	return n, nil
}

// NodeHeartbeat refreshes a node's lastSeen timestamp.
func (s *ProjectService) NodeHeartbeat(ctx context.Context, nodeID string) error {
	if err := s.store.TouchNode(ctx, nodeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListNodes returns a project's nodes with derived online flags.
func (s *ProjectService) ListNodes(ctx context.Context, projectID string) ([]*models.Node, error) {
	if _, err := s.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListNodes(ctx, projectID)
}
