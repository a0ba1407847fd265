package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forge-run/forge/pkg/models"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

// Per-call deadlines. List-style reads are cheap; status writes get more
// headroom; health probes must fail fast.
const (
	listTimeout   = 5 * time.Second
	statusTimeout = 10 * time.Second
	healthTimeout = 3 * time.Second

	// statusRetries and statusBackoffBase govern the immediate in-call
	// retries before a status update falls back to the outbox.
	statusRetries     = 3
	statusBackoffBase = time.Second
)

// Client talks to the coordinator's HTTP API on behalf of one node.
type Client struct {
	baseURL string
	nodeID  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a coordinator client. baseURL is e.g.
// "http://localhost:3344".
func NewClient(baseURL, nodeID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		nodeID:  nodeID,
		http:    &http.Client{},
		logger:  slog.Default().With("component", "client", "node_id", nodeID),
	}
}

// apiError is a non-2xx response carrying a protocol code.
type apiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s (%s)", e.StatusCode, e.Code, e.Message)
}

// do performs one JSON round trip with the given deadline.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil {
			apiErr.Code = e.Error
			apiErr.Message = e.Message
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Health probes the coordinator with a short deadline.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, healthTimeout, http.MethodGet, "/health", nil, nil)
}

// Handshake classifies the node's believed task versions against the server.
func (c *Client) Handshake(ctx context.Context, projectID string, req forgesync.HandshakeRequest) (*forgesync.HandshakeResult, error) {
	req.NodeID = c.nodeID
	var out forgesync.HandshakeResult
	if err := c.do(ctx, listTimeout, http.MethodPost, "/api/v2/sync/handshake/"+projectID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push submits a batch of task updates.
func (c *Client) Push(ctx context.Context, projectID string, updates []forgesync.PushUpdate) (*forgesync.PushResponse, error) {
	req := forgesync.PushRequest{NodeID: c.nodeID, Tasks: updates}
	var out forgesync.PushResponse
	if err := c.do(ctx, statusTimeout, http.MethodPost, "/api/v2/sync/push/"+projectID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches authoritative snapshots for the given task ids.
func (c *Client) Pull(ctx context.Context, projectID string, taskIDs []string) (*forgesync.PullResponse, error) {
	req := forgesync.PullRequest{NodeID: c.nodeID, TaskIDs: taskIDs}
	var out forgesync.PullResponse
	if err := c.do(ctx, listTimeout, http.MethodPost, "/api/v2/sync/pull/"+projectID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// claimResponse mirrors the coordinator's claim payload.
type claimResponse struct {
	Success       bool         `json:"success"`
	Task          *models.Task `json:"task,omitempty"`
	Error         string       `json:"error,omitempty"`
	LockedBy      string       `json:"lockedBy,omitempty"`
	LockExpiresAt *time.Time   `json:"lockExpiresAt,omitempty"`
}

// Claim attempts to lock a specific task.
func (c *Client) Claim(ctx context.Context, taskID string) (*models.Task, error) {
	body := map[string]any{"nodeId": c.nodeID}
	var out claimResponse
	err := c.do(ctx, statusTimeout, http.MethodPost, "/api/v2/sync/tasks/"+taskID+"/claim", body, &out)
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) && apiErr.Code != "" {
			return nil, fmt.Errorf("claim rejected: %s", apiErr.Code)
		}
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("claim rejected: %s", out.Error)
	}
	return out.Task, nil
}

// ClaimNext claims the next queued task in the project, or returns
// (nil, nil) when the queue is empty.
func (c *Client) ClaimNext(ctx context.Context, projectID string) (*models.Task, error) {
	body := map[string]any{"nodeId": c.nodeID}
	var out claimResponse
	err := c.do(ctx, statusTimeout, http.MethodPost, "/api/projects/"+projectID+"/claim-task", body, &out)
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out.Task, nil
}

// HeartbeatResponse mirrors the coordinator's heartbeat payload.
type HeartbeatResponse struct {
	Success       bool             `json:"success"`
	Error         string           `json:"error,omitempty"`
	LockExpiresAt time.Time        `json:"lockExpiresAt"`
	Commands      []models.Command `json:"commands"`
}

// Heartbeat extends the lease and collects queued operator commands.
// A LOCK_LOST response is returned as a value, not an error: the caller must
// stop work but the call itself succeeded.
func (c *Client) Heartbeat(ctx context.Context, taskID string, iteration *int, progress string) (*HeartbeatResponse, error) {
	body := map[string]any{"nodeId": c.nodeID}
	if iteration != nil {
		body["iteration"] = *iteration
	}
	if progress != "" {
		body["progress"] = progress
	}
	var out HeartbeatResponse
	err := c.do(ctx, statusTimeout, http.MethodPost, "/api/v2/sync/tasks/"+taskID+"/heartbeat", body, &out)
	if err != nil {
		var apiErr *apiError
		if asAPIError(err, &apiErr) && apiErr.Code == forgesync.CodeLockLost {
			return &HeartbeatResponse{Error: forgesync.CodeLockLost}, nil
		}
		return nil, err
	}
	return &out, nil
}

// Release gives up the task's lock.
func (c *Client) Release(ctx context.Context, taskID string) error {
	body := map[string]any{"nodeId": c.nodeID}
	return c.do(ctx, statusTimeout, http.MethodPost, "/api/v2/sync/tasks/"+taskID+"/release", body, nil)
}

// PostStatus reports a status change through the outbox intake endpoint,
// retrying transient failures inline with linear backoff. A response that
// carries a protocol rejection (terminal state, invalid transition) is
// treated as delivered: retrying it can never succeed.
func (c *Client) PostStatus(ctx context.Context, projectID, taskID string, status models.TaskStatus, result *models.TaskResult) error {
	body := map[string]any{"status": status}
	if result != nil {
		body["result"] = result
	}
	path := "/api/projects/" + projectID + "/task-defs/" + taskID + "/status"

	var lastErr error
	for attempt := 1; attempt <= statusRetries; attempt++ {
		var out struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		err := c.do(ctx, statusTimeout, http.MethodPost, path, body, &out)
		if err == nil {
			if !out.Success && out.Error != "" {
				c.logger.Warn("Status update rejected by coordinator",
					"task_id", taskID, "status", status, "code", out.Error)
			}
			return nil
		}
		var apiErr *apiError
		if asAPIError(err, &apiErr) && apiErr.StatusCode < 500 {
			// 4xx cannot be fixed by retrying.
			return err
		}
		lastErr = err
		if attempt < statusRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * statusBackoffBase):
			}
		}
	}
	return lastErr
}

// RegisterProject registers (or refreshes) a project.
func (c *Client) RegisterProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	var out models.Project
	if err := c.do(ctx, statusTimeout, http.MethodPost, "/api/projects", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterNode registers this node under a project.
func (c *Client) RegisterNode(ctx context.Context, projectID, displayName string, capabilities []string) error {
	body := map[string]any{
		"nodeId":       c.nodeID,
		"projectId":    projectID,
		"nodeType":     "agent",
		"displayName":  displayName,
		"capabilities": capabilities,
	}
	return c.do(ctx, statusTimeout, http.MethodPost, "/api/v2/sync/nodes/register", body, nil)
}

// CreateTask creates a task under a project.
func (c *Client) CreateTask(ctx context.Context, projectID string, task *models.Task) (*models.Task, error) {
	body := map[string]any{
		"id":       task.ID,
		"name":     task.Name,
		"prompt":   task.Prompt,
		"priority": task.Priority,
		"config":   task.Config,
	}
	var out models.Task
	if err := c.do(ctx, statusTimeout, http.MethodPost, "/api/projects/"+projectID+"/tasks", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks fetches a project's tasks in queue order.
func (c *Client) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	var out struct {
		Tasks []*models.Task `json:"tasks"`
	}
	if err := c.do(ctx, listTimeout, http.MethodGet, "/api/projects/"+projectID+"/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// QueueTasks runs the coordinator's queue planner.
func (c *Client) QueueTasks(ctx context.Context, projectID string, taskIDs []string, dryRun bool) (json.RawMessage, error) {
	body := map[string]any{"taskIds": taskIDs, "dryRun": dryRun}
	var out json.RawMessage
	if err := c.do(ctx, statusTimeout, http.MethodPost, "/api/projects/"+projectID+"/queue-tasks", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// asAPIError unwraps an apiError if present.
func asAPIError(err error, target **apiError) bool {
	return errors.As(err, target)
}
