package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forge-run/forge/pkg/models"
	"github.com/forge-run/forge/pkg/services"
	"github.com/forge-run/forge/pkg/store"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

type registerNodeRequest struct {
	NodeID       string   `json:"nodeId" binding:"required"`
	ProjectID    string   `json:"projectId" binding:"required"`
	NodeType     string   `json:"nodeType"`
	DisplayName  string   `json:"displayName"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) registerNode(c *gin.Context) {
	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	node, err := s.projects.RegisterNode(c.Request.Context(), &models.Node{
		ID:           req.NodeID,
		ProjectID:    req.ProjectID,
		NodeType:     req.NodeType,
		DisplayName:  req.DisplayName,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "node": node})
}

func (s *Server) nodeHeartbeat(c *gin.Context) {
	if err := s.projects.NodeHeartbeat(c.Request.Context(), c.Param("nodeId")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.projects.ListNodes(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if nodes == nil {
		nodes = []*models.Node{}
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (s *Server) handshake(c *gin.Context) {
	var req forgesync.HandshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	res, err := s.sync.Handshake(c.Request.Context(), c.Param("projectId"), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) push(c *gin.Context) {
	var req forgesync.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	projectID := c.Param("projectId")
	resp, err := s.sync.Push(c.Request.Context(), projectID, req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	// A terminal push may satisfy dependencies of blocked tasks.
	for _, r := range resp.Results {
		if r.Applied {
			if _, err := s.tasks.UnblockReady(c.Request.Context(), projectID); err != nil {
				slog.Warn("Failed to unblock dependents", "project_id", projectID, "error", err)
			}
			break
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) pull(c *gin.Context) {
	var req forgesync.PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	resp, err := s.sync.Pull(c.Request.Context(), c.Param("projectId"), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type claimRequest struct {
	NodeID string `json:"nodeId" binding:"required"`
	// LockDuration is seconds; 0 selects the server default.
	LockDuration int `json:"lockDuration"`
}

func (s *Server) claimTask(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	res, err := s.locks.Claim(c.Request.Context(), c.Param("taskId"), req.NodeID,
		time.Duration(req.LockDuration)*time.Second)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	switch res.Error {
	case forgesync.CodeTaskNotFound:
		c.JSON(http.StatusNotFound, res)
	case forgesync.CodeAlreadyLocked, forgesync.CodeInvalidStatus:
		c.JSON(http.StatusConflict, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

type heartbeatRequest struct {
	NodeID    string `json:"nodeId" binding:"required"`
	Iteration *int   `json:"iteration"`
	Progress  string `json:"progress"`
	// ExecutionState is opaque agent telemetry; accepted and ignored.
	ExecutionState map[string]any `json:"executionState"`
}

func (s *Server) taskHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	res, err := s.locks.Heartbeat(c.Request.Context(), c.Param("taskId"), req.NodeID, req.Iteration)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if res.Error == forgesync.CodeLockLost {
		c.JSON(http.StatusConflict, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type releaseRequest struct {
	NodeID string `json:"nodeId" binding:"required"`
}

func (s *Server) releaseTask(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	task, err := s.locks.Release(c.Request.Context(), c.Param("taskId"), req.NodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotOwner) {
			c.JSON(http.StatusConflict, errorBody{Error: forgesync.CodeLockLost, Message: "lock not held by node"})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			respondServiceError(c, services.ErrNotFound)
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

func (s *Server) intervene(c *gin.Context) {
	var req forgesync.InterveneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	task, err := s.tasks.Get(c.Request.Context(), req.TaskID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	resp, err := s.sync.Intervene(c.Request.Context(), task.ProjectID, req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondServiceError(c, services.ErrNotFound)
			return
		}
		if errors.Is(err, store.ErrStaleVersion) {
			c.JSON(http.StatusOK, errorBody{Error: forgesync.CodeVersionConflict, Message: err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) projectStatus(c *gin.Context) {
	status, err := s.sync.Status(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondServiceError(c, services.ErrNotFound)
			return
		}
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) syncLog(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.sync.LogTail(c.Request.Context(), c.Param("projectId"), limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if entries == nil {
		entries = []*models.SyncLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) fixExpiredLocks(c *gin.Context) {
	swept, err := s.locks.Sweep(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "swept": swept})
}

func (s *Server) streamEvents(c *gin.Context) {
	s.hub.ServeProject(c.Writer, c.Request, c.Param("projectId"))
}
