package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forge-run/forge/pkg/models"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

type createProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name" binding:"required"`
	Path string `json:"path"`
}

func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	p, err := s.projects.Register(c.Request.Context(), &models.Project{
		ID:   req.ID,
		Name: req.Name,
		Path: req.Path,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.projects.List(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) getProject(c *gin.Context) {
	p, err := s.projects.Get(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type createTaskRequest struct {
	ID       string            `json:"id"`
	Name     string            `json:"name" binding:"required"`
	Prompt   string            `json:"prompt" binding:"required"`
	Priority int               `json:"priority"`
	Config   models.TaskConfig `json:"config"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	t, err := s.tasks.Create(c.Request.Context(), &models.Task{
		ID:        req.ID,
		ProjectID: c.Param("projectId"),
		Name:      req.Name,
		Prompt:    req.Prompt,
		Priority:  req.Priority,
		Config:    req.Config,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.tasks.List(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.tasks.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) queueTask(c *gin.Context) {
	t, err := s.tasks.Queue(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type queueTasksRequest struct {
	TaskIDs []string `json:"taskIds"`
	DryRun  bool     `json:"dryRun"`
}

func (s *Server) queueTasks(c *gin.Context) {
	var req queueTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	plan, err := s.tasks.PlanQueue(c.Request.Context(), c.Param("projectId"), req.TaskIDs, req.DryRun)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

type claimNextRequest struct {
	NodeID string `json:"nodeId" binding:"required"`
}

func (s *Server) claimNextTask(c *gin.Context) {
	var req claimNextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	t, err := s.tasks.ClaimNext(c.Request.Context(), c.Param("projectId"), req.NodeID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": t})
}

type completeTaskRequest struct {
	NodeID string             `json:"nodeId"`
	Result *models.TaskResult `json:"result"`
}

func (s *Server) completeTask(c *gin.Context) {
	var req completeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	t, err := s.tasks.Complete(c.Request.Context(), c.Param("taskId"), req.NodeID, req.Result)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": t})
}

type setStatusRequest struct {
	Status models.TaskStatus  `json:"status" binding:"required"`
	Result *models.TaskResult `json:"result"`
}

// setTaskStatus is the agent outbox intake. Terminal completions also
// promote blocked dependents.
func (s *Server) setTaskStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
		return
	}
	t, err := s.tasks.SetStatus(c.Request.Context(), c.Param("taskId"), req.Status, req.Result)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if t.Status == models.StatusCompleted {
		if _, err := s.tasks.UnblockReady(c.Request.Context(), c.Param("projectId")); err != nil {
			slog.Warn("Failed to unblock dependents", "project_id", c.Param("projectId"), "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": t})
}
