// Package api exposes the coordinator's HTTP surface: the sync protocol
// under /api/v2/sync, entity CRUD under /api, and the WebSocket event stream.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forge-run/forge/pkg/events"
	"github.com/forge-run/forge/pkg/locks"
	"github.com/forge-run/forge/pkg/services"
	forgesync "github.com/forge-run/forge/pkg/sync"
	"github.com/forge-run/forge/pkg/version"
)

// Server wires the domain services into a gin engine.
type Server struct {
	router   *gin.Engine
	sync     *forgesync.Service
	locks    *locks.Manager
	tasks    *services.TaskService
	projects *services.ProjectService
	hub      *events.Hub
}

// NewServer builds the router. corsOrigin limits cross-origin access; empty
// allows all.
func NewServer(
	syncSvc *forgesync.Service,
	lockMgr *locks.Manager,
	taskSvc *services.TaskService,
	projectSvc *services.ProjectService,
	hub *events.Hub,
	corsOrigin string,
) *Server {
	s := &Server{
		router:   gin.New(),
		sync:     syncSvc,
		locks:    lockMgr,
		tasks:    taskSvc,
		projects: projectSvc,
		hub:      hub,
	}

	s.router.Use(gin.Recovery(), requestLogger(), corsMiddleware(corsOrigin))
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for serving and for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/api/version", s.versionInfo)

	sync := s.router.Group("/api/v2/sync")
	{
		sync.POST("/nodes/register", s.registerNode)
		sync.POST("/nodes/:nodeId/heartbeat", s.nodeHeartbeat)
		sync.GET("/nodes/:projectId", s.listNodes)

		sync.POST("/handshake/:projectId", s.handshake)
		sync.POST("/push/:projectId", s.push)
		sync.POST("/pull/:projectId", s.pull)

		sync.POST("/tasks/:taskId/claim", s.claimTask)
		sync.POST("/tasks/:taskId/heartbeat", s.taskHeartbeat)
		sync.POST("/tasks/:taskId/release", s.releaseTask)

		sync.POST("/intervene", s.intervene)
		sync.GET("/status/:projectId", s.projectStatus)
		sync.GET("/log/:projectId", s.syncLog)
		sync.POST("/fix-expired-locks", s.fixExpiredLocks)

		sync.GET("/events/:projectId", s.streamEvents)
	}

	apiGroup := s.router.Group("/api")
	{
		apiGroup.POST("/projects", s.createProject)
		apiGroup.GET("/projects", s.listProjects)
		apiGroup.GET("/projects/:projectId", s.getProject)
		apiGroup.GET("/projects/:projectId/tasks", s.listTasks)
		apiGroup.POST("/projects/:projectId/tasks", s.createTask)
		apiGroup.POST("/projects/:projectId/queue-tasks", s.queueTasks)
		apiGroup.POST("/projects/:projectId/claim-task", s.claimNextTask)
		apiGroup.POST("/projects/:projectId/task-defs/:taskId/status", s.setTaskStatus)

		apiGroup.GET("/tasks/:taskId", s.getTask)
		apiGroup.POST("/tasks/:taskId/queue", s.queueTask)
		apiGroup.POST("/tasks/:taskId/complete", s.completeTask)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    version.AppName,
		"version": version.Full(),
	})
}
