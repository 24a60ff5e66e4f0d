// Package api serves the read models and the agent websocket stream
// over HTTP. Mutations that belong to operators go through the IPC
// socket; this surface exists for workers and dashboards.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fleetd/fleetd/internal/logx"
	"github.com/fleetd/fleetd/internal/model"
	"github.com/fleetd/fleetd/internal/recovery"
)

// AgentReader serves the agent read model.
type AgentReader interface {
	Get(name string) (*model.Agent, error)
	List(filter model.AgentFilter) []*model.Agent
	Register(desc model.AgentDescriptor) (*model.Agent, error)
	Unregister(name string) error
	Heartbeat(name string, reportedState model.AgentState, reportedMode string) (*model.Agent, error)
}

// TaskReader serves the task read model and submission.
type TaskReader interface {
	Get(taskID string) (*model.ScheduleTask, error)
	List(filter model.TaskFilter) []*model.ScheduleTask
	Submit(task *model.ScheduleTask) (string, error)
	Cancel(taskID string) error
	ReportProgress(taskID, detail string) error
}

// RecoveryReader serves the recovery read model.
type RecoveryReader interface {
	Status() []recovery.PairStatus
	Stats() model.RecoveryStats
	Timeline(limit int) ([]model.RecoveryAttempt, error)
}

// PlanReader yields the currently loaded FleetPlan.
type PlanReader func() *model.FleetPlan

// Server is the HTTP surface of the daemon.
type Server struct {
	agents AgentReader
	tasks  TaskReader
	rec    RecoveryReader
	plan   PlanReader
	hub    *Hub
	log    *logx.Logger

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

func NewServer(addr string, agents AgentReader, tasks TaskReader, rec RecoveryReader,
	plan PlanReader, hub *Hub, log *logx.Logger) *Server {
	s := &Server{
		agents: agents,
		tasks:  tasks,
		rec:    rec,
		plan:   plan,
		hub:    hub,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.routes(router)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1")
	{
		v1.GET("/agents", s.handleListAgents)
		v1.GET("/agents/:name", s.handleGetAgent)
		v1.POST("/agents", s.handleRegisterAgent)
		v1.DELETE("/agents/:name", s.handleUnregisterAgent)
		v1.POST("/agents/:name/heartbeat", s.handleHeartbeat)
		v1.GET("/agents/:name/ws", s.handleAgentStream)

		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.POST("/tasks", s.handleSubmitTask)
		v1.POST("/tasks/:id/cancel", s.handleCancelTask)
		v1.POST("/tasks/:id/progress", s.handleTaskProgress)

		v1.GET("/plan", s.handlePlan)

		v1.GET("/recovery/status", s.handleRecoveryStatus)
		v1.GET("/recovery/timeline", s.handleRecoveryTimeline)
	}
}

// Run serves until ctx is cancelled, then drains with the given grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("http_listening addr=%s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "fleet": s.plan().Fleet.Name})
}

func (s *Server) handleListAgents(c *gin.Context) {
	filter := model.AgentFilter{
		State:      model.AgentState(c.Query("state")),
		Health:     model.AgentHealth(c.Query("health")),
		Capability: c.Query("capability"),
	}
	c.JSON(http.StatusOK, gin.H{"agents": s.agents.List(filter)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.agents.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var desc model.AgentDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.agents.Register(desc)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, model.ErrDuplicateAgent) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleUnregisterAgent(c *gin.Context) {
	if err := s.agents.Unregister(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var body struct {
		State model.AgentState `json:"state"`
		Mode  string           `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := s.agents.Heartbeat(c.Param("name"), body.State, body.Mode)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// handleAgentStream upgrades to the bidirectional worker stream. The
// agent must be registered first.
func (s *Server) handleAgentStream(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.agents.Get(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnf("ws_upgrade agent=%s error=%v", name, err)
		return
	}
	s.hub.Attach(name, conn)
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := model.TaskFilter{
		Status: model.TaskStatus(c.Query("status")),
		Mode:   c.Query("mode"),
		Agent:  c.Query("agent"),
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.List(filter)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.tasks.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var task model.ScheduleTask
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.tasks.Submit(&task)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.tasks.Cancel(c.Param("id")); err != nil {
		status := http.StatusConflict
		if errors.Is(err, model.ErrTaskNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleTaskProgress(c *gin.Context) {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.tasks.ReportProgress(c.Param("id"), body.Detail); err != nil {
		status := http.StatusConflict
		if errors.Is(err, model.ErrTaskNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handlePlan(c *gin.Context) {
	c.JSON(http.StatusOK, s.plan())
}

func (s *Server) handleRecoveryStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pairs": s.rec.Status(),
		"stats": s.rec.Stats(),
	})
}

func (s *Server) handleRecoveryTimeline(c *gin.Context) {
	limit := 0
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	timeline, err := s.rec.Timeline(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": timeline})
}
