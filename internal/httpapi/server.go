// Package httpapi exposes the scheduler over HTTP.
//
// The server is a thin translation layer: every route maps one-to-one
// onto a scheduler operation, plus health and Prometheus metrics
// endpoints. It owns no orchestration state of its own.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/scheduler"
)

// Server is the HTTP front of the orchestrator.
type Server struct {
	cfg   config.ServerConfig
	sched *scheduler.Scheduler
	echo  *echo.Echo
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// CreateTaskRequest is the body of POST /v1/tasks.
type CreateTaskRequest struct {
	Goal     string `json:"goal"`
	Priority int    `json:"priority"`
	Backend  string `json:"backend,omitempty"`
}

// CreateTaskResponse returns the new task id.
type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg config.ServerConfig, sched *scheduler.Scheduler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		cfg:   cfg,
		sched: sched,
		echo:  e,
	}
	s.registerRoutes()
	return s
}

// Echo exposes the router, primarily for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/pause", s.handlePauseTask)
	v1.POST("/tasks/:id/resume", s.handleResumeTask)
	v1.POST("/tasks/:id/cancel", s.handleCancelTask)
	v1.DELETE("/tasks/:id", s.handlePruneTask)
	v1.GET("/stats", s.handleStats)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "operatord",
	})
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal must not be empty")
	}

	id, err := s.sched.Create(c.Request().Context(), req.Goal, scheduler.CreateOptions{
		Priority: req.Priority,
		Backend:  req.Backend,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, CreateTaskResponse{TaskID: id})
}

func (s *Server) handleListTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sched.List())
}

func (s *Server) handleGetTask(c echo.Context) error {
	snap, err := s.sched.Get(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePauseTask(c echo.Context) error {
	if err := s.sched.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return taskError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResumeTask(c echo.Context) error {
	if err := s.sched.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return taskError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	if err := s.sched.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return taskError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handlePruneTask(c echo.Context) error {
	if err := s.sched.Prune(c.Request().Context(), c.Param("id")); err != nil {
		return taskError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sched.Statistics())
}

// taskError maps scheduler errors onto HTTP statuses.
func taskError(err error) error {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start runs the server until ctx is cancelled, then shuts down gracefully
// within the configured timeout. Returns http.ErrServerClosed on graceful
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}
