// Package httpapi exposes the orchestration engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/engine"
	"github.com/fyrsmithlabs/maestro/internal/store"
)

// Orchestrator is the engine surface the API needs.
type Orchestrator interface {
	Submit(ctx context.Context, sessionID, request string) (string, error)
	Status(ctx context.Context, taskID string) (*store.Task, error)
	Resume(ctx context.Context, taskID string, decision engine.HumanDecision) (store.TaskStatus, error)
	Cancel(ctx context.Context, taskID string) error
}

// SessionStore is the store surface the API needs.
type SessionStore interface {
	CreateSession(ctx context.Context, metadata map[string]string) (*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*store.Session, error)
	CloseSession(ctx context.Context, id string) error
	ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]*store.Task, error)
	ListSteps(ctx context.Context, taskID string) ([]*store.TaskStep, error)
}

// Server provides the HTTP endpoints for maestrod.
type Server struct {
	echo     *echo.Echo
	engine   Orchestrator
	sessions SessionStore
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(orch Orchestrator, sessions SessionStore, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := NewMetrics(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		engine:   orch,
		sessions: sessions,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleCloseSession)
	v1.GET("/sessions/:id/tasks", s.handleListSessionTasks)

	v1.POST("/tasks", s.handleSubmitTask)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.GET("/tasks/:id/steps", s.handleListTaskSteps)
	v1.POST("/tasks/:id/resume", s.handleResumeTask)
	v1.POST("/tasks/:id/cancel", s.handleCancelTask)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SubmitTaskRequest is the request body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	SessionID string `json:"session_id"`
	Request   string `json:"request"`
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResumeTaskRequest is the request body for POST /api/v1/tasks/:id/resume.
type ResumeTaskRequest struct {
	Approved  bool   `json:"approved"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// ResumeTaskResponse is the response body for POST /api/v1/tasks/:id/resume.
type ResumeTaskResponse struct {
	TaskID string           `json:"task_id"`
	Status store.TaskStatus `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	session, err := s.sessions.CreateSession(c.Request().Context(), req.Metadata)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions, err := s.sessions.ListSessions(c.Request().Context(), 100)
	if err != nil {
		return s.mapError(c, err)
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c echo.Context) error {
	session, err := s.sessions.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

func (s *Server) handleCloseSession(c echo.Context) error {
	if err := s.sessions.CloseSession(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListSessionTasks(c echo.Context) error {
	tasks, err := s.sessions.ListTasksBySession(c.Request().Context(), c.Param("id"), 100)
	if err != nil {
		return s.mapError(c, err)
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// handleSubmitTask runs a request to completion or to a human pause and
// returns the resulting task.
func (s *Server) handleSubmitTask(c echo.Context) error {
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id field is required")
	}

	taskID, err := s.engine.Submit(c.Request().Context(), req.SessionID, req.Request)
	if err != nil {
		return s.mapError(c, err)
	}

	task, err := s.engine.Status(c.Request().Context(), taskID)
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.engine.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleListTaskSteps(c echo.Context) error {
	steps, err := s.sessions.ListSteps(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err)
	}
	if steps == nil {
		steps = []*store.TaskStep{}
	}
	return c.JSON(http.StatusOK, steps)
}

func (s *Server) handleResumeTask(c echo.Context) error {
	var req ResumeTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	taskID := c.Param("id")
	status, err := s.engine.Resume(c.Request().Context(), taskID, engine.HumanDecision{
		Approved:  req.Approved,
		Comment:   req.Comment,
		DecidedBy: req.DecidedBy,
	})
	if err != nil {
		return s.mapError(c, err)
	}
	return c.JSON(http.StatusOK, ResumeTaskResponse{TaskID: taskID, Status: status})
}

func (s *Server) handleCancelTask(c echo.Context) error {
	if err := s.engine.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// mapError translates domain errors to HTTP status codes.
func (s *Server) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, store.ErrClosedSession):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
