package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/engine"
	"github.com/fyrsmithlabs/maestro/internal/store"
)

type stubOrchestrator struct {
	submitFn func(ctx context.Context, sessionID, request string) (string, error)
	statusFn func(ctx context.Context, taskID string) (*store.Task, error)
	resumeFn func(ctx context.Context, taskID string, decision engine.HumanDecision) (store.TaskStatus, error)
	cancelFn func(ctx context.Context, taskID string) error
}

func (s *stubOrchestrator) Submit(ctx context.Context, sessionID, request string) (string, error) {
	return s.submitFn(ctx, sessionID, request)
}

func (s *stubOrchestrator) Status(ctx context.Context, taskID string) (*store.Task, error) {
	return s.statusFn(ctx, taskID)
}

func (s *stubOrchestrator) Resume(ctx context.Context, taskID string, decision engine.HumanDecision) (store.TaskStatus, error) {
	return s.resumeFn(ctx, taskID, decision)
}

func (s *stubOrchestrator) Cancel(ctx context.Context, taskID string) error {
	return s.cancelFn(ctx, taskID)
}

func setupTestServer(t *testing.T, orch *stubOrchestrator) (*Server, *store.Store, string) {
	t.Helper()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	session, err := st.CreateSession(context.Background(), nil)
	require.NoError(t, err)

	server, err := NewServer(orch, st, zap.NewNop(), nil)
	require.NoError(t, err)
	return server, st, session.ID
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	orch := &stubOrchestrator{}

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, _, _ := setupTestServer(t, orch)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
	})

	t.Run("returns error when orchestrator is nil", func(t *testing.T) {
		st, err := store.OpenMemory()
		require.NoError(t, err)
		defer st.Close()

		_, err = NewServer(nil, st, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "orchestrator cannot be nil")
	})

	t.Run("returns error when session store is nil", func(t *testing.T) {
		_, err := NewServer(orch, nil, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "session store cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := setupTestServer(t, &stubOrchestrator{})

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	server, _, _ := setupTestServer(t, &stubOrchestrator{})

	rec := doJSON(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	server, _, sessionID := setupTestServer(t, &stubOrchestrator{})

	t.Run("create", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/sessions",
			CreateSessionRequest{Metadata: map[string]string{"owner": "test"}})
		require.Equal(t, http.StatusCreated, rec.Code)

		var session store.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
		assert.NotEmpty(t, session.ID)
		assert.Equal(t, "test", session.Metadata["owner"])
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/sessions", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var sessions []*store.Session
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
		assert.NotEmpty(t, sessions)
	})

	t.Run("get unknown returns 404", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/sessions/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("close then list tasks", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/sessions/"+sessionID+"/tasks", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestHandleSubmitTask(t *testing.T) {
	task := &store.Task{ID: "t1", Status: store.TaskCompleted, Response: "done"}
	orch := &stubOrchestrator{
		submitFn: func(_ context.Context, sessionID, request string) (string, error) {
			if request == "" {
				return "", fmt.Errorf("%w: empty request", engine.ErrValidation)
			}
			return "t1", nil
		},
		statusFn: func(_ context.Context, taskID string) (*store.Task, error) {
			return task, nil
		},
	}
	server, _, sessionID := setupTestServer(t, orch)

	t.Run("submits and returns the task", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/tasks",
			SubmitTaskRequest{SessionID: sessionID, Request: "do the thing"})
		require.Equal(t, http.StatusCreated, rec.Code)

		var got store.Task
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "t1", got.ID)
		assert.Equal(t, store.TaskCompleted, got.Status)
	})

	t.Run("missing session_id is a 400", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/tasks",
			SubmitTaskRequest{Request: "do the thing"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("engine validation error is a 400", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/tasks",
			SubmitTaskRequest{SessionID: sessionID})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGetTask(t *testing.T) {
	orch := &stubOrchestrator{
		statusFn: func(_ context.Context, taskID string) (*store.Task, error) {
			if taskID != "t1" {
				return nil, store.ErrNotFound
			}
			return &store.Task{ID: "t1", Status: store.TaskAwaitingHuman}, nil
		},
	}
	server, _, _ := setupTestServer(t, orch)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/tasks/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, store.TaskAwaitingHuman, got.Status)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResumeTask(t *testing.T) {
	var captured engine.HumanDecision
	orch := &stubOrchestrator{
		resumeFn: func(_ context.Context, taskID string, decision engine.HumanDecision) (store.TaskStatus, error) {
			if taskID == "terminal" {
				return store.TaskCompleted, fmt.Errorf("%w: task is completed", engine.ErrInvalidState)
			}
			captured = decision
			return store.TaskCompleted, nil
		},
	}
	server, _, _ := setupTestServer(t, orch)

	t.Run("approval is passed through", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/tasks/t1/resume",
			ResumeTaskRequest{Approved: true, Comment: "looks fine", DecidedBy: "operator"})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ResumeTaskResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "t1", resp.TaskID)
		assert.Equal(t, store.TaskCompleted, resp.Status)
		assert.True(t, captured.Approved)
		assert.Equal(t, "operator", captured.DecidedBy)
	})

	t.Run("wrong state is a 409", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/tasks/terminal/resume",
			ResumeTaskRequest{Approved: true})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHandleCancelTask(t *testing.T) {
	orch := &stubOrchestrator{
		cancelFn: func(_ context.Context, taskID string) error {
			if taskID == "terminal" {
				return fmt.Errorf("%w: task is failed", engine.ErrInvalidState)
			}
			return nil
		},
	}
	server, _, _ := setupTestServer(t, orch)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/tasks/t1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/tasks/terminal/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleListTaskSteps(t *testing.T) {
	server, st, sessionID := setupTestServer(t, &stubOrchestrator{})
	ctx := context.Background()

	task, err := st.CreateTask(ctx, sessionID, "request")
	require.NoError(t, err)
	_, err = st.AppendStep(ctx, &store.TaskStep{
		TaskID:  task.ID,
		Kind:    store.StepAnalysis,
		Outcome: store.OutcomeSuccess,
	})
	require.NoError(t, err)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/tasks/"+task.ID+"/steps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var steps []*store.TaskStep
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepAnalysis, steps[0].Kind)
}

func TestShutdown(t *testing.T) {
	server, _, _ := setupTestServer(t, &stubOrchestrator{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
