package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTask creates a pending task owned by sessionID. The session must
// exist and be active.
func (s *Store) CreateTask(ctx context.Context, sessionID, request string) (*Task, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == SessionClosed {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrClosedSession)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Request:   request,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, request, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.SessionID, task.Request, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, session_id, request, status, response, error_kind, error_detail,
		        created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// UpdateTaskStatus moves a task to status. Terminal tasks reject updates.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	return s.updateTask(ctx, id,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
		 AND status NOT IN ('completed', 'failed')`,
		status, time.Now().UTC(), id)
}

// CompleteTask marks a task completed with its final response.
func (s *Store) CompleteTask(ctx context.Context, id, response string) error {
	return s.updateTask(ctx, id,
		`UPDATE tasks SET status = ?, response = ?, updated_at = ? WHERE id = ?
		 AND status NOT IN ('completed', 'failed')`,
		TaskCompleted, response, time.Now().UTC(), id)
}

// FailTask marks a task failed with an error taxonomy kind and a
// human-readable detail.
func (s *Store) FailTask(ctx context.Context, id, kind, detail string) error {
	return s.updateTask(ctx, id,
		`UPDATE tasks SET status = ?, error_kind = ?, error_detail = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		TaskFailed, kind, detail, time.Now().UTC(), id)
}

func (s *Store) updateTask(ctx context.Context, id, query string, args ...any) error {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either missing or already terminal; disambiguate for callers.
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("task %s is terminal", id)
	}
	return nil
}

// ListTasksBySession returns a session's tasks, newest first.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, session_id, request, status, response, error_kind, error_detail,
		        created_at, updated_at
		 FROM tasks WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListUnfinishedTasks returns all tasks not in a terminal state, oldest
// first. Used by engine recovery after a restart.
func (s *Store) ListUnfinishedTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, session_id, request, status, response, error_kind, error_detail,
		        created_at, updated_at
		 FROM tasks WHERE status NOT IN ('completed', 'failed')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unfinished tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var response, errorKind, errorDetail sql.NullString
	err := row.Scan(&task.ID, &task.SessionID, &task.Request, &task.Status,
		&response, &errorKind, &errorDetail, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Response = response.String
	task.ErrorKind = errorKind.String
	task.ErrorDetail = errorDetail.String
	return &task, nil
}
