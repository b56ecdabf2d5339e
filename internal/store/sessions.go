package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession creates a new active session.
func (s *Store) CreateSession(ctx context.Context, metadata map[string]string) (*Session, error) {
	session := &Session{
		ID:        uuid.New().String(),
		Status:    SessionActive,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	meta := []byte("{}")
	if session.Metadata != nil {
		var err error
		meta, err = json.Marshal(session.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, status, metadata, created_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.Status, string(meta), session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, status, metadata, created_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions ordered newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, status, metadata, created_at FROM sessions
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// CloseSession marks a session closed. Closing an already-closed session
// is a no-op.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, SessionClosed, id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var meta string
	err := row.Scan(&session.ID, &session.Status, &meta, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &session.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return &session, nil
}
