package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAudit records an immutable audit event.
func (s *Store) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO audit_log (id, task_id, kind, action_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.Kind, entry.ActionKey,
		nullableJSON(entry.Payload), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a task's audit entries in insertion order.
func (s *Store) ListAudit(ctx context.Context, taskID string) ([]*AuditEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, task_id, kind, action_key, payload, created_at
		 FROM audit_log WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var actionKey, payload *string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Kind,
			&actionKey, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if actionKey != nil {
			entry.ActionKey = *actionKey
		}
		if payload != nil {
			entry.Payload = []byte(*payload)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// HasAudit reports whether a skill-invocation audit entry with the given
// action key already exists for the task. The engine uses this to surface
// already-performed side effects to a retried execution.
func (s *Store) HasAudit(ctx context.Context, taskID, actionKey string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM audit_log
		 WHERE task_id = ? AND kind = ? AND action_key = ?`,
		taskID, AuditSkillInvocation, actionKey).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count audit entries: %w", err)
	}
	return count > 0, nil
}
