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

// AppendStep appends a step to a task's history, assigning the next
// sequence number inside the transaction so numbers are strictly
// increasing and gap-free even under concurrent writers.
func (s *Store) AppendStep(ctx context.Context, step *TaskStep) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = appendStepTx(ctx, tx, step)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AppendStepWithCheckpoint appends a step and writes the matching
// checkpoint in one transaction. A step is not durably complete until its
// checkpoint is persisted; committing them together closes that window.
func (s *Store) AppendStepWithCheckpoint(ctx context.Context, step *TaskStep, state []byte) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = appendStepTx(ctx, tx, step)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoints (task_id, seq, state, created_at) VALUES (?, ?, ?, ?)`,
			step.TaskID, seq, state, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func appendStepTx(ctx context.Context, tx *sql.Tx, step *TaskStep) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM task_steps WHERE task_id = ?`,
		step.TaskID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next step seq: %w", err)
	}

	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	step.Seq = seq
	step.CreatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_steps (id, task_id, seq, kind, input, output, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.TaskID, step.Seq, step.Kind,
		nullableJSON(step.Input), nullableJSON(step.Output),
		step.Outcome, step.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert step: %w", err)
	}
	return seq, nil
}

// ListSteps returns a task's steps in sequence order.
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*TaskStep, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, task_id, seq, kind, input, output, outcome, created_at
		 FROM task_steps WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*TaskStep
	for rows.Next() {
		var step TaskStep
		var input, output sql.NullString
		if err := rows.Scan(&step.ID, &step.TaskID, &step.Seq, &step.Kind,
			&input, &output, &step.Outcome, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if input.Valid {
			step.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			step.Output = json.RawMessage(output.String)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// LatestStepOfKind returns the highest-seq step of the given kind, or
// ErrNotFound.
func (s *Store) LatestStepOfKind(ctx context.Context, taskID string, kind StepKind) (*TaskStep, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, task_id, seq, kind, input, output, outcome, created_at
		 FROM task_steps WHERE task_id = ? AND kind = ? ORDER BY seq DESC LIMIT 1`,
		taskID, kind)

	var step TaskStep
	var input, output sql.NullString
	err := row.Scan(&step.ID, &step.TaskID, &step.Seq, &step.Kind,
		&input, &output, &step.Outcome, &step.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if input.Valid {
		step.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		step.Output = json.RawMessage(output.String)
	}
	return &step, nil
}

// LatestCheckpoint returns the authoritative (highest-seq) checkpoint for
// a task, or ErrNotFound.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT task_id, seq, state, created_at FROM checkpoints
		 WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, taskID)

	var cp Checkpoint
	err := row.Scan(&cp.TaskID, &cp.Seq, &cp.State, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return &cp, nil
}

// MaxStepSeq returns the highest step sequence number for a task, zero
// when the task has no steps.
func (s *Store) MaxStepSeq(ctx context.Context, taskID string) (int64, error) {
	var seq int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM task_steps WHERE task_id = ?`,
		taskID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max step seq: %w", err)
	}
	return seq, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
