package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/maestro/internal/department"
	"github.com/fyrsmithlabs/maestro/internal/store"
)

// analysisResult is the structured output of the analysis stage.
type analysisResult struct {
	Category   string         `json:"category"`
	Intent     string         `json:"intent"`
	Complexity string         `json:"complexity,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// taskState is the resumable engine state serialized into every
// checkpoint. Decoding it from the latest checkpoint is sufficient to
// re-enter the state machine at the in-flight step.
type taskState struct {
	Status       store.TaskStatus      `json:"status"`
	Analysis     *analysisResult       `json:"analysis,omitempty"`
	Route        string                `json:"route,omitempty"`
	Tried        []string              `json:"tried,omitempty"`
	RerouteCount int                   `json:"reroute_count"`
	Steps        int                   `json:"steps"`
	Approved     bool                  `json:"approved,omitempty"`
	PendingPlan  []department.PlanStep `json:"pending_plan,omitempty"`
	DeptResult   json.RawMessage       `json:"dept_result,omitempty"`
}

func (st *taskState) encode() ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode task state: %w", err)
	}
	return data, nil
}

// loadState reconstructs the task state from the latest checkpoint. It
// returns corrupt=true when the checkpoint cannot be trusted: payload
// fails to decode, or its seq exceeds the recorded step history.
func (e *Engine) loadState(ctx context.Context, task *store.Task) (st *taskState, corrupt bool, err error) {
	cp, err := e.store.LatestCheckpoint(ctx, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		// No checkpoint yet: the task never left pending.
		return &taskState{Status: store.TaskPending}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint: %w", err)
	}

	maxSeq, err := e.store.MaxStepSeq(ctx, task.ID)
	if err != nil {
		return nil, false, err
	}
	if cp.Seq > maxSeq {
		return nil, true, fmt.Errorf("checkpoint seq %d exceeds step history %d", cp.Seq, maxSeq)
	}

	var state taskState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, true, fmt.Errorf("decode checkpoint: %w", err)
	}
	if !validStatus(state.Status) {
		return nil, true, fmt.Errorf("checkpoint carries unknown status %q", state.Status)
	}

	// A checkpoint claiming analysis completed must be backed by an
	// analysis step; a missing one means step history and checkpoint
	// diverged and neither can be trusted.
	if state.Analysis != nil {
		if _, err := e.store.LatestStepOfKind(ctx, task.ID, store.StepAnalysis); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, true, fmt.Errorf("checkpoint carries analysis but step history has no analysis step")
			}
			return nil, false, err
		}
	}
	return &state, false, nil
}

func validStatus(s store.TaskStatus) bool {
	switch s {
	case store.TaskPending, store.TaskAnalyzing, store.TaskRouted,
		store.TaskExecuting, store.TaskValidating, store.TaskAwaitingHuman,
		store.TaskCompleted, store.TaskFailed:
		return true
	}
	return false
}

// record appends a step and its checkpoint in one transaction.
func (e *Engine) record(ctx context.Context, taskID string, kind store.StepKind,
	outcome store.StepOutcome, input, output any, st *taskState) error {

	step := &store.TaskStep{TaskID: taskID, Kind: kind, Outcome: outcome}
	var err error
	if input != nil {
		if step.Input, err = json.Marshal(input); err != nil {
			return fmt.Errorf("marshal step input: %w", err)
		}
	}
	if output != nil {
		if step.Output, err = json.Marshal(output); err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
	}

	st.Steps++
	state, err := st.encode()
	if err != nil {
		return err
	}
	if _, err := e.store.AppendStepWithCheckpoint(ctx, step, state); err != nil {
		return fmt.Errorf("record %s step: %w", kind, err)
	}
	return nil
}
