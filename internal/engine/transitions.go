package engine

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/maestro/internal/store"
)

// transitions is the explicit state machine: every status move the
// engine performs must appear here. Terminal states have no entries.
var transitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskPending:   {store.TaskAnalyzing, store.TaskFailed},
	store.TaskAnalyzing: {store.TaskRouted, store.TaskFailed},
	store.TaskRouted:    {store.TaskExecuting, store.TaskFailed},
	store.TaskExecuting: {
		store.TaskValidating,
		store.TaskAwaitingHuman,
		store.TaskRouted, // execution failure re-route
		store.TaskFailed,
	},
	store.TaskValidating: {
		store.TaskCompleted,
		store.TaskRouted, // validation failure re-route
		store.TaskFailed,
	},
	store.TaskAwaitingHuman: {store.TaskExecuting, store.TaskFailed},
}

// canTransition reports whether from → to is a legal move.
func canTransition(from, to store.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition validates and applies a status move.
func (e *Engine) transition(ctx context.Context, taskID string, from, to store.TaskStatus) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	return e.store.UpdateTaskStatus(ctx, taskID, to)
}
