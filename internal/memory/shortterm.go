// Package memory provides the two-tier conversational memory: a
// short-term window of recent exchanges read from the task store, and a
// long-term vector store backed by chromem. The context manager
// composes both into one bounded payload for department prompts.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/maestro/internal/store"
)

// Exchange is one completed request/response pair.
type Exchange struct {
	Request   string
	Response  string
	CreatedAt time.Time
}

// ShortTerm reads the recent-exchange window for a session. The window
// keeps the newest entries; trimming drops the oldest.
type ShortTerm struct {
	store  *store.Store
	window int
}

// NewShortTerm creates a short-term reader with the given window size.
func NewShortTerm(s *store.Store, window int) *ShortTerm {
	if window <= 0 {
		window = 20
	}
	return &ShortTerm{store: s, window: window}
}

// Recent returns up to window completed exchanges for the session,
// oldest first so callers can render them chronologically.
func (st *ShortTerm) Recent(ctx context.Context, sessionID string) ([]Exchange, error) {
	// Over-fetch: non-completed tasks do not count against the window.
	tasks, err := st.store.ListTasksBySession(ctx, sessionID, st.window*2)
	if err != nil {
		return nil, fmt.Errorf("list session tasks: %w", err)
	}

	var exchanges []Exchange
	for _, task := range tasks {
		if task.Status != store.TaskCompleted {
			continue
		}
		exchanges = append(exchanges, Exchange{
			Request:   task.Request,
			Response:  task.Response,
			CreatedAt: task.CreatedAt,
		})
		if len(exchanges) == st.window {
			break
		}
	}

	// Tasks arrive newest first; reverse into chronological order.
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}
	return exchanges, nil
}
