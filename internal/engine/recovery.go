package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/store"
)

// Recover resumes every non-terminal task from its latest checkpoint.
// Tasks paused in awaiting_human stay paused; an undecodable or
// inconsistent checkpoint fails the task with StateCorruption rather
// than guessing a resume point. Called once at process start, before
// the HTTP surface accepts new work.
func (e *Engine) Recover(ctx context.Context) error {
	tasks, err := e.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	e.logger.Info("recovering unfinished tasks", zap.Int("count", len(tasks)))

	for _, task := range tasks {
		st, corrupt, err := e.loadState(ctx, task)
		if corrupt {
			e.logger.Error("checkpoint corrupt, failing task for manual audit",
				zap.String("task_id", task.ID),
				zap.Error(err))
			e.failTask(ctx, task.ID, KindStateCorruption, err.Error())
			continue
		}
		if err != nil {
			e.logger.Error("load task state",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}

		if st.Status == store.TaskAwaitingHuman {
			e.logger.Info("task still awaiting human decision",
				zap.String("task_id", task.ID))
			continue
		}

		e.logger.Info("re-entering task",
			zap.String("task_id", task.ID),
			zap.String("status", string(st.Status)),
			zap.Int("steps", st.Steps))
		e.runTask(ctx, task.ID, st)
	}
	return nil
}
