package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/skills"
	"github.com/fyrsmithlabs/maestro/internal/store"
)

// auditedInvoker is the skill handle departments receive during one
// task's execution. Every invocation is audit-logged before it runs;
// side-effecting actions additionally consult the audit log first so a
// retried execution does not repeat a non-idempotent action.
type auditedInvoker struct {
	taskID  string
	skills  skills.Invoker
	store   *store.Store
	timeout time.Duration
	logger  *zap.Logger
}

var _ skills.Invoker = (*auditedInvoker)(nil)

func (a *auditedInvoker) Has(name string) bool { return a.skills.Has(name) }

func (a *auditedInvoker) Spec(skill, action string) (*skills.ActionSpec, error) {
	return a.skills.Spec(skill, action)
}

// AlreadyPerformed reports whether a side-effecting action with this
// key has a recorded audit entry for the task.
func (a *auditedInvoker) AlreadyPerformed(ctx context.Context, actionKey string) (bool, error) {
	return a.store.HasAudit(ctx, a.taskID, actionKey)
}

func (a *auditedInvoker) Invoke(ctx context.Context, skill, action string, params skills.Params) (*skills.ActionResult, error) {
	spec, err := a.skills.Spec(skill, action)
	if err != nil {
		return nil, err
	}

	actionKey := skills.ActionKey(skill, action, params)
	if spec.SideEffect {
		done, err := a.AlreadyPerformed(ctx, actionKey)
		if err != nil {
			return nil, err
		}
		if done {
			a.logger.Info("skipping already-performed side effect",
				zap.String("task_id", a.taskID),
				zap.String("action_key", actionKey))
			return &skills.ActionResult{Output: map[string]any{
				"already_performed": true,
				"action_key":        actionKey,
			}}, nil
		}
	}

	// The audit entry precedes the invocation: a crash between the two
	// reads as "performed" and is skipped, never repeated.
	payload, err := json.Marshal(map[string]any{
		"skill":       skill,
		"action":      action,
		"params":      redactParams(params),
		"side_effect": spec.SideEffect,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	entry := &store.AuditEntry{
		TaskID:    a.taskID,
		Kind:      store.AuditSkillInvocation,
		ActionKey: actionKey,
		Payload:   payload,
	}
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit skill invocation: %w", err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return a.skills.Invoke(ctx, skill, action, params)
}
