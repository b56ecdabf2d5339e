package store

import (
	"encoding/json"
	"time"
)

// SessionStatus enumerates session lifecycle states.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// TaskStatus enumerates workflow states for a task.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskAnalyzing     TaskStatus = "analyzing"
	TaskRouted        TaskStatus = "routed"
	TaskExecuting     TaskStatus = "executing"
	TaskValidating    TaskStatus = "validating"
	TaskAwaitingHuman TaskStatus = "awaiting_human"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// StepKind enumerates recorded workflow transitions.
type StepKind string

const (
	StepAnalysis       StepKind = "analysis"
	StepRouting        StepKind = "routing"
	StepExecution      StepKind = "execution"
	StepValidation     StepKind = "validation"
	StepHumanInterrupt StepKind = "human_interrupt"
	StepRetry          StepKind = "retry"
)

// StepOutcome enumerates step results.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailure StepOutcome = "failure"
)

// AuditKind enumerates audit event categories.
type AuditKind string

const (
	AuditSkillInvocation     AuditKind = "skill_invocation"
	AuditHumanDecision       AuditKind = "human_decision"
	AuditValidationRejection AuditKind = "validation_rejection"
)

// Session is a root conversation context owning zero or more tasks.
type Session struct {
	ID        string            `json:"id"`
	Status    SessionStatus     `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Task is one orchestrated request. It is mutated exclusively by the
// orchestration engine and becomes immutable once terminal.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Request     string     `json:"request"`
	Status      TaskStatus `json:"status"`
	Response    string     `json:"response,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskStep is one immutable audit record of a workflow transition.
// Sequence numbers are strictly increasing and gap-free per task.
type TaskStep struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Kind      StepKind        `json:"kind"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Outcome   StepOutcome     `json:"outcome"`
	CreatedAt time.Time       `json:"created_at"`
}

// Checkpoint is a serialized engine state snapshot sufficient to resume a
// task from the step it corresponds to. The latest row per task is the
// authoritative one; older rows are retained for audit.
type Checkpoint struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is an immutable record of a security- or compliance-relevant
// event. ActionKey is the idempotency key for skill invocations.
type AuditEntry struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Kind      AuditKind       `json:"kind"`
	ActionKey string          `json:"action_key,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
