package engine

import "errors"

var (
	// ErrValidation rejects malformed caller input before any state is
	// written.
	ErrValidation = errors.New("invalid request")

	// ErrInvalidState rejects an operation the task's current status
	// does not admit (e.g. resume on a task not awaiting a human).
	ErrInvalidState = errors.New("invalid task state")
)

// Error kinds recorded on a failed task's error_kind column. These are
// the user-visible taxonomy; internal detail goes to the log.
const (
	KindValidationError     = "ValidationError"
	KindAnalysisUnavailable = "AnalysisUnavailable"
	KindSkillInvocation     = "SkillInvocationError"
	KindValidationExhausted = "ValidationExhausted"
	KindHumanRejected       = "HumanRejected"
	KindStateCorruption     = "StateCorruption"
	KindCancelled           = "Cancelled"
	KindLimitExceeded       = "LimitExceeded"
)
