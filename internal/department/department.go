// Package department implements the execution crews tasks are routed
// to. Each crew is a small set of role agents sharing a scratchpad;
// agents call the inference client and invoke skills through the
// handle the engine provides.
package department

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/maestro/internal/skills"
)

var (
	// ErrSkillUnavailable indicates a crew needs a skill that is not
	// registered. Eligible for re-routing.
	ErrSkillUnavailable = errors.New("required skill unavailable")

	// ErrAgentTimeout indicates a role agent exceeded its time budget.
	ErrAgentTimeout = errors.New("agent timed out")
)

// Input is everything a crew receives for one execution.
type Input struct {
	TaskID     string
	SessionID  string
	Request    string
	Intent     string
	Parameters map[string]any

	// Memory is the composed context block, may be empty.
	Memory string

	// Skills, when set, overrides the crew's default skill handle. The
	// engine passes a per-task handle that audits every invocation.
	Skills skills.Invoker

	// Approved is set when a human approved this execution's pending
	// side-effecting actions; the crew re-enters past its approval gate.
	Approved bool
}

// Result is a crew's execution outcome.
type Result struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`

	// Plan lists the skill actions the crew performed or proposes.
	Plan []PlanStep `json:"plan,omitempty"`

	// NeedsApproval pauses the task for a human decision before the
	// plan's flagged actions run.
	NeedsApproval  bool   `json:"needs_approval,omitempty"`
	ApprovalReason string `json:"approval_reason,omitempty"`
}

// PlanStep is one skill action in a crew's plan.
type PlanStep struct {
	Skill  string         `json:"skill"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	Done   bool           `json:"done,omitempty"`
}

// Payload serializes the result for stage validation.
func (r *Result) Payload() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal department result: %w", err)
	}
	return data, nil
}

// Crew is the department contract. Accepts is a cheap intent check the
// router consults; Execute does the work.
type Crew interface {
	Name() string
	Description() string
	Accepts(intent string) bool
	Execute(ctx context.Context, input *Input) (*Result, error)
}

// Registry holds the configured crews by name.
type Registry struct {
	crews map[string]Crew
	order []string
}

// NewRegistry creates a registry over the given crews. Duplicate names
// are rejected.
func NewRegistry(crews ...Crew) (*Registry, error) {
	r := &Registry{crews: make(map[string]Crew, len(crews))}
	for _, c := range crews {
		if _, exists := r.crews[c.Name()]; exists {
			return nil, fmt.Errorf("duplicate department %q", c.Name())
		}
		r.crews[c.Name()] = c
		r.order = append(r.order, c.Name())
	}
	return r, nil
}

// Get returns the named crew.
func (r *Registry) Get(name string) (Crew, bool) {
	c, ok := r.crews[name]
	return c, ok
}

// Names returns department names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// DefaultCrews builds the standard department set. Research goes last:
// it accepts everything, so specific crews get first claim when the
// router scans for alternates.
func DefaultCrews(deps Deps) []Crew {
	return []Crew{
		NewGitHubCrew(deps),
		NewCodingCrew(deps),
		NewAnalysisCrew(deps),
		NewWritingCrew(deps),
		NewSocialCrew(deps),
		NewAutomationCrew(deps),
		NewResearchCrew(deps),
	}
}

// Alternates returns departments accepting the intent, excluding the
// given names. Used for validation-failure re-routing.
func (r *Registry) Alternates(intent string, exclude map[string]bool) []string {
	var out []string
	for _, name := range r.order {
		if exclude[name] {
			continue
		}
		if r.crews[name].Accepts(intent) {
			out = append(out, name)
		}
	}
	return out
}
