package department

import (
	"context"
	"fmt"
	"strings"
)

// CodingCrew handles implementation requests. A lead agent plans the
// file and shell actions, workers execute them through the skill
// handle, and the lead summarizes the outcome. Side-effecting steps on
// the approval list pause the task for a human decision.
type CodingCrew struct {
	deps Deps
	lead *agent
}

func NewCodingCrew(deps Deps) *CodingCrew {
	return &CodingCrew{
		deps: deps,
		lead: newAgent("coding-lead", deps.Inference, deps.AgentTimeout, deps.logger()),
	}
}

func (c *CodingCrew) Name() string        { return "coding" }
func (c *CodingCrew) Description() string { return "Code writing, refactoring and debugging" }

func (c *CodingCrew) Accepts(intent string) bool {
	return matchesAny(intent, "cod", "implement", "refactor", "debug", "script", "program", "fix")
}

func (c *CodingCrew) Execute(ctx context.Context, input *Input) (*Result, error) {
	invoker := c.deps.skillsFor(input)
	if !invoker.Has("file") {
		return nil, fmt.Errorf("%w: file", ErrSkillUnavailable)
	}

	plan, err := c.plan(ctx, input)
	if err != nil {
		return nil, err
	}

	stepResults, pending, err := runPlan(ctx, c.deps, invoker, plan, input.Approved)
	if err != nil {
		return nil, err
	}
	if pending {
		return &Result{
			Response:       "execution paused for approval",
			Plan:           plan,
			NeedsApproval:  true,
			ApprovalReason: pendingReason(plan),
		}, nil
	}

	prompt := promptContext(input) +
		"Executed steps:\n" + strings.Join(stepResults, "\n") +
		"\n\nYou are the coding lead. Summarize what was done and the result for the user."
	summary, err := c.lead.run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &Result{Response: summary, Confidence: 0.8, Plan: plan}, nil
}

// plan asks the lead for a JSON action plan. Resumed executions reuse
// the plan carried in parameters instead of replanning, so the
// approved actions are exactly the ones that run.
func (c *CodingCrew) plan(ctx context.Context, input *Input) ([]PlanStep, error) {
	if carried := carriedPlan(input); carried != nil {
		return carried, nil
	}

	prompt := promptContext(input) + planPrompt
	out, err := c.lead.run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	plan, err := parsePlan(out)
	if err != nil {
		return nil, fmt.Errorf("coding plan: %w", err)
	}
	return plan, nil
}

const planPrompt = `You are the coding lead. Reply with ONLY a JSON array of steps.
Each step: {"skill": "...", "action": "...", "params": {...}}.
Available: file.read_file(path), file.write_file(path, content), file.list_dir(path), shell.run_command(command).`

func pendingReason(plan []PlanStep) string {
	for _, step := range plan {
		if !step.Done {
			return fmt.Sprintf("pending action %s.%s requires approval", step.Skill, step.Action)
		}
	}
	return "pending actions require approval"
}

// carriedPlan recovers a plan from input parameters on resume.
func carriedPlan(input *Input) []PlanStep {
	raw, ok := input.Parameters["plan"].([]PlanStep)
	if !ok || len(raw) == 0 {
		return nil
	}
	return raw
}
