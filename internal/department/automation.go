package department

import (
	"context"
	"fmt"
	"strings"
)

// AutomationCrew executes operational requests: running commands,
// moving files, scripted sequences. Every shell step requires human
// approval unless configured otherwise.
type AutomationCrew struct {
	deps Deps
	lead *agent
}

func NewAutomationCrew(deps Deps) *AutomationCrew {
	return &AutomationCrew{
		deps: deps,
		lead: newAgent("automation-lead", deps.Inference, deps.AgentTimeout, deps.logger()),
	}
}

func (c *AutomationCrew) Name() string        { return "automation" }
func (c *AutomationCrew) Description() string { return "Shell and file automation sequences" }

func (c *AutomationCrew) Accepts(intent string) bool {
	return matchesAny(intent, "run", "automat", "execut", "shell", "command", "install", "deploy")
}

func (c *AutomationCrew) Execute(ctx context.Context, input *Input) (*Result, error) {
	invoker := c.deps.skillsFor(input)
	if !invoker.Has("shell") && !invoker.Has("file") {
		return nil, fmt.Errorf("%w: shell or file", ErrSkillUnavailable)
	}

	plan := carriedPlan(input)
	if plan == nil {
		out, err := c.lead.run(ctx, promptContext(input)+automationPlanPrompt)
		if err != nil {
			return nil, err
		}
		plan, err = parsePlan(out)
		if err != nil {
			return nil, fmt.Errorf("automation plan: %w", err)
		}
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

	return &Result{
		Response:   "Executed " + fmt.Sprint(len(plan)) + " step(s):\n" + strings.Join(stepResults, "\n"),
		Confidence: 0.8,
		Plan:       plan,
	}, nil
}

const automationPlanPrompt = `Reply with ONLY a JSON array of steps.
Each step: {"skill": "...", "action": "...", "params": {...}}.
Available: shell.run_command(command), file.read_file(path), file.write_file(path, content), file.list_dir(path).`
