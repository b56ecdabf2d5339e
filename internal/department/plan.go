package department

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/inference"
	"github.com/fyrsmithlabs/maestro/internal/skills"
)

// Deps are the shared services every crew receives.
type Deps struct {
	Inference inference.Client
	Skills    skills.Invoker

	// ApprovalRequired lists "skill.action" pairs that must not run
	// without a human decision.
	ApprovalRequired []string

	AgentTimeout time.Duration
	Logger       *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// skillsFor resolves the skill handle for one execution: the engine's
// per-task handle when provided, the default otherwise.
func (d Deps) skillsFor(input *Input) skills.Invoker {
	if input.Skills != nil {
		return input.Skills
	}
	return d.Skills
}

func (d Deps) requiresApproval(skill, action string) bool {
	key := skill + "." + action
	for _, entry := range d.ApprovalRequired {
		if entry == key {
			return true
		}
	}
	return false
}

// parsePlan extracts a JSON plan array from model output. The model is
// prompted to answer with a bare array; code fences and surrounding
// prose are tolerated.
func parsePlan(output string) ([]PlanStep, error) {
	raw := extractJSON(output)
	if raw == "" {
		return nil, fmt.Errorf("no JSON plan in model output")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("plan is not a JSON array")
	}

	var steps []PlanStep
	var parseErr error
	parsed.ForEach(func(idx, item gjson.Result) bool {
		skill := item.Get("skill").String()
		action := item.Get("action").String()
		if skill == "" || action == "" {
			parseErr = fmt.Errorf("plan step %d missing skill or action", idx.Int())
			return false
		}
		params := make(map[string]any)
		if p := item.Get("params"); p.IsObject() {
			for k, v := range p.Map() {
				params[k] = v.Value()
			}
		}
		steps = append(steps, PlanStep{Skill: skill, Action: action, Params: params})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return steps, nil
}

// extractJSON finds the first JSON array or object in text, stripping
// markdown code fences when present.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	for _, open := range []byte{'[', '{'} {
		start := strings.IndexByte(text, open)
		if start < 0 {
			continue
		}
		candidate := text[start:]
		if parsed := gjson.Parse(candidate); parsed.IsArray() || parsed.IsObject() {
			return candidate
		}
	}
	return ""
}

// runPlan executes plan steps in order through the skill handle. When
// an un-approved step requires human approval, execution stops and the
// remaining plan is returned with pending=true; already-done steps are
// marked so a resumed execution skips them.
func runPlan(ctx context.Context, deps Deps, invoker skills.Invoker, steps []PlanStep, approved bool) (results []string, pending bool, err error) {
	for i := range steps {
		step := &steps[i]
		if step.Done {
			continue
		}
		if !approved && deps.requiresApproval(step.Skill, step.Action) {
			return results, true, nil
		}

		if !invoker.Has(step.Skill) {
			return nil, false, fmt.Errorf("%w: %s", ErrSkillUnavailable, step.Skill)
		}
		result, err := invoker.Invoke(ctx, step.Skill, step.Action, skills.Params(step.Params))
		if err != nil {
			return nil, false, fmt.Errorf("plan step %s.%s: %w", step.Skill, step.Action, err)
		}
		step.Done = true
		results = append(results, summarizeOutput(step, result))
	}
	return results, false, nil
}

// summarizeOutput renders one step result for the collation prompt.
func summarizeOutput(step *PlanStep, result *skills.ActionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.%s:", step.Skill, step.Action)
	for key, value := range result.Output {
		fmt.Fprintf(&b, " %s=%v", key, value)
	}
	return b.String()
}
