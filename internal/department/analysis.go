package department

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/maestro/internal/skills"
)

// AnalysisCrew handles analytical and quantitative requests. When the
// request carries an arithmetic expression it is evaluated with the
// calculator skill before the analyst reasons over the result.
type AnalysisCrew struct {
	deps    Deps
	analyst *agent
}

func NewAnalysisCrew(deps Deps) *AnalysisCrew {
	return &AnalysisCrew{
		deps:    deps,
		analyst: newAgent("analyst", deps.Inference, deps.AgentTimeout, deps.logger()),
	}
}

func (c *AnalysisCrew) Name() string        { return "analysis" }
func (c *AnalysisCrew) Description() string { return "Data analysis, comparison and calculation" }

func (c *AnalysisCrew) Accepts(intent string) bool {
	return matchesAny(intent, "analy", "calculat", "compar", "evaluat", "measur", "statist")
}

func (c *AnalysisCrew) Execute(ctx context.Context, input *Input) (*Result, error) {
	invoker := c.deps.skillsFor(input)

	var calculated string
	if expr, ok := input.Parameters["expression"].(string); ok && expr != "" {
		if !invoker.Has("calculator") {
			return nil, fmt.Errorf("%w: calculator", ErrSkillUnavailable)
		}
		result, err := invoker.Invoke(ctx, "calculator", "evaluate",
			skills.Params{"expression": expr})
		if err != nil {
			return nil, fmt.Errorf("evaluate expression: %w", err)
		}
		calculated = fmt.Sprintf("%s = %v", expr, result.Output["result"])
	}

	prompt := promptContext(input)
	if calculated != "" {
		prompt += "Computed: " + calculated + "\n"
	}
	prompt += "You are an analyst. Answer the task with clear reasoning; cite any computed values."

	answer, err := c.analyst.run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &Result{Response: answer, Confidence: 0.75}, nil
}

// matchesAny reports whether the lowercased intent contains any fragment.
func matchesAny(intent string, fragments ...string) bool {
	lower := strings.ToLower(intent)
	for _, f := range fragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}
