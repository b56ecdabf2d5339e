package department

import (
	"context"
)

// WritingCrew produces prose: drafts, summaries, documents. A drafter
// writes, an editor revises; strictly sequential.
type WritingCrew struct {
	drafter *agent
	editor  *agent
}

func NewWritingCrew(deps Deps) *WritingCrew {
	return &WritingCrew{
		drafter: newAgent("drafter", deps.Inference, deps.AgentTimeout, deps.logger()),
		editor:  newAgent("editor", deps.Inference, deps.AgentTimeout, deps.logger()),
	}
}

func (c *WritingCrew) Name() string        { return "writing" }
func (c *WritingCrew) Description() string { return "Drafting, summarizing and editing prose" }

func (c *WritingCrew) Accepts(intent string) bool {
	return matchesAny(intent, "writ", "draft", "summar", "blog", "email", "document", "letter", "essay")
}

func (c *WritingCrew) Execute(ctx context.Context, input *Input) (*Result, error) {
	draft, err := c.drafter.run(ctx, promptContext(input)+
		"You are a drafter. Write a first draft fulfilling the task.")
	if err != nil {
		return nil, err
	}

	final, err := c.editor.run(ctx, promptContext(input)+
		"Draft:\n"+draft+
		"\n\nYou are an editor. Revise the draft for clarity and correctness; output only the final text.")
	if err != nil {
		return nil, err
	}
	return &Result{Response: final, Confidence: 0.8}, nil
}
