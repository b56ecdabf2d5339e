package department

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/maestro/internal/skills"
)

// ResearchCrew answers information-gathering requests. It is the
// fallback department: it accepts every intent. A researcher agent and
// an optional web search run concurrently, then a writer agent
// collates the scratchpad into the final answer.
type ResearchCrew struct {
	deps       Deps
	researcher *agent
	writer     *agent
}

func NewResearchCrew(deps Deps) *ResearchCrew {
	return &ResearchCrew{
		deps:       deps,
		researcher: newAgent("researcher", deps.Inference, deps.AgentTimeout, deps.logger()),
		writer:     newAgent("writer", deps.Inference, deps.AgentTimeout, deps.logger()),
	}
}

func (c *ResearchCrew) Name() string        { return "research" }
func (c *ResearchCrew) Description() string { return "General research and question answering" }

// Accepts always returns true; research is the catch-all department.
func (c *ResearchCrew) Accepts(string) bool { return true }

func (c *ResearchCrew) Execute(ctx context.Context, input *Input) (*Result, error) {
	pad := NewScratchpad()
	invoker := c.deps.skillsFor(input)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prompt := promptContext(input) +
			"You are a researcher. Write concise factual notes answering the task from what you know."
		notes, err := c.researcher.run(gctx, prompt)
		if err != nil {
			return err
		}
		return pad.Put("researcher", "notes", notes)
	})
	if invoker.Has("websearch") {
		g.Go(func() error {
			result, err := invoker.Invoke(gctx, "websearch", "search",
				skills.Params{"query": input.Intent})
			if err != nil {
				// Search is best-effort; the researcher's notes stand alone.
				c.deps.logger().Warn("web search failed", zap.Error(err))
				return nil
			}
			return pad.Put("searcher", "search_results", renderSearchResults(result))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	prompt := promptContext(input) + "Notes:\n" + pad.GetString("notes")
	if sr := pad.GetString("search_results"); sr != "" {
		prompt += "\n\nSearch results:\n" + sr
	}
	prompt += "\n\nYou are a writer. Compose the final answer to the task from the notes and search results."

	answer, err := c.writer.run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &Result{Response: answer, Confidence: 0.7}, nil
}

func renderSearchResults(result *skills.ActionResult) string {
	items, _ := result.Output["results"].([]any)
	var b strings.Builder
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %v (%v): %v\n", entry["title"], entry["url"], entry["snippet"])
	}
	return b.String()
}
