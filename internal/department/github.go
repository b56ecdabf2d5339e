package department

import (
	"context"
	"fmt"
	"strings"
)

// GitHubCrew handles repository, issue and gist requests through the
// github skill. Gist creation is side-effecting and sits behind the
// approval gate.
type GitHubCrew struct {
	deps Deps
	lead *agent
}

func NewGitHubCrew(deps Deps) *GitHubCrew {
	return &GitHubCrew{
		deps: deps,
		lead: newAgent("github-lead", deps.Inference, deps.AgentTimeout, deps.logger()),
	}
}

func (c *GitHubCrew) Name() string        { return "github" }
func (c *GitHubCrew) Description() string { return "GitHub repositories, issues, files and gists" }

func (c *GitHubCrew) Accepts(intent string) bool {
	return matchesAny(intent, "github", "repo", "issue", "pull request", "gist", "commit")
}

func (c *GitHubCrew) Execute(ctx context.Context, input *Input) (*Result, error) {
	invoker := c.deps.skillsFor(input)
	if !invoker.Has("github") {
		return nil, fmt.Errorf("%w: github", ErrSkillUnavailable)
	}

	plan := carriedPlan(input)
	if plan == nil {
		out, err := c.lead.run(ctx, promptContext(input)+githubPlanPrompt)
		if err != nil {
			return nil, err
		}
		plan, err = parsePlan(out)
		if err != nil {
			return nil, fmt.Errorf("github plan: %w", err)
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

	summary, err := c.lead.run(ctx, promptContext(input)+
		"API results:\n"+strings.Join(stepResults, "\n")+
		"\n\nAnswer the task from the API results above.")
	if err != nil {
		return nil, err
	}
	return &Result{Response: summary, Confidence: 0.85, Plan: plan}, nil
}

const githubPlanPrompt = `Reply with ONLY a JSON array of steps.
Each step: {"skill": "github", "action": "...", "params": {...}}.
Actions: get_repo(owner, repo), list_issues(owner, repo), search_repos(query),
get_file(owner, repo, path), list_commits(owner, repo), create_gist(filename, content, description, public).`
