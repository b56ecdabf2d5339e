package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/maestro/internal/config"
)

const maxGitHubItems = 20

// GitHubSkill exposes a curated subset of the GitHub API. Read actions
// work anonymously (subject to rate limits); create_gist requires a
// token.
type GitHubSkill struct {
	client *github.Client
	authed bool
}

// NewGitHubSkill creates a GitHub skill. With an empty token the client
// is unauthenticated.
func NewGitHubSkill(ctx context.Context, token config.Secret) *GitHubSkill {
	if token.Value() == "" {
		return &GitHubSkill{client: github.NewClient(nil)}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	return &GitHubSkill{client: github.NewClient(tc), authed: true}
}

func (g *GitHubSkill) Name() string        { return "github" }
func (g *GitHubSkill) Description() string { return "Query repositories, issues and files on GitHub" }

func (g *GitHubSkill) Actions() []ActionSpec {
	return []ActionSpec{
		{
			Name:        "get_repo",
			Description: "Fetch repository metadata",
			Params: []ParamSpec{
				{Name: "owner", Type: ParamString, Required: true},
				{Name: "repo", Type: ParamString, Required: true},
			},
		},
		{
			Name:        "list_issues",
			Description: "List open issues of a repository",
			Params: []ParamSpec{
				{Name: "owner", Type: ParamString, Required: true},
				{Name: "repo", Type: ParamString, Required: true},
				{Name: "state", Type: ParamString, Required: false, Description: "open, closed or all"},
			},
		},
		{
			Name:        "search_repos",
			Description: "Search repositories by keyword",
			Params: []ParamSpec{
				{Name: "query", Type: ParamString, Required: true},
			},
		},
		{
			Name:        "get_file",
			Description: "Fetch a file's contents from a repository",
			Params: []ParamSpec{
				{Name: "owner", Type: ParamString, Required: true},
				{Name: "repo", Type: ParamString, Required: true},
				{Name: "path", Type: ParamString, Required: true},
				{Name: "ref", Type: ParamString, Required: false, Description: "Branch, tag or commit SHA"},
			},
		},
		{
			Name:        "list_commits",
			Description: "List recent commits of a repository",
			Params: []ParamSpec{
				{Name: "owner", Type: ParamString, Required: true},
				{Name: "repo", Type: ParamString, Required: true},
			},
		},
		{
			Name:        "create_gist",
			Description: "Create a gist from a single file",
			SideEffect:  true,
			Params: []ParamSpec{
				{Name: "filename", Type: ParamString, Required: true},
				{Name: "content", Type: ParamString, Required: true},
				{Name: "description", Type: ParamString, Required: false},
				{Name: "public", Type: ParamBool, Required: false},
			},
		},
	}
}

func (g *GitHubSkill) Invoke(ctx context.Context, action string, params Params) (*ActionResult, error) {
	switch action {
	case "get_repo":
		return g.getRepo(ctx, params)
	case "list_issues":
		return g.listIssues(ctx, params)
	case "search_repos":
		return g.searchRepos(ctx, params)
	case "get_file":
		return g.getFile(ctx, params)
	case "list_commits":
		return g.listCommits(ctx, params)
	case "create_gist":
		return g.createGist(ctx, params)
	default:
		return nil, fmt.Errorf("%w: github.%s", ErrUnknownAction, action)
	}
}

func (g *GitHubSkill) getRepo(ctx context.Context, params Params) (*ActionResult, error) {
	repo, _, err := g.client.Repositories.Get(ctx, params.String("owner"), params.String("repo"))
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return &ActionResult{Output: map[string]any{
		"full_name":      repo.GetFullName(),
		"description":    repo.GetDescription(),
		"stars":          repo.GetStargazersCount(),
		"forks":          repo.GetForksCount(),
		"language":       repo.GetLanguage(),
		"open_issues":    repo.GetOpenIssuesCount(),
		"default_branch": repo.GetDefaultBranch(),
	}}, nil
}

func (g *GitHubSkill) listIssues(ctx context.Context, params Params) (*ActionResult, error) {
	state := params.String("state")
	if state == "" {
		state = "open"
	}
	opts := &github.IssueListByRepoOptions{
		State:       state,
		ListOptions: github.ListOptions{PerPage: maxGitHubItems},
	}
	issues, _, err := g.client.Issues.ListByRepo(ctx, params.String("owner"), params.String("repo"), opts)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	items := make([]any, 0, len(issues))
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		items = append(items, map[string]any{
			"number": issue.GetNumber(),
			"title":  issue.GetTitle(),
			"state":  issue.GetState(),
			"url":    issue.GetHTMLURL(),
		})
	}
	return &ActionResult{Output: map[string]any{"issues": items, "count": len(items)}}, nil
}

func (g *GitHubSkill) searchRepos(ctx context.Context, params Params) (*ActionResult, error) {
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: maxGitHubItems}}
	result, _, err := g.client.Search.Repositories(ctx, params.String("query"), opts)
	if err != nil {
		return nil, fmt.Errorf("search repos: %w", err)
	}

	items := make([]any, 0, len(result.Repositories))
	for _, repo := range result.Repositories {
		items = append(items, map[string]any{
			"full_name":   repo.GetFullName(),
			"description": repo.GetDescription(),
			"stars":       repo.GetStargazersCount(),
		})
	}
	return &ActionResult{Output: map[string]any{
		"total": result.GetTotal(),
		"repos": items,
	}}, nil
}

func (g *GitHubSkill) getFile(ctx context.Context, params Params) (*ActionResult, error) {
	var opts *github.RepositoryContentGetOptions
	if ref := params.String("ref"); ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}
	file, _, _, err := g.client.Repositories.GetContents(ctx,
		params.String("owner"), params.String("repo"), params.String("path"), opts)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("path %q is a directory", params.String("path"))
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode file content: %w", err)
	}
	return &ActionResult{Output: map[string]any{
		"path":    file.GetPath(),
		"content": content,
		"sha":     file.GetSHA(),
	}}, nil
}

func (g *GitHubSkill) listCommits(ctx context.Context, params Params) (*ActionResult, error) {
	opts := &github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: maxGitHubItems}}
	commits, _, err := g.client.Repositories.ListCommits(ctx,
		params.String("owner"), params.String("repo"), opts)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}

	items := make([]any, 0, len(commits))
	for _, c := range commits {
		message := c.GetCommit().GetMessage()
		if i := strings.IndexByte(message, '\n'); i >= 0 {
			message = message[:i]
		}
		items = append(items, map[string]any{
			"sha":     c.GetSHA(),
			"message": message,
			"author":  c.GetCommit().GetAuthor().GetName(),
			"date":    c.GetCommit().GetAuthor().GetDate().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return &ActionResult{Output: map[string]any{"commits": items, "count": len(items)}}, nil
}

func (g *GitHubSkill) createGist(ctx context.Context, params Params) (*ActionResult, error) {
	if !g.authed {
		return nil, fmt.Errorf("create_gist requires a GitHub token")
	}

	filename := params.String("filename")
	gist := &github.Gist{
		Description: github.String(params.String("description")),
		Public:      github.Bool(params.Bool("public")),
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(filename): {Content: github.String(params.String("content"))},
		},
	}
	created, _, err := g.client.Gists.Create(ctx, gist)
	if err != nil {
		return nil, fmt.Errorf("create gist: %w", err)
	}
	return &ActionResult{Output: map[string]any{
		"id":  created.GetID(),
		"url": created.GetHTMLURL(),
	}}, nil
}
