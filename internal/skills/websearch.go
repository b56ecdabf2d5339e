package skills

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultSearchResults = 5
	maxSearchBytes       = 1 << 20
)

// WebSearchSkill queries a SearxNG-compatible JSON search endpoint.
type WebSearchSkill struct {
	endpoint string
	client   *http.Client
}

// NewWebSearchSkill creates a web-search skill against the given
// endpoint base URL. An empty endpoint disables the skill at
// registration time; callers should skip registering it.
func NewWebSearchSkill(endpoint string, timeout time.Duration) *WebSearchSkill {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebSearchSkill{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *WebSearchSkill) Name() string        { return "websearch" }
func (w *WebSearchSkill) Description() string { return "Search the web via a SearxNG-compatible API" }

func (w *WebSearchSkill) Actions() []ActionSpec {
	return []ActionSpec{
		{
			Name:        "search",
			Description: "Run a web search and return the top results",
			Params: []ParamSpec{
				{Name: "query", Type: ParamString, Required: true, Description: "Search query"},
				{Name: "limit", Type: ParamInt, Required: false, Description: "Maximum results, default 5"},
			},
		},
	}
}

func (w *WebSearchSkill) Invoke(ctx context.Context, action string, params Params) (*ActionResult, error) {
	if action != "search" {
		return nil, fmt.Errorf("%w: websearch.%s", ErrUnknownAction, action)
	}

	query := params.String("query")
	if query == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidParams)
	}
	limit := params.Int("limit")
	if limit <= 0 {
		limit = defaultSearchResults
	}

	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("search endpoint returned invalid JSON")
	}

	var results []any
	gjson.GetBytes(body, "results").ForEach(func(_, item gjson.Result) bool {
		results = append(results, map[string]any{
			"title":   item.Get("title").String(),
			"url":     item.Get("url").String(),
			"snippet": item.Get("content").String(),
		})
		return len(results) < limit
	})

	return &ActionResult{Output: map[string]any{
		"query":   query,
		"results": results,
		"count":   len(results),
	}}, nil
}
