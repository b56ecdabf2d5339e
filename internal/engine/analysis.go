package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/maestro/internal/inference"
	"github.com/fyrsmithlabs/maestro/internal/validation"
)

const analysisPromptTemplate = `Classify the user request for routing.
Reply with ONLY a JSON object:
{"category": "<%s>", "intent": "<one-line action statement>", "complexity": "<simple|moderate|complex>", "parameters": {<extracted key-values>}}

Request: %s`

// analyze classifies the request with the inference backend. Transient
// inference failures and unparseable model output are retried under the
// backoff policy; exhaustion surfaces as an error the caller maps to
// AnalysisUnavailable.
func (e *Engine) analyze(ctx context.Context, request string) (*analysisResult, error) {
	prompt := fmt.Sprintf(analysisPromptTemplate, strings.Join(e.categories(), "|"), request)

	var result *analysisResult
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		out, err := e.inference.Complete(ctx, inference.Request{
			Prompt: prompt,
			Role:   "analyzer",
		})
		if err != nil {
			return err
		}

		parsed, err := parseAnalysis(out)
		if err != nil {
			// Malformed model output is worth another attempt.
			return fmt.Errorf("%w: %v", inference.ErrTransient, err)
		}

		payload, err := json.Marshal(parsed)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
		if res := e.validator.Validate(validation.StageAnalysis, "", payload); !res.OK {
			return fmt.Errorf("%w: analysis rejected: %v", inference.ErrTransient, res.Violations)
		}

		result = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseAnalysis extracts the classification object from model output,
// tolerating code fences and surrounding prose.
func parseAnalysis(out string) (*analysisResult, error) {
	raw := extractObject(out)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in analysis output")
	}

	doc := gjson.Parse(raw)
	result := &analysisResult{
		Category:   strings.ToLower(strings.TrimSpace(doc.Get("category").String())),
		Intent:     strings.TrimSpace(doc.Get("intent").String()),
		Complexity: strings.ToLower(strings.TrimSpace(doc.Get("complexity").String())),
	}
	if result.Category == "" || result.Intent == "" {
		return nil, fmt.Errorf("analysis output missing category or intent")
	}

	if params := doc.Get("parameters"); params.IsObject() {
		result.Parameters = make(map[string]any)
		for k, v := range params.Map() {
			result.Parameters[k] = v.Value()
		}
	}
	return result, nil
}

// extractObject finds the first JSON object in text, stripping markdown
// code fences when present.
func extractObject(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	candidate := text[start:]
	if !gjson.Parse(candidate).IsObject() {
		return ""
	}
	return candidate
}
