package engine

import (
	"regexp"
	"strings"
)

// secretKeyFragments mark parameter names whose values never reach the
// audit log in the clear.
var secretKeyFragments = []string{"token", "password", "secret", "api_key", "apikey", "credential"}

// secretValuePatterns catch well-known credential shapes appearing
// inside free-form values.
var secretValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{16,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
}

const redactedPlaceholder = "[REDACTED]"

// redactParams returns a copy of params safe for audit persistence.
func redactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		if isSecretKey(key) {
			out[key] = redactedPlaceholder
			continue
		}
		if s, ok := value.(string); ok {
			out[key] = redactString(s)
			continue
		}
		out[key] = value
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func redactString(s string) string {
	for _, pattern := range secretValuePatterns {
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
