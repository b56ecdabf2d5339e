package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// charsPerToken is the rough estimate used to convert the configured
// token budget into a character budget.
const charsPerToken = 4

// Manager composes short-term and long-term memory into a single
// prompt-context block under a token budget. Trimming order: oldest
// short-term exchanges go first; long-term hits are never truncated,
// they are requeried with a smaller k instead.
type Manager struct {
	short  *ShortTerm
	long   *LongTerm
	budget int // characters
	topK   int
	logger *zap.Logger
}

// NewManager creates a context manager. tokenBudget is in tokens.
func NewManager(short *ShortTerm, long *LongTerm, tokenBudget, topK int, logger *zap.Logger) *Manager {
	if tokenBudget <= 0 {
		tokenBudget = 6144
	}
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		short:  short,
		long:   long,
		budget: tokenBudget * charsPerToken,
		topK:   topK,
		logger: logger,
	}
}

// Build assembles the context block for a query. The result is empty
// when the session has no usable memory.
func (m *Manager) Build(ctx context.Context, sessionID, query string) (string, error) {
	exchanges, err := m.short.Recent(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("short-term memory: %w", err)
	}

	for k := m.topK; k >= 0; k-- {
		var hits []Hit
		if k > 0 {
			hits, err = m.long.Query(ctx, sessionID, query, k)
			if err != nil {
				return "", fmt.Errorf("long-term memory: %w", err)
			}
		}

		longSection := renderHits(hits)
		remaining := m.budget - len(longSection)
		if remaining < 0 {
			// Long-term section alone is over budget: requery smaller.
			continue
		}

		shortSection := renderExchanges(exchanges, remaining)
		block := joinSections(longSection, shortSection)
		if len(block) <= m.budget {
			if k < m.topK {
				m.logger.Debug("reduced long-term k to fit context budget",
					zap.String("session_id", sessionID),
					zap.Int("k", k))
			}
			return block, nil
		}
	}
	return "", nil
}

func renderHits(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, hit := range hits {
		b.WriteString("- ")
		b.WriteString(hit.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// renderExchanges renders newest-biased: it keeps as many exchanges as
// fit within limit, dropping the oldest first.
func renderExchanges(exchanges []Exchange, limit int) string {
	if len(exchanges) == 0 || limit <= 0 {
		return ""
	}

	lines := make([]string, len(exchanges))
	for i, ex := range exchanges {
		lines[i] = fmt.Sprintf("User: %s\nAssistant: %s\n", ex.Request, ex.Response)
	}

	const header = "Recent conversation:\n"
	total := len(header)
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		if total+len(lines[i]) > limit {
			break
		}
		total += len(lines[i])
		start = i
	}
	if start == len(lines) {
		return ""
	}
	return header + strings.Join(lines[start:], "")
}

func joinSections(sections ...string) string {
	var kept []string
	for _, s := range sections {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n")
}
