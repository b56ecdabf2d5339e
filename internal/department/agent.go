package department

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/inference"
)

// agent is one role inside a crew. It renders a prompt from the input
// and scratchpad and runs a single completion under its time budget.
type agent struct {
	role    string
	client  inference.Client
	timeout time.Duration
	logger  *zap.Logger
}

func newAgent(role string, client inference.Client, timeout time.Duration, logger *zap.Logger) *agent {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &agent{role: role, client: client, timeout: timeout, logger: logger}
}

// run completes the prompt. Deadline overruns map to ErrAgentTimeout.
func (a *agent) run(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	out, err := a.client.Complete(ctx, inference.Request{Prompt: prompt, Role: a.role})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s", ErrAgentTimeout, a.role, a.timeout)
		}
		return "", fmt.Errorf("agent %s: %w", a.role, err)
	}

	a.logger.Debug("agent completed",
		zap.String("role", a.role),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("output_len", len(out)))
	return strings.TrimSpace(out), nil
}

// promptContext renders the shared preamble every agent prompt carries.
func promptContext(input *Input) string {
	var b strings.Builder
	if input.Memory != "" {
		b.WriteString(input.Memory)
		b.WriteString("\n")
	}
	b.WriteString("Task: ")
	b.WriteString(input.Request)
	b.WriteString("\nIntent: ")
	b.WriteString(input.Intent)
	b.WriteString("\n")
	return b.String()
}
