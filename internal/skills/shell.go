package skills

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const maxCommandOutput = 64 << 10 // truncate captured output past 64KiB

// ShellSkill runs commands through the system shell. It is disabled by
// default and must be enabled explicitly in configuration; every run is
// bounded by a timeout.
type ShellSkill struct {
	enabled bool
	workdir string
	timeout time.Duration
}

// NewShellSkill creates a shell skill. Commands run in workdir with the
// given timeout; a zero timeout falls back to 30 seconds.
func NewShellSkill(enabled bool, workdir string, timeout time.Duration) *ShellSkill {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellSkill{enabled: enabled, workdir: workdir, timeout: timeout}
}

func (s *ShellSkill) Name() string        { return "shell" }
func (s *ShellSkill) Description() string { return "Execute shell commands in the workspace" }

func (s *ShellSkill) Actions() []ActionSpec {
	return []ActionSpec{
		{
			Name:        "run_command",
			Description: "Run a command through /bin/sh -c",
			SideEffect:  true,
			Params: []ParamSpec{
				{Name: "command", Type: ParamString, Required: true, Description: "Command line to execute"},
			},
		},
	}
}

func (s *ShellSkill) Invoke(ctx context.Context, action string, params Params) (*ActionResult, error) {
	if action != "run_command" {
		return nil, fmt.Errorf("%w: shell.%s", ErrUnknownAction, action)
	}
	if !s.enabled {
		return nil, errors.New("shell skill is disabled")
	}

	command := params.String("command")
	if command == "" {
		return nil, fmt.Errorf("%w: command must not be empty", ErrInvalidParams)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("command timed out after %s", s.timeout)
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}

	return &ActionResult{Output: map[string]any{
		"stdout":    truncate(stdout.String(), maxCommandOutput),
		"stderr":    truncate(stderr.String(), maxCommandOutput),
		"exit_code": exitCode,
	}}, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}
