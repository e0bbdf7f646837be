package skills

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxOutputSize = 1 << 20 // 1MB per stream

// ShellSkill runs a host command. The dangerous-operation denylist is
// enforced by the policy engine before invocation; the skill itself only
// bounds output size and honors ctx cancellation.
type ShellSkill struct {
	logger *zap.Logger
}

func NewShellSkill(logger *zap.Logger) *ShellSkill {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellSkill{logger: logger}
}

func (s *ShellSkill) Name() string { return "shell" }

func (s *ShellSkill) Commands() []string { return []string{"run"} }

func (s *ShellSkill) RequiredParams(command string) []string {
	return []string{"command"}
}

func (s *ShellSkill) Invoke(ctx context.Context, command string, params map[string]any) (*Result, error) {
	if command != "run" {
		return fail(fmt.Sprintf("unknown shell command %q", command)), nil
	}
	line, _ := params["command"].(string)
	if strings.TrimSpace(line) == "" {
		return fail("missing required parameter: command"), nil
	}

	var args []string
	switch v := params["args"].(type) {
	case []string:
		args = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				args = append(args, s)
			}
		}
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, line, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	data := map[string]any{
		"stdout":      truncate(stdout.String(), maxOutputSize),
		"stderr":      truncate(stderr.String(), maxOutputSize),
		"duration_ms": duration.Milliseconds(),
		"truncated":   stdout.Len() > maxOutputSize || stderr.Len() > maxOutputSize,
	}

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is surfaced as an error so the executor reports
			// a timeout rather than a skill failure.
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			data["exit_code"] = exitErr.ExitCode()
			return &Result{Success: false, Message: fmt.Sprintf("exit code %d", exitErr.ExitCode()), Data: data}, nil
		}
		return nil, fmt.Errorf("start %s: %w", line, err)
	}

	data["exit_code"] = 0
	s.logger.Info("shell command executed",
		zap.String("command", line),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
	return &Result{Success: true, Message: "exit code 0", Data: data}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
