// Package executor runs a single action through the full execution
// pipeline: skill resolution, security policy checks, dry-run short
// circuit, and the bounded invocation itself. Policy checks fail closed
// and always run, dry run included.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nova-ops/nova/internal/action"
	"github.com/nova-ops/nova/internal/policy"
	"github.com/nova-ops/nova/internal/skills"
	"github.com/nova-ops/nova/internal/telemetry"
)

const defaultTimeout = 60 * time.Second

// Result classifies one execution outcome. Blocked and NotFound are
// distinguishable from a skill that ran and failed; audit depends on that.
type Result struct {
	Status   action.Status // success, failed or dry_run_completed
	Success  bool
	Message  string
	Data     map[string]any
	DryRun   bool
	Blocked  bool
	NotFound bool
	TimedOut bool
}

// Options bounds one execution.
type Options struct {
	// Timeout bounds the invocation. Zero means the executor default.
	Timeout time.Duration
	// Retry enables bounded exponential-backoff retry on transient
	// failures (transport errors, timeouts). Policy blocks, unknown
	// skills and ran-and-failed results are never retried.
	Retry      bool
	MaxRetries uint64
}

// Executor resolves and invokes skills under the security policy.
type Executor struct {
	registry *skills.Registry
	policy   *policy.Engine
	logger   *zap.Logger
}

// New creates an executor.
func New(registry *skills.Registry, engine *policy.Engine, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, policy: engine, logger: logger}
}

// Execute runs one action and returns its classified outcome. It never
// panics and never returns an error; everything is folded into the Result.
func (e *Executor) Execute(ctx context.Context, act *action.Action, opts Options) *Result {
	ctx, span := telemetry.StartExecuteSpan(ctx, act.ID, act.Skill, act.Command, string(act.Mode))
	res := e.execute(ctx, act, opts)
	telemetry.EndExecuteSpan(span, string(res.Status), res.Message)
	return res
}

func (e *Executor) execute(ctx context.Context, act *action.Action, opts Options) *Result {
	// Security policy first, fail closed. Dry run does not skip this.
	if err := e.policy.Evaluate(act.Skill, act.Command, act.Parameters); err != nil {
		e.logger.Warn("action blocked by policy",
			zap.String("action_id", act.ID),
			zap.String("skill", act.Skill),
			zap.String("command", act.Command),
			zap.Error(err),
		)
		return &Result{Status: action.StatusFailed, Message: err.Error(), Blocked: true}
	}

	sk, found := e.registry.Resolve(act.Skill)
	if !found {
		return &Result{
			Status:   action.StatusFailed,
			Message:  fmt.Sprintf("skill %q not found", act.Skill),
			NotFound: true,
		}
	}
	if !hasCommand(sk, act.Command) {
		return &Result{
			Status:   action.StatusFailed,
			Message:  fmt.Sprintf("skill %q has no command %q", act.Skill, act.Command),
			NotFound: true,
		}
	}

	if act.Mode == action.ModeDryRun {
		return &Result{
			Status:  action.StatusDryRunCompleted,
			Success: true,
			DryRun:  true,
			Message: fmt.Sprintf("dry run: %s.%s validated, entry point not invoked", act.Skill, act.Command),
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var res *skills.Result
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := sk.Invoke(attemptCtx, act.Command, act.Parameters)
		if err != nil {
			// Transient: transport errors and timeouts may be retried.
			return err
		}
		res = r
		return nil
	}

	var err error
	if opts.Retry {
		maxRetries := opts.MaxRetries
		if maxRetries == 0 {
			maxRetries = 3
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
		err = backoff.Retry(op, bo)
	} else {
		err = op()
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("action timed out",
				zap.String("action_id", act.ID),
				zap.Duration("timeout", timeout),
				zap.Int("attempts", attempt),
			)
			return &Result{
				Status:   action.StatusFailed,
				Message:  fmt.Sprintf("timeout after %s", timeout),
				TimedOut: true,
			}
		}
		return &Result{Status: action.StatusFailed, Message: err.Error()}
	}

	out := &Result{
		Success: res.Success,
		Message: res.Message,
		Data:    res.Data,
	}
	if res.Success {
		out.Status = action.StatusSuccess
	} else {
		out.Status = action.StatusFailed
	}

	e.logger.Info("action executed",
		zap.String("action_id", act.ID),
		zap.String("skill", act.Skill),
		zap.String("command", act.Command),
		zap.String("status", string(out.Status)),
		zap.Int("attempts", attempt),
	)
	return out
}

func hasCommand(sk skills.Skill, command string) bool {
	for _, c := range sk.Commands() {
		if c == command {
			return true
		}
	}
	return false
}
