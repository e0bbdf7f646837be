package queue

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nova-ops/nova/internal/action"
	"github.com/nova-ops/nova/internal/executor"
	"github.com/nova-ops/nova/internal/metrics"
	"github.com/nova-ops/nova/internal/policy"
	"github.com/nova-ops/nova/internal/skills"
	"github.com/nova-ops/nova/internal/telemetry"
)

// ErrAlreadyProcessed marks a second decision on the same action.
var ErrAlreadyProcessed = errors.New("action already processed")

// Recorder mirrors terminal actions into a durable audit trail.
type Recorder interface {
	RecordTerminal(act *action.Action, durationMs int64)
}

// Publisher pushes action lifecycle events to external listeners.
type Publisher interface {
	Publish(event string, act *action.Action)
}

// Config bounds coordinator behavior.
type Config struct {
	// MaxConcurrentActions caps simultaneous skill executions.
	MaxConcurrentActions int64
	// ExecTimeout bounds each skill invocation.
	ExecTimeout time.Duration
	// Retry enables bounded backoff retry on transient execution failures.
	Retry      bool
	MaxRetries uint64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentActions: 4,
		ExecTimeout:          60 * time.Second,
	}
}

// Coordinator owns the submit -> approve/deny -> execute -> record pipeline.
// All record mutation goes through it under a per-action lock; across
// different actions no ordering is guaranteed.
type Coordinator struct {
	repo     *Repository
	registry *skills.Registry
	engine   *policy.Engine
	exec     *executor.Executor
	metrics  *metrics.Registry
	audit    Recorder  // optional
	notify   Publisher // optional
	logger   *zap.Logger
	sem      *semaphore.Weighted
	cfg      Config

	locks sync.Map // action id -> *sync.Mutex
}

// NewCoordinator wires the pipeline. audit and notify may be nil.
func NewCoordinator(
	repo *Repository,
	registry *skills.Registry,
	engine *policy.Engine,
	exec *executor.Executor,
	reg *metrics.Registry,
	audit Recorder,
	notify Publisher,
	logger *zap.Logger,
	cfg Config,
) *Coordinator {
	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = DefaultConfig().MaxConcurrentActions
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultConfig().ExecTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		repo:     repo,
		registry: registry,
		engine:   engine,
		exec:     exec,
		metrics:  reg,
		audit:    audit,
		notify:   notify,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentActions),
		cfg:      cfg,
	}
}

// SubmitRequest is one submission.
type SubmitRequest struct {
	Skill       string         `json:"skill"`
	Command     string         `json:"command"`
	Parameters  map[string]any `json:"parameters"`
	Mode        string         `json:"mode"`
	RequestedBy string         `json:"requested_by"`
}

// SubmitResult reports the submission outcome. Validation and policy
// failures return Success=false with a descriptive error; nothing is
// persisted for them.
type SubmitResult struct {
	Success  bool   `json:"success"`
	ActionID string `json:"action_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Submit validates, persists and (for DryRun/Execute modes) immediately
// processes a new action.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	ctx, span := telemetry.StartSubmitSpan(ctx, req.Skill, req.Command, req.Mode)
	defer span.End()

	if strings.TrimSpace(req.Skill) == "" {
		return SubmitResult{Error: "skill must not be empty"}
	}
	if strings.TrimSpace(req.Command) == "" {
		return SubmitResult{Error: "command must not be empty"}
	}
	mode, err := action.ParseMode(req.Mode)
	if err != nil {
		return SubmitResult{Error: err.Error()}
	}

	// Required parameters are validated for known skills; unknown skills
	// pass submission and fail at execution with a typed not-found result.
	if sk, ok := c.registry.Resolve(req.Skill); ok {
		for _, name := range sk.RequiredParams(req.Command) {
			if v, ok := req.Parameters[name]; !ok || v == "" || v == nil {
				return SubmitResult{Error: fmt.Sprintf("command %s.%s requires parameter %q", req.Skill, req.Command, name)}
			}
		}
	}

	// Fail fast on policy: a blocked action is never persisted, so it can
	// never reach an executing state. The executor re-checks regardless.
	if err := c.engine.Evaluate(req.Skill, req.Command, req.Parameters); err != nil {
		c.logger.Warn("submission blocked by policy",
			zap.String("skill", req.Skill),
			zap.String("command", req.Command),
			zap.Error(err),
		)
		return SubmitResult{Error: err.Error()}
	}

	requestedBy := strings.TrimSpace(req.RequestedBy)
	if requestedBy == "" {
		requestedBy = currentUser()
	}

	act, err := action.New(req.Skill, req.Command, req.Parameters, mode, requestedBy)
	if err != nil {
		return SubmitResult{Error: err.Error()}
	}

	if err := c.repo.Save(act); err != nil {
		c.logger.Error("action not persisted", zap.String("action_id", act.ID), zap.Error(err))
		return SubmitResult{Error: fmt.Sprintf("persist action: %v", err)}
	}

	c.metrics.Inc("actions_submitted", map[string]string{"skill": act.Skill, "mode": string(act.Mode)})
	c.publish("action.submitted", act)
	c.logger.Info("action submitted",
		zap.String("action_id", act.ID),
		zap.String("skill", act.Skill),
		zap.String("command", act.Command),
		zap.String("mode", string(act.Mode)),
		zap.String("requested_by", act.RequestedBy),
	)

	if mode != action.ModeRequireApproval {
		unlock := c.lock(act.ID)
		c.process(ctx, act)
		unlock()
	}

	return SubmitResult{Success: true, ActionID: act.ID, Status: string(act.Status)}
}

// Approve authorizes a pending RequireApproval action and immediately
// executes it. Only legal while the action is still pending; a second
// decision fails with ErrAlreadyProcessed.
func (c *Coordinator) Approve(ctx context.Context, id, reason string) (*action.Action, error) {
	unlock := c.lock(id)
	defer unlock()

	act, err := c.loadPending(id)
	if err != nil {
		return nil, err
	}

	if err := act.Transition(action.StatusApproved); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, act.Status)
	}
	act.Reason = reason
	if err := c.repo.Update(act); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}

	c.metrics.Inc("actions_approved", map[string]string{"skill": act.Skill})
	c.publish("action.approved", act)
	c.logger.Info("action approved", zap.String("action_id", id), zap.String("reason", reason))

	c.process(ctx, act)
	return act, nil
}

// Deny rejects a pending action. The reason is mandatory; denial is
// terminal and never invokes the skill executor.
func (c *Coordinator) Deny(ctx context.Context, id, reason string) (*action.Action, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.New("denial reason must not be empty")
	}

	unlock := c.lock(id)
	defer unlock()

	act, err := c.loadPending(id)
	if err != nil {
		return nil, err
	}

	if err := act.Transition(action.StatusDenied); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, act.Status)
	}
	act.Reason = reason
	if err := c.repo.MoveToOutbox(act); err != nil {
		return nil, fmt.Errorf("persist denial: %w", err)
	}

	c.metrics.Inc("actions_denied", map[string]string{"skill": act.Skill})
	c.record(act, 0)
	c.publish("action.denied", act)
	c.logger.Info("action denied", zap.String("action_id", id), zap.String("reason", reason))
	return act, nil
}

// ProcessOne executes a single open action by id.
func (c *Coordinator) ProcessOne(ctx context.Context, id string) (*action.Action, error) {
	unlock := c.lock(id)
	defer unlock()

	act, err := c.loadOpen(id)
	if err != nil {
		return nil, err
	}
	if act.Mode == action.ModeRequireApproval && act.Status == action.StatusPending {
		return nil, fmt.Errorf("action %s is awaiting approval", id)
	}

	c.process(ctx, act)
	return act, nil
}

// ProcessAll scans the inbox and executes every record not waiting for a
// human decision. Executions run concurrently, bounded by
// MaxConcurrentActions. Returns the number of processed actions.
func (c *Coordinator) ProcessAll(ctx context.Context) int {
	open := c.repo.ListInbox()

	var wg sync.WaitGroup
	var processed atomic.Int64
	for _, act := range open {
		if act.Mode == action.ModeRequireApproval && act.Status == action.StatusPending {
			continue
		}
		wg.Add(1)
		go func(a *action.Action) {
			defer wg.Done()
			unlock := c.lock(a.ID)
			defer unlock()
			// Re-read under the lock; a concurrent caller may have
			// finished this record since the scan, and a record that
			// already left the inbox must not be counted.
			if !c.repo.InInbox(a.ID) {
				return
			}
			processed.Add(1)
			c.process(ctx, a)
		}(act)
	}
	wg.Wait()
	return int(processed.Load())
}

// QueueStatus summarizes both directories.
type QueueStatus struct {
	InboxCount           int              `json:"inbox_count"`
	OutboxCount          int              `json:"outbox_count"`
	PendingApprovalCount int              `json:"pending_approval_count"`
	Inbox                []*action.Action `json:"inbox"`
	Outbox               []*action.Action `json:"outbox"`
}

// GetQueueStatus scans both directories. Safe to call concurrently with
// executions; corrupt records are skipped by the repository.
func (c *Coordinator) GetQueueStatus() QueueStatus {
	inbox := c.repo.ListInbox()
	outbox := c.repo.ListOutbox()

	pending := 0
	for _, act := range inbox {
		if act.Mode == action.ModeRequireApproval && act.Status == action.StatusPending {
			pending++
		}
	}
	return QueueStatus{
		InboxCount:           len(inbox),
		OutboxCount:          len(outbox),
		PendingApprovalCount: pending,
		Inbox:                inbox,
		Outbox:               outbox,
	}
}

// GetActionHistory returns terminal records, optionally bounded by a
// submission-time window. Zero times mean unbounded.
func (c *Coordinator) GetActionHistory(from, to time.Time) []*action.Action {
	var out []*action.Action
	for _, act := range c.repo.ListOutbox() {
		if !from.IsZero() && act.SubmittedAt.Before(from) {
			continue
		}
		if !to.IsZero() && act.SubmittedAt.After(to) {
			continue
		}
		out = append(out, act)
	}
	return out
}

// Get returns one action from either directory.
func (c *Coordinator) Get(id string) (*action.Action, error) {
	return c.repo.Load(id)
}

// process drives one authorized action through execution and into the
// outbox. The caller must hold the per-action lock.
func (c *Coordinator) process(ctx context.Context, act *action.Action) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.logger.Warn("execution slot not acquired", zap.String("action_id", act.ID), zap.Error(err))
		return
	}
	defer c.sem.Release(1)

	// A crash can leave an inbox record already marked executing; skip
	// the transition in that case and just re-run it.
	if act.Status != action.StatusExecuting {
		if err := act.Transition(action.StatusExecuting); err != nil {
			c.logger.Warn("record not executable", zap.String("action_id", act.ID), zap.Error(err))
			return
		}
		if err := c.repo.Update(act); err != nil {
			c.logger.Warn("executing state not persisted", zap.String("action_id", act.ID), zap.Error(err))
		}
	}

	start := time.Now()
	res := c.exec.Execute(ctx, act, executor.Options{
		Timeout:    c.cfg.ExecTimeout,
		Retry:      c.cfg.Retry,
		MaxRetries: c.cfg.MaxRetries,
	})
	durationMs := time.Since(start).Milliseconds()

	if err := act.Transition(res.Status); err != nil {
		c.logger.Error("terminal transition rejected", zap.String("action_id", act.ID), zap.Error(err))
		return
	}
	act.Reason = res.Message
	act.Result = map[string]any{
		"success": res.Success,
		"message": res.Message,
		"dry_run": res.DryRun,
	}
	if res.Data != nil {
		act.Result["data"] = res.Data
	}
	if res.Blocked {
		act.Result["blocked"] = true
	}
	if res.NotFound {
		act.Result["not_found"] = true
	}

	if err := c.repo.MoveToOutbox(act); err != nil {
		c.logger.Error("terminal record not persisted", zap.String("action_id", act.ID), zap.Error(err))
		return
	}

	c.metrics.Inc("actions_executed", map[string]string{"status": string(res.Status)})
	c.metrics.ObserveHistogram("action_duration_ms", float64(durationMs), map[string]string{"skill": act.Skill})
	c.record(act, durationMs)
	c.publish("action.completed", act)
}

// loadPending fetches an open record that is still awaiting a decision.
func (c *Coordinator) loadPending(id string) (*action.Action, error) {
	act, err := c.loadOpen(id)
	if err != nil {
		return nil, err
	}
	if act.Status != action.StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, act.Status)
	}
	return act, nil
}

// loadOpen fetches a record that must still be in the inbox. A terminal
// record yields ErrAlreadyProcessed, an unknown id ErrNotFound.
func (c *Coordinator) loadOpen(id string) (*action.Action, error) {
	act, err := c.repo.Load(id)
	if err != nil {
		return nil, err
	}
	if !c.repo.InInbox(id) || action.IsTerminal(act.Status) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, act.Status)
	}
	return act, nil
}

func (c *Coordinator) lock(id string) func() {
	muAny, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) record(act *action.Action, durationMs int64) {
	if c.audit != nil {
		c.audit.RecordTerminal(act, durationMs)
	}
}

func (c *Coordinator) publish(event string, act *action.Action) {
	if c.notify != nil {
		c.notify.Publish(event, act)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
