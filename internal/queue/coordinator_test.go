package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nova-ops/nova/internal/action"
	"github.com/nova-ops/nova/internal/executor"
	"github.com/nova-ops/nova/internal/metrics"
	"github.com/nova-ops/nova/internal/policy"
	"github.com/nova-ops/nova/internal/skills"
)

type fakeSkill struct {
	name    string
	calls   atomic.Int64
	invoke  func(ctx context.Context, command string, params map[string]any) (*skills.Result, error)
	require []string
}

func (f *fakeSkill) Name() string                     { return f.name }
func (f *fakeSkill) Commands() []string               { return []string{"do"} }
func (f *fakeSkill) RequiredParams(string) []string   { return f.require }
func (f *fakeSkill) Invoke(ctx context.Context, command string, params map[string]any) (*skills.Result, error) {
	f.calls.Add(1)
	if f.invoke != nil {
		return f.invoke(ctx, command, params)
	}
	return &skills.Result{Success: true, Message: "done"}, nil
}

type captureAudit struct {
	events atomic.Int64
}

func (c *captureAudit) RecordTerminal(*action.Action, int64) { c.events.Add(1) }

type captureNotify struct {
	mu     sync.Mutex
	events []string
}

func (c *captureNotify) Publish(event string, _ *action.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func newTestCoordinator(t *testing.T, sk *fakeSkill) (*Coordinator, *captureAudit, *captureNotify) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	registry := skills.NewRegistry()
	registry.Register(sk)
	engine := policy.NewEngine(policy.Rules{})
	repo := NewRepository(dir, logger)
	exec := executor.New(registry, engine, logger)
	reg := metrics.NewRegistry(t.TempDir(), logger)
	audit := &captureAudit{}
	notify := &captureNotify{}

	cfg := DefaultConfig()
	cfg.ExecTimeout = 5 * time.Second
	return NewCoordinator(repo, registry, engine, exec, reg, audit, notify, logger, cfg), audit, notify
}

func TestSubmitExecutesImmediately(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, audit, _ := newTestCoordinator(t, sk)

	res := c.Submit(context.Background(), SubmitRequest{Skill: "demo", Command: "do", Mode: "Execute"})
	if !res.Success {
		t.Fatalf("submit failed: %s", res.Error)
	}
	if res.Status != string(action.StatusSuccess) {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if sk.calls.Load() != 1 {
		t.Fatalf("skill invoked %d times, want 1", sk.calls.Load())
	}

	act, err := c.Get(res.ActionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if act.Status != action.StatusSuccess {
		t.Fatalf("persisted status = %s", act.Status)
	}
	if audit.events.Load() != 1 {
		t.Fatalf("audit events = %d, want 1", audit.events.Load())
	}
}

func TestSubmitValidation(t *testing.T) {
	sk := &fakeSkill{name: "demo", require: []string{"path"}}
	c, _, _ := newTestCoordinator(t, sk)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty skill", SubmitRequest{Command: "do"}},
		{"empty command", SubmitRequest{Skill: "demo"}},
		{"bad mode", SubmitRequest{Skill: "demo", Command: "do", Mode: "yolo"}},
		{"missing required param", SubmitRequest{Skill: "demo", Command: "do"}},
	}
	for _, tc := range cases {
		res := c.Submit(ctx, tc.req)
		if res.Success || res.Error == "" {
			t.Errorf("%s: accepted, error=%q", tc.name, res.Error)
		}
	}
	if sk.calls.Load() != 0 {
		t.Fatalf("skill invoked on invalid submission")
	}
	if st := c.GetQueueStatus(); st.InboxCount+st.OutboxCount != 0 {
		t.Fatalf("invalid submission persisted: %+v", st)
	}
}

func TestSubmitBlockedByPolicyNotPersisted(t *testing.T) {
	sk := &fakeSkill{name: "filesystem"}
	c, _, _ := newTestCoordinator(t, sk)

	res := c.Submit(context.Background(), SubmitRequest{
		Skill:      "filesystem",
		Command:    "do",
		Parameters: map[string]any{"path": "/etc/passwd"},
	})
	if res.Success {
		t.Fatal("protected path accepted")
	}
	if !strings.HasPrefix(res.Error, policy.ReasonProtectedPath) {
		t.Fatalf("error = %q, want %q prefix", res.Error, policy.ReasonProtectedPath)
	}
	if sk.calls.Load() != 0 {
		t.Fatal("skill invoked for blocked action")
	}
	if st := c.GetQueueStatus(); st.InboxCount+st.OutboxCount != 0 {
		t.Fatalf("blocked action persisted: %+v", st)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, _, notify := newTestCoordinator(t, sk)
	ctx := context.Background()

	res := c.Submit(ctx, SubmitRequest{Skill: "demo", Command: "do", Mode: "RequireApproval"})
	if !res.Success {
		t.Fatalf("submit: %s", res.Error)
	}
	if res.Status != string(action.StatusPending) {
		t.Fatalf("status = %s, want pending", res.Status)
	}
	if sk.calls.Load() != 0 {
		t.Fatal("skill invoked before approval")
	}
	if st := c.GetQueueStatus(); st.PendingApprovalCount != 1 {
		t.Fatalf("pending count = %d, want 1", st.PendingApprovalCount)
	}

	act, err := c.Approve(ctx, res.ActionID, "go ahead")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if act.Status != action.StatusSuccess {
		t.Fatalf("status after approve = %s", act.Status)
	}
	if sk.calls.Load() != 1 {
		t.Fatalf("skill invoked %d times, want 1", sk.calls.Load())
	}

	// A second decision on the same action must fail.
	if _, err := c.Approve(ctx, res.ActionID, "again"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second approve err = %v, want ErrAlreadyProcessed", err)
	}
	if _, err := c.Deny(ctx, res.ActionID, "changed my mind"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("deny after approve err = %v, want ErrAlreadyProcessed", err)
	}

	want := []string{"action.submitted", "action.approved", "action.completed"}
	if len(notify.events) != len(want) {
		t.Fatalf("events = %v, want %v", notify.events, want)
	}
	for i, e := range want {
		if notify.events[i] != e {
			t.Fatalf("event[%d] = %s, want %s", i, notify.events[i], e)
		}
	}
}

func TestDenyIsTerminal(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, audit, _ := newTestCoordinator(t, sk)
	ctx := context.Background()

	res := c.Submit(ctx, SubmitRequest{Skill: "demo", Command: "do", Mode: "RequireApproval"})
	if !res.Success {
		t.Fatalf("submit: %s", res.Error)
	}

	if _, err := c.Deny(ctx, res.ActionID, ""); err == nil {
		t.Fatal("deny without reason accepted")
	}

	act, err := c.Deny(ctx, res.ActionID, "too risky")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if act.Status != action.StatusDenied || act.Reason != "too risky" {
		t.Fatalf("denied record = %+v", act)
	}
	if sk.calls.Load() != 0 {
		t.Fatal("skill invoked for denied action")
	}
	if audit.events.Load() != 1 {
		t.Fatalf("audit events = %d, want 1", audit.events.Load())
	}

	if _, err := c.Approve(ctx, res.ActionID, "on second thought"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("approve after deny err = %v, want ErrAlreadyProcessed", err)
	}
}

func TestDryRunNeverInvokesSkill(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, _, _ := newTestCoordinator(t, sk)

	res := c.Submit(context.Background(), SubmitRequest{Skill: "demo", Command: "do", Mode: "DryRun"})
	if !res.Success {
		t.Fatalf("submit: %s", res.Error)
	}
	if res.Status != string(action.StatusDryRunCompleted) {
		t.Fatalf("status = %s, want dry_run_completed", res.Status)
	}
	if sk.calls.Load() != 0 {
		t.Fatal("dry run invoked the skill")
	}

	act, err := c.Get(res.ActionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if act.Result["dry_run"] != true {
		t.Fatalf("result = %+v, want dry_run marker", act.Result)
	}
}

func TestExecutionFailureRecorded(t *testing.T) {
	sk := &fakeSkill{name: "demo", invoke: func(context.Context, string, map[string]any) (*skills.Result, error) {
		return &skills.Result{Success: false, Message: "disk full"}, nil
	}}
	c, _, _ := newTestCoordinator(t, sk)

	res := c.Submit(context.Background(), SubmitRequest{Skill: "demo", Command: "do"})
	if !res.Success {
		t.Fatalf("submit: %s", res.Error)
	}
	if res.Status != string(action.StatusFailed) {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	act, _ := c.Get(res.ActionID)
	if act.Reason != "disk full" {
		t.Fatalf("reason = %q", act.Reason)
	}
}

func TestProcessAllSkipsPendingApprovals(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, _, _ := newTestCoordinator(t, sk)
	ctx := context.Background()

	// RequireApproval actions park in the inbox; seed a few plus one
	// approved record left behind by a simulated crash.
	var waiting []string
	for i := 0; i < 3; i++ {
		res := c.Submit(ctx, SubmitRequest{Skill: "demo", Command: "do", Mode: "RequireApproval"})
		if !res.Success {
			t.Fatalf("submit: %s", res.Error)
		}
		waiting = append(waiting, res.ActionID)
	}

	crashed, err := action.New("demo", "do", nil, action.ModeRequireApproval, "tester")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := crashed.Transition(action.StatusApproved); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := c.repo.Save(crashed); err != nil {
		t.Fatalf("save: %v", err)
	}

	if n := c.ProcessAll(ctx); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}
	if sk.calls.Load() != 1 {
		t.Fatalf("skill invoked %d times, want 1", sk.calls.Load())
	}

	st := c.GetQueueStatus()
	if st.PendingApprovalCount != len(waiting) {
		t.Fatalf("pending = %d, want %d", st.PendingApprovalCount, len(waiting))
	}
	got, err := c.Get(crashed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != action.StatusSuccess {
		t.Fatalf("crashed record status = %s, want success", got.Status)
	}
}

func TestProcessAllCountsOnlyRecordsItFinished(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, _, _ := newTestCoordinator(t, sk)
	ctx := context.Background()

	approved, err := action.New("demo", "do", nil, action.ModeRequireApproval, "tester")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := approved.Transition(action.StatusApproved); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := c.repo.Save(approved); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Hold the record's lock so ProcessAll parks on it, then finish the
	// record out from under the scan before releasing. The count must not
	// include records another caller completed.
	unlock := c.lock(approved.ID)
	done := make(chan int, 1)
	go func() { done <- c.ProcessAll(ctx) }()

	time.Sleep(50 * time.Millisecond)
	approved.Status = action.StatusSuccess
	if err := c.repo.MoveToOutbox(approved); err != nil {
		t.Fatalf("move: %v", err)
	}
	unlock()

	if n := <-done; n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}
	if sk.calls.Load() != 0 {
		t.Fatalf("skill invoked %d times, want 0", sk.calls.Load())
	}
}

func TestProcessOneRefusesUnapproved(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, _, _ := newTestCoordinator(t, sk)
	ctx := context.Background()

	res := c.Submit(ctx, SubmitRequest{Skill: "demo", Command: "do", Mode: "RequireApproval"})
	if !res.Success {
		t.Fatalf("submit: %s", res.Error)
	}
	if _, err := c.ProcessOne(ctx, res.ActionID); err == nil {
		t.Fatal("processed an action awaiting approval")
	}
	if sk.calls.Load() != 0 {
		t.Fatal("skill invoked")
	}
}

func TestGetActionHistoryWindow(t *testing.T) {
	sk := &fakeSkill{name: "demo"}
	c, _, _ := newTestCoordinator(t, sk)

	res := c.Submit(context.Background(), SubmitRequest{Skill: "demo", Command: "do"})
	if !res.Success {
		t.Fatalf("submit: %s", res.Error)
	}

	all := c.GetActionHistory(time.Time{}, time.Time{})
	if len(all) != 1 {
		t.Fatalf("history = %d records, want 1", len(all))
	}

	past := c.GetActionHistory(time.Time{}, time.Now().Add(-time.Hour))
	if len(past) != 0 {
		t.Fatalf("stale window returned %d records", len(past))
	}
	future := c.GetActionHistory(time.Now().Add(time.Hour), time.Time{})
	if len(future) != 0 {
		t.Fatalf("future window returned %d records", len(future))
	}
}

func TestDecisionOnUnknownAction(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeSkill{name: "demo"})
	if _, err := c.Approve(context.Background(), "0badc0de", "sure"); err == nil {
		t.Fatal("approved an unknown action")
	}
}
