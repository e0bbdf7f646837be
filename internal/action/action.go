// Package action defines the durable action record tracked by the queue:
// its execution mode, its status state machine, and the JSON wire format
// persisted to the inbox/outbox directories.
package action

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Mode governs how an action reaches execution.
type Mode string

const (
	// ModeDryRun runs all validation and policy checks but never invokes
	// the skill entry point.
	ModeDryRun Mode = "DryRun"
	// ModeRequireApproval holds the action in the inbox until a human
	// approves or denies it.
	ModeRequireApproval Mode = "RequireApproval"
	// ModeExecute executes immediately after submission.
	ModeExecute Mode = "Execute"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDryRun, ModeRequireApproval, ModeExecute:
		return Mode(s), nil
	case "":
		return ModeExecute, nil
	}
	return "", fmt.Errorf("invalid mode %q: must be DryRun, RequireApproval or Execute", s)
}

// Status is the lifecycle state of an action.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApproved        Status = "approved"
	StatusDenied          Status = "denied"
	StatusExecuting       Status = "executing"
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusDryRunCompleted Status = "dry_run_completed"
)

// transitions is the closed set of legal status moves. Anything absent is
// rejected; in particular nothing ever returns to pending.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusDenied, StatusExecuting},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusSuccess, StatusFailed, StatusDryRunCompleted},
}

// CanTransition reports whether the from status may move to the to status.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusDenied, StatusDryRunCompleted:
		return true
	}
	return false
}

// Action is one unit of requested work. Records are mutated only through
// the coordinator so the status state machine stays monotonic.
//
// The JSON field names are the persisted wire format (one object per file
// under data/queue/inbox and data/queue/outbox) and must stay stable.
type Action struct {
	ID          string         `json:"Id"`
	Skill       string         `json:"Skill"`
	Command     string         `json:"Command"`
	Parameters  map[string]any `json:"Parameters"`
	RequestedBy string         `json:"RequestedBy"`
	SubmittedAt time.Time      `json:"Timestamp"`
	Mode        Mode           `json:"Mode"`
	Status      Status         `json:"Status"`
	Reason      string         `json:"Reason,omitempty"`
	Result      map[string]any `json:"Result,omitempty"`
}

// New creates a pending action with a fresh id and a UTC submission time.
func New(skill, command string, params map[string]any, mode Mode, requestedBy string) (*Action, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return &Action{
		ID:          id,
		Skill:       skill,
		Command:     command,
		Parameters:  params,
		RequestedBy: requestedBy,
		SubmittedAt: time.Now().UTC(),
		Mode:        mode,
		Status:      StatusPending,
	}, nil
}

// Transition moves the action to a new status, enforcing the state machine.
func (a *Action) Transition(to Status) error {
	if IsTerminal(a.Status) {
		return fmt.Errorf("action %s already processed: status is %s", a.ID, a.Status)
	}
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("illegal transition for action %s: %s -> %s", a.ID, a.Status, to)
	}
	a.Status = to
	return nil
}

// StringParam returns a string-typed parameter, tolerating absent keys.
func (a *Action) StringParam(key string) string {
	v, ok := a.Parameters[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// NewID returns an 8-hex-char collision-resistant id.
func NewID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate action id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
