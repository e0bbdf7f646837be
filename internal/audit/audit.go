// Package audit provides an append-only trail of action lifecycle events.
// Every submission, decision and execution outcome is recorded.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventActionSubmitted EventType = "action.submitted"
	EventActionApproved  EventType = "action.approved"
	EventActionDenied    EventType = "action.denied"
	EventActionExecuted  EventType = "action.executed"
	EventActionFailed    EventType = "action.failed"
	EventActionDryRun    EventType = "action.dry_run"
	EventActionBlocked   EventType = "action.blocked"
	EventQueueCleanup    EventType = "queue.cleanup"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	ActionID  string    `json:"action_id,omitempty"`
	Skill     string    `json:"skill,omitempty"`
	Actor     string    `json:"actor,omitempty"` // who initiated (user, system)
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// Log is an append-only in-memory audit log.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // ring buffer size (0 = unbounded)
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event to the log.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)

	// Ring buffer: drop oldest if over capacity
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Filter narrows queries. Zero fields match everything.
type Filter struct {
	ActionID string
	Skill    string
	Type     EventType
	Since    time.Time
	Until    time.Time
	Cursor   string
	Limit    int
}

// Query returns filtered events, newest first. Limit=0 means all.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event

	// Walk backwards (newest first)
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]

		if f.ActionID != "" && evt.ActionID != f.ActionID {
			continue
		}
		if f.Skill != "" && evt.Skill != f.Skill {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}

		result = append(result, evt)

		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}

	return result
}

// Recent returns the N most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns total event count.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all events as JSON (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
