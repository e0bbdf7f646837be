package action

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatal(err)
		}
		if len(id) != 8 {
			t.Fatalf("expected 8 hex chars, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"DryRun", ModeDryRun, false},
		{"RequireApproval", ModeRequireApproval, false},
		{"Execute", ModeExecute, false},
		{"", ModeExecute, false},
		{"execute", "", true},
		{"YOLO", "", true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseMode(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMode(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestTransitionMonotonic(t *testing.T) {
	a, err := New("filesystem", "create_directory", map[string]any{"path": "/tmp/x"}, ModeExecute, "tester")
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Transition(StatusExecuting); err != nil {
		t.Fatal(err)
	}
	// No way back to pending
	if err := a.Transition(StatusPending); err == nil {
		t.Fatal("expected regression to pending to fail")
	}
	if err := a.Transition(StatusSuccess); err != nil {
		t.Fatal(err)
	}
	// Terminal means terminal
	if err := a.Transition(StatusFailed); err == nil {
		t.Fatal("expected transition out of terminal state to fail")
	}
}

func TestTransitionApprovalPath(t *testing.T) {
	a, _ := New("network", "http_get", nil, ModeRequireApproval, "tester")

	if err := a.Transition(StatusApproved); err != nil {
		t.Fatal(err)
	}
	// approved -> success must pass through executing
	if err := a.Transition(StatusSuccess); err == nil {
		t.Fatal("expected approved -> success to be rejected")
	}
	if err := a.Transition(StatusExecuting); err != nil {
		t.Fatal(err)
	}
	if err := a.Transition(StatusSuccess); err != nil {
		t.Fatal(err)
	}
}

func TestDenyIsTerminal(t *testing.T) {
	a, _ := New("shell", "run", map[string]any{"command": "uptime"}, ModeRequireApproval, "tester")
	if err := a.Transition(StatusDenied); err != nil {
		t.Fatal(err)
	}
	if !IsTerminal(a.Status) {
		t.Fatal("denied should be terminal")
	}
	if err := a.Transition(StatusExecuting); err == nil {
		t.Fatal("expected denied -> executing to fail")
	}
}

func TestWireFormatRoundTrip(t *testing.T) {
	a := &Action{
		ID:          "ab2b4eb5",
		Skill:       "filesystem",
		Command:     "create_directory",
		Parameters:  map[string]any{"path": "/var/lib/nova/tmp"},
		RequestedBy: "alice",
		SubmittedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Mode:        ModeRequireApproval,
		Status:      StatusPending,
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}

	// Wire keys are part of the on-disk contract
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"Id", "Skill", "Command", "Parameters", "RequestedBy", "Timestamp", "Mode", "Status"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("missing wire key %q in %s", key, data)
		}
	}

	var back Action
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != a.ID || back.Skill != a.Skill || back.Command != a.Command ||
		back.RequestedBy != a.RequestedBy || back.Mode != a.Mode || back.Status != a.Status {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if !back.SubmittedAt.Equal(a.SubmittedAt) {
		t.Fatalf("timestamp mismatch: %v", back.SubmittedAt)
	}
	if back.StringParam("path") != "/var/lib/nova/tmp" {
		t.Fatalf("parameter lost: %+v", back.Parameters)
	}
}
