package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLabelKeyStability(t *testing.T) {
	r := NewRegistry("", nil)

	r.IncrementCounter("x", 1, map[string]string{"a": "1", "b": "2"})
	r.IncrementCounter("x", 1, map[string]string{"b": "2", "a": "1"})

	snap := r.Snapshot()
	if len(snap.Counters) != 1 {
		t.Fatalf("expected one counter, got %d: %v", len(snap.Counters), snap.Counters)
	}
	c := snap.Counters[Key("x", map[string]string{"a": "1", "b": "2"})]
	if c == nil || c.Value != 2 {
		t.Fatalf("expected accumulated value 2, got %+v", c)
	}
}

func TestCounterNegativeDeltaAccepted(t *testing.T) {
	r := NewRegistry("", nil)
	r.IncrementCounter("adjust", 5, nil)
	r.IncrementCounter("adjust", -2, nil)

	if got := r.Snapshot().Counters["adjust"].Value; got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestHistogramBoundedMemory(t *testing.T) {
	r := NewRegistry("", nil)

	var want float64
	for i := 0; i < 2000; i++ {
		v := float64(i)
		want += v
		r.ObserveHistogram("latency", v, nil)
	}

	h := r.Snapshot().Histograms["latency"]
	if h.Count != 2000 {
		t.Fatalf("expected count 2000, got %d", h.Count)
	}
	if h.Sum != want {
		t.Fatalf("expected sum %f, got %f", want, h.Sum)
	}
	if len(h.Samples) > sampleCap {
		t.Fatalf("sample window %d exceeds cap %d", len(h.Samples), sampleCap)
	}
	// Oldest evicted first: window holds the most recent observations
	if h.Samples[0] != 1000 || h.Samples[len(h.Samples)-1] != 1999 {
		t.Fatalf("unexpected window bounds: first %f last %f", h.Samples[0], h.Samples[len(h.Samples)-1])
	}
}

func TestGaugeOverwrite(t *testing.T) {
	r := NewRegistry("", nil)
	r.SetGauge("queue_depth", 4, nil)
	r.SetGauge("queue_depth", 7, nil)

	if got := r.Snapshot().Gauges["queue_depth"].Value; got != 7 {
		t.Fatalf("expected 7, got %f", got)
	}
}

func TestRotationResetsCountersKeepsGauges(t *testing.T) {
	dir := t.TempDir()
	current := time.Date(2025, 3, 1, 23, 50, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	r := NewRegistry(dir, nil, WithClock(clock))
	r.IncrementCounter("actions_submitted", 3, nil)
	r.ObserveHistogram("duration_ms", 12.5, nil)
	r.SetGauge("queue_depth", 9, nil)

	// Cross the UTC day boundary; next write triggers rotation
	mu.Lock()
	current = time.Date(2025, 3, 2, 0, 1, 0, 0, time.UTC)
	mu.Unlock()
	r.IncrementCounter("actions_submitted", 1, nil)

	snap := r.Snapshot()
	if got := snap.Counters["actions_submitted"].Value; got != 1 {
		t.Fatalf("counter not reset at rotation: %d", got)
	}
	if _, ok := snap.Histograms["duration_ms"]; ok {
		t.Fatal("histogram should be cleared at rotation")
	}
	if got := snap.Gauges["queue_depth"].Value; got != 9 {
		t.Fatalf("gauge should survive rotation, got %f", got)
	}

	// Snapshot line was appended to the closing day's log
	data, err := os.ReadFile(filepath.Join(dir, "metrics_20250301.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"type":"rotation_snapshot"`) {
		t.Fatalf("missing rotation snapshot line in:\n%s", data)
	}
}

func TestDailyLogLines(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC) }
	r := NewRegistry(dir, nil, WithClock(clock))

	r.IncrementCounter("actions_submitted", 1, map[string]string{"skill": "network"})
	r.SetGauge("queue_depth", 2, nil)

	f, err := os.Open(filepath.Join(dir, "metrics_20250615.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("malformed JSONL line: %v", err)
		}
		lines = append(lines, entry)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["type"] != "counter" || lines[0]["name"] != "actions_submitted" {
		t.Fatalf("unexpected first line: %v", lines[0])
	}
}

func TestPersistenceFailureDoesNotFailWrites(t *testing.T) {
	// A file where the directory should be makes every append fail
	dir := t.TempDir()
	blocked := filepath.Join(dir, "metrics")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(blocked, nil)
	r.IncrementCounter("still_counts", 1, nil)

	if got := r.Snapshot().Counters["still_counts"].Value; got != 1 {
		t.Fatalf("in-memory state must survive persistence failure, got %d", got)
	}
}

func TestPrometheusText(t *testing.T) {
	r := NewRegistry("", nil)
	r.IncrementCounter("actions_executed", 2, map[string]string{"status": "success"})
	r.SetGauge("queue_depth", 3, nil)
	r.ObserveHistogram("duration_ms", 10, nil)
	r.ObserveHistogram("duration_ms", 30, nil)

	text := r.PrometheusText()

	for _, want := range []string{
		"# TYPE actions_executed counter",
		`actions_executed{status="success"} 2`,
		"# TYPE queue_depth gauge",
		"queue_depth 3",
		"duration_ms_count 2",
		"duration_ms_sum 40",
		"duration_ms_min 10",
		"duration_ms_max 30",
		"duration_ms_mean 20",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, text)
		}
	}
	if strings.Contains(text, "_bucket") || strings.Contains(text, "quantile") {
		t.Fatalf("no bucket/quantile lines expected:\n%s", text)
	}
}

func TestPrometheusTextOneTypeLinePerName(t *testing.T) {
	r := NewRegistry("", nil)
	r.Inc("actions_submitted", map[string]string{"skill": "network"})
	r.Inc("actions_submitted", map[string]string{"skill": "filesystem"})
	r.Inc("actions_submitted_retries", nil)
	r.ObserveHistogram("action_duration_ms", 5, map[string]string{"skill": "network"})
	r.ObserveHistogram("action_duration_ms", 7, map[string]string{"skill": "filesystem"})

	text := r.PrometheusText()

	if got := strings.Count(text, "# TYPE actions_submitted counter"); got != 1 {
		t.Fatalf("TYPE actions_submitted appears %d times, want 1:\n%s", got, text)
	}
	if got := strings.Count(text, "# TYPE action_duration_ms summary"); got != 1 {
		t.Fatalf("TYPE action_duration_ms appears %d times, want 1:\n%s", got, text)
	}

	// Every sample line must sit under its own metric's TYPE header.
	current := ""
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if rest, ok := strings.CutPrefix(line, "# TYPE "); ok {
			current = strings.Fields(rest)[0]
			continue
		}
		name := line
		if i := strings.IndexAny(line, "{ "); i >= 0 {
			name = line[:i]
		}
		if name != current && !strings.HasPrefix(name, current+"_") {
			t.Fatalf("sample %q emitted under TYPE %q:\n%s", line, current, text)
		}
	}
}

func TestConcurrentWrites(t *testing.T) {
	r := NewRegistry("", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.IncrementCounter("hits", 1, nil)
				r.ObserveHistogram("obs", float64(j), nil)
			}
		}()
	}
	wg.Wait()

	if got := r.Snapshot().Counters["hits"].Value; got != 4000 {
		t.Fatalf("expected 4000, got %d", got)
	}
}
