// Package metrics implements the in-process metrics registry: counters,
// gauges and histograms with label support, lazy UTC-day rotation, and an
// append-only JSONL side log per day.
//
// One Registry instance is created at process start and injected into the
// coordinator and HTTP layer; there is no package-level state.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sampleCap bounds the raw samples a histogram retains. Count and Sum stay
// exact over the unbounded history.
const sampleCap = 1000

// Counter is a monotonically increasing value. Negative deltas are accepted
// (the contract is permissive); the only reset is daily rotation.
type Counter struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  int64             `json:"value"`
}

// Gauge is a point-in-time reading. Gauges survive rotation.
type Gauge struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Histogram keeps exact count/sum plus a bounded window of raw samples for
// min/max/mean estimation.
type Histogram struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Samples []float64         `json:"samples,omitempty"`
}

// Min returns the smallest retained sample.
func (h *Histogram) Min() float64 {
	if len(h.Samples) == 0 {
		return 0
	}
	min := h.Samples[0]
	for _, v := range h.Samples[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest retained sample.
func (h *Histogram) Max() float64 {
	if len(h.Samples) == 0 {
		return 0
	}
	max := h.Samples[0]
	for _, v := range h.Samples[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Mean returns the mean of the retained sample window.
func (h *Histogram) Mean() float64 {
	if len(h.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range h.Samples {
		sum += v
	}
	return sum / float64(len(h.Samples))
}

// Registry is the shared, thread-safe metrics store.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	dir    string // persistence directory; empty disables the side log
	day    string // yyyyMMdd of the current rotation window
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock. Used by rotation tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry persisting its side log under dir
// (data/metrics by convention). Pass an empty dir to keep metrics purely
// in memory.
func NewRegistry(dir string, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		dir:        dir,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.day = r.now().UTC().Format("20060102")
	return r
}

// Key builds the storage key for a name + label set. Label keys are sorted
// so the same set always maps to the same key regardless of insertion order.
func Key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// IncrementCounter adds delta to a counter, creating it at zero if absent.
func (r *Registry) IncrementCounter(name string, delta int64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateIfDueLocked()

	key := Key(name, labels)
	c, ok := r.counters[key]
	if !ok {
		c = &Counter{Name: name, Labels: copyLabels(labels)}
		r.counters[key] = c
	}
	c.Value += delta
	r.appendLine(logLine{Timestamp: r.now(), Type: "counter", Name: name, Value: float64(c.Value), Labels: c.Labels})
}

// Inc is IncrementCounter with a delta of one.
func (r *Registry) Inc(name string, labels map[string]string) {
	r.IncrementCounter(name, 1, labels)
}

// SetGauge overwrites a gauge reading.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateIfDueLocked()

	key := Key(name, labels)
	g, ok := r.gauges[key]
	if !ok {
		g = &Gauge{Name: name, Labels: copyLabels(labels)}
		r.gauges[key] = g
	}
	g.Value = value
	r.appendLine(logLine{Timestamp: r.now(), Type: "gauge", Name: name, Value: value, Labels: g.Labels})
}

// ObserveHistogram records a value, evicting the oldest retained sample once
// the window exceeds its cap.
func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateIfDueLocked()

	key := Key(name, labels)
	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{Name: name, Labels: copyLabels(labels)}
		r.histograms[key] = h
	}
	h.Count++
	h.Sum += value
	h.Samples = append(h.Samples, value)
	if len(h.Samples) > sampleCap {
		h.Samples = h.Samples[len(h.Samples)-sampleCap:]
	}
	r.appendLine(logLine{Timestamp: r.now(), Type: "histogram", Name: name, Value: value, Labels: h.Labels})
}

// RotateIfDue performs a rotation check outside any write. The scheduler
// calls this so idle days still rotate; writes check lazily on their own.
func (r *Registry) RotateIfDue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateIfDueLocked()
}

// rotateIfDueLocked resets counters and histograms at a UTC day boundary,
// after durably recording a snapshot line to the closing day's log.
// Gauges are preserved.
func (r *Registry) rotateIfDueLocked() {
	today := r.now().UTC().Format("20060102")
	if today == r.day {
		return
	}

	snap := r.snapshotLocked()
	line := logLine{Timestamp: r.now(), Type: "rotation_snapshot", Snapshot: &snap}
	if err := r.appendLineToDay(line, r.day); err != nil {
		r.logger.Warn("metrics rotation snapshot not persisted", zap.Error(err))
	}

	r.counters = make(map[string]*Counter)
	r.histograms = make(map[string]*Histogram)
	r.day = today
	r.logger.Info("metrics rotated", zap.String("day", today))
}

// logLine is one JSONL entry in the daily metrics log.
type logLine struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Name      string            `json:"name,omitempty"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Snapshot  *Snapshot         `json:"snapshot,omitempty"`
}

// appendLine writes to the current day's log. Persistence failures are
// logged and swallowed; in-memory state stays authoritative.
func (r *Registry) appendLine(line logLine) {
	if err := r.appendLineToDay(line, r.day); err != nil {
		r.logger.Warn("metrics log write failed", zap.String("metric", line.Name), zap.Error(err))
	}
}

func (r *Registry) appendLineToDay(line logLine, day string) error {
	if r.dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.dir, fmt.Sprintf("metrics_%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
