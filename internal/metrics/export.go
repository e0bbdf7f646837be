package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Snapshot is the raw export of the registry at one point in time.
type Snapshot struct {
	Day        time.Time             `json:"timestamp"`
	Counters   map[string]*Counter   `json:"counters"`
	Gauges     map[string]*Gauge     `json:"gauges"`
	Histograms map[string]*Histogram `json:"histograms"`
}

// Snapshot returns a deep copy of the current registry state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateIfDueLocked()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	snap := Snapshot{
		Day:        r.now(),
		Counters:   make(map[string]*Counter, len(r.counters)),
		Gauges:     make(map[string]*Gauge, len(r.gauges)),
		Histograms: make(map[string]*Histogram, len(r.histograms)),
	}
	for k, c := range r.counters {
		cc := *c
		cc.Labels = copyLabels(c.Labels)
		snap.Counters[k] = &cc
	}
	for k, g := range r.gauges {
		gg := *g
		gg.Labels = copyLabels(g.Labels)
		snap.Gauges[k] = &gg
	}
	for k, h := range r.histograms {
		hh := *h
		hh.Labels = copyLabels(h.Labels)
		hh.Samples = append([]float64(nil), h.Samples...)
		snap.Histograms[k] = &hh
	}
	return snap
}

// JSON renders the whole registry, counters/gauges/histograms keyed by
// storage key.
func (r *Registry) JSON() ([]byte, error) {
	return json.MarshalIndent(r.Snapshot(), "", "  ")
}

// PrometheusText renders the registry in Prometheus text exposition format.
// Histograms export _count, _sum, _min, _max and _mean series; there are no
// native bucket or quantile lines.
func (r *Registry) PrometheusText() string {
	snap := r.Snapshot()

	var b strings.Builder

	// One TYPE line per metric name, label variants grouped under it.
	names, groups := groupKeysByName(snap.Counters, func(c *Counter) string { return c.Name })
	for _, name := range names {
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		for _, key := range groups[name] {
			c := snap.Counters[key]
			fmt.Fprintf(&b, "%s%s %d\n", c.Name, renderLabels(c.Labels), c.Value)
		}
	}

	names, groups = groupKeysByName(snap.Gauges, func(g *Gauge) string { return g.Name })
	for _, name := range names {
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		for _, key := range groups[name] {
			g := snap.Gauges[key]
			fmt.Fprintf(&b, "%s%s %s\n", g.Name, renderLabels(g.Labels), formatValue(g.Value))
		}
	}

	names, groups = groupKeysByName(snap.Histograms, func(h *Histogram) string { return h.Name })
	for _, name := range names {
		fmt.Fprintf(&b, "# TYPE %s summary\n", name)
		for _, key := range groups[name] {
			h := snap.Histograms[key]
			labels := renderLabels(h.Labels)
			fmt.Fprintf(&b, "%s_count%s %d\n", h.Name, labels, h.Count)
			fmt.Fprintf(&b, "%s_sum%s %s\n", h.Name, labels, formatValue(h.Sum))
			fmt.Fprintf(&b, "%s_min%s %s\n", h.Name, labels, formatValue(h.Min()))
			fmt.Fprintf(&b, "%s_max%s %s\n", h.Name, labels, formatValue(h.Max()))
			fmt.Fprintf(&b, "%s_mean%s %s\n", h.Name, labels, formatValue(h.Mean()))
		}
	}

	return b.String()
}

// groupKeysByName buckets storage keys by their metric name, everything
// sorted so the output is deterministic.
func groupKeysByName[V any](m map[string]V, name func(V) string) ([]string, map[string][]string) {
	groups := make(map[string][]string, len(m))
	for k, v := range m {
		n := name(v)
		groups[n] = append(groups[n], k)
	}
	names := make([]string, 0, len(groups))
	for n := range groups {
		sort.Strings(groups[n])
		names = append(names, n)
	}
	sort.Strings(names)
	return names, groups
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func formatValue(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
}
