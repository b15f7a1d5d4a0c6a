// Package metrics accumulates counters and histogram observations in
// process memory, keyed by (name, sorted label set). Values live for the
// invocation; if the host process is reused they may survive longer, but
// nothing may rely on that.
package metrics

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/keisoku/internal/model"
)

// Aggregator accumulates metric values pending flush. Safe for concurrent use.
type Aggregator struct {
	logger *slog.Logger

	mu         sync.Mutex
	counters   map[string]*counterState
	histograms map[string]*histogramState
}

type counterState struct {
	name   string
	labels map[string]string
	value  float64
}

type histogramState struct {
	name   string
	labels map[string]string
	count  int64
	sum    float64
	min    float64
	max    float64
	values []float64 // retained for the OTLP mirror
}

// New creates an empty aggregator.
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		logger:     logger,
		counters:   make(map[string]*counterState),
		histograms: make(map[string]*histogramState),
	}
}

// Increment adds delta to the counter identified by name and labels.
// Counters are monotonic: a negative delta is rejected with a local warning.
func (a *Aggregator) Increment(name string, delta float64, labels map[string]string) {
	if delta < 0 {
		a.logger.Warn("keisoku: negative counter delta rejected", "metric", name, "delta", delta)
		return
	}
	key := aggregationKey(name, labels)

	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[key]
	if !ok {
		c = &counterState{name: name, labels: copyLabels(labels)}
		a.counters[key] = c
	}
	c.value += delta
}

// Observe records a histogram observation for name and labels.
func (a *Aggregator) Observe(name string, value float64, labels map[string]string) {
	key := aggregationKey(name, labels)

	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.histograms[key]
	if !ok {
		h = &histogramState{name: name, labels: copyLabels(labels), min: value, max: value}
		a.histograms[key] = h
	}
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
	h.count++
	h.sum += value
	h.values = append(h.values, value)
}

// Snapshot returns the current aggregated points without resetting state.
// Points are ordered by aggregation key for deterministic output.
func (a *Aggregator) Snapshot() []model.MetricPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pointsLocked()
}

// Drain returns the current aggregated points and resets histogram
// observation lists so the next flush reports only new observations. The
// returned points carry the raw values captured before the reset.
// Counter totals are retained: the sink receives cumulative values.
func (a *Aggregator) Drain() []model.MetricPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	points := a.pointsLocked()
	for _, h := range a.histograms {
		h.values = nil
	}
	return points
}

func (a *Aggregator) pointsLocked() []model.MetricPoint {
	keys := make([]string, 0, len(a.counters)+len(a.histograms))
	for k := range a.counters {
		keys = append(keys, "c\x00"+k)
	}
	for k := range a.histograms {
		keys = append(keys, "h\x00"+k)
	}
	sort.Strings(keys)

	points := make([]model.MetricPoint, 0, len(keys))
	for _, k := range keys {
		kind, key, _ := strings.Cut(k, "\x00")
		if kind == "c" {
			c := a.counters[key]
			points = append(points, model.MetricPoint{
				Kind:   model.MetricCounter,
				Name:   c.name,
				Value:  c.value,
				Labels: copyLabels(c.labels),
			})
			continue
		}
		h := a.histograms[key]
		points = append(points, model.MetricPoint{
			Kind:   model.MetricHistogram,
			Name:   h.name,
			Value:  h.sum,
			Count:  h.count,
			Sum:    h.sum,
			Min:    h.min,
			Max:    h.max,
			Labels: copyLabels(h.labels),
			Values: append([]float64(nil), h.values...),
		})
	}
	return points
}

// aggregationKey builds the (name, sorted label set) identity for a series.
func aggregationKey(name string, labels map[string]string) string {
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
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
