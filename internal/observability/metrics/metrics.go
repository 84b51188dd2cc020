// Package metrics implements the lightweight counter/gauge/histogram
// registry the console exposes in Prometheus text format. It has no
// external dependencies so the reconcilers can record freely from hot
// paths.
package metrics

import (
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels represents metric labels.
type Labels map[string]string

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	labels Labels
	value  atomic.Int64
}

// NewCounter creates a new counter.
func NewCounter(name string, labels Labels) *Counter {
	return &Counter{name: name, labels: labels}
}

func (c *Counter) Name() string { return c.name }
func (c *Counter) Value() int64 { return c.value.Load() }

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds the given value to the counter.
func (c *Counter) Add(delta int64) { c.value.Add(delta) }

// Gauge is a metric that can go up and down.
type Gauge struct {
	name   string
	labels Labels
	bits   atomic.Uint64 // float64 bits
}

// NewGauge creates a new gauge.
func NewGauge(name string, labels Labels) *Gauge {
	return &Gauge{name: name, labels: labels}
}

func (g *Gauge) Name() string   { return g.name }
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Set sets the gauge to the given value.
func (g *Gauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds the given value to the gauge using compare-and-swap.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	labels  Labels
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
	mu      sync.RWMutex
}

// DefaultBuckets are the default histogram buckets (in milliseconds),
// shaped around poll round-trip latencies.
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// NewHistogram creates a new histogram.
func NewHistogram(name string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return &Histogram{
		name:    name,
		labels:  labels,
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1),
	}
}

func (h *Histogram) Name() string { return h.name }

// Observe records a value in the histogram.
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bucketIdx := len(h.buckets)
	for i, bound := range h.buckets {
		if value <= bound {
			bucketIdx = i
			break
		}
	}

	h.counts[bucketIdx]++
	h.sum += value
	h.count++
}

// ObserveDuration records a duration in milliseconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d.Milliseconds()))
}

// Sum returns the sum of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sum
}

// Count returns the count of observations.
func (h *Histogram) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Registry stores and manages metrics.
type Registry struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter gets or creates a counter.
func (r *Registry) Counter(name string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if c, exists := r.counters[key]; exists {
		return c
	}

	c := NewCounter(name, labels)
	r.counters[key] = c
	return c
}

// Gauge gets or creates a gauge.
func (r *Registry) Gauge(name string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if g, exists := r.gauges[key]; exists {
		return g
	}

	g := NewGauge(name, labels)
	r.gauges[key] = g
	return g
}

// Histogram gets or creates a histogram.
func (r *Registry) Histogram(name string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if h, exists := r.histograms[key]; exists {
		return h
	}

	h := NewHistogram(name, labels, buckets)
	r.histograms[key] = h
	return h
}

// Handler returns an HTTP handler exposing the registry in Prometheus
// text format. Output is sorted so scrapes are deterministic.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// One TYPE line per metric family. Instances of a family are
		// adjacent in sorted key order: label sets are appended after a
		// comma, which sorts before every valid metric name character.
		var b strings.Builder
		family := ""
		for _, key := range sortedKeys(r.counters) {
			c := r.counters[key]
			if c.name != family {
				writeTypeLine(&b, c.name, "counter")
				family = c.name
			}
			writeSampleLine(&b, c.name, c.labels, float64(c.Value()))
		}
		family = ""
		for _, key := range sortedKeys(r.gauges) {
			g := r.gauges[key]
			if g.name != family {
				writeTypeLine(&b, g.name, "gauge")
				family = g.name
			}
			writeSampleLine(&b, g.name, g.labels, g.Value())
		}
		family = ""
		for _, key := range sortedKeys(r.histograms) {
			h := r.histograms[key]
			if h.name != family {
				writeTypeLine(&b, h.name, "histogram")
				family = h.name
			}
			writeHistogramLines(&b, h)
		}
		w.Write([]byte(b.String()))
	})
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := name
	for _, k := range keys {
		key += "," + k + "=" + labels[k]
	}
	return key
}

func writeTypeLine(b *strings.Builder, name, metricType string) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(metricType)
	b.WriteString("\n")
}

func writeSampleLine(b *strings.Builder, name string, labels Labels, value float64) {
	b.WriteString(name)
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(k)
			b.WriteString(`="`)
			b.WriteString(labels[k])
			b.WriteString(`"`)
		}
		b.WriteString("}")
	}
	b.WriteString(" ")
	b.WriteString(formatFloat(value))
	b.WriteString("\n")
}

func writeHistogramLines(b *strings.Builder, h *Histogram) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cumulative := int64(0)
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		writeSampleLine(b, h.name+"_bucket", withLE(h.labels, formatFloat(bound)), float64(cumulative))
	}
	cumulative += h.counts[len(h.buckets)]
	writeSampleLine(b, h.name+"_bucket", withLE(h.labels, "+Inf"), float64(cumulative))

	writeSampleLine(b, h.name+"_sum", h.labels, h.sum)
	writeSampleLine(b, h.name+"_count", h.labels, float64(h.count))
}

func withLE(labels Labels, le string) Labels {
	out := make(Labels, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out["le"] = le
	return out
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
