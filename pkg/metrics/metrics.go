// Metrics collection for the LocoNet server
//
// Counters and gauges with optional label sets, exposed in Prometheus text
// format. The kernel counts protocol-level events (frames, framing and
// checksum errors, echo and response timeouts); the monitor server exposes
// the registry on /metrics.

package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Labels represents metric labels as key-value pairs
type Labels map[string]string

// formatLabels renders labels in Prometheus exposition format.
func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeLabel(labels[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

// Counter is a monotonically increasing value.
type Counter struct {
	v atomic.Uint64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n uint64) { c.v.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() uint64 { return c.v.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	v atomic.Int64
}

// Set sets the gauge value.
func (g *Gauge) Set(n int64) { g.v.Store(n) }

// Inc increments the gauge by one.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec decrements the gauge by one.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.v.Load() }

type metric struct {
	name   string
	help   string
	mtype  string
	labels string

	counter *Counter
	gauge   *Gauge
}

// Registry holds named metrics and renders them for scraping.
type Registry struct {
	mu      sync.Mutex
	metrics []*metric
	byKey   map[string]*metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*metric)}
}

// Counter registers (or returns the existing) counter with the given
// name and labels.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := name + formatLabels(labels)
	if m, ok := r.byKey[key]; ok {
		return m.counter
	}
	m := &metric{
		name:    name,
		help:    help,
		mtype:   "counter",
		labels:  formatLabels(labels),
		counter: &Counter{},
	}
	r.metrics = append(r.metrics, m)
	r.byKey[key] = m
	return m.counter
}

// Gauge registers (or returns the existing) gauge with the given name
// and labels.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := name + formatLabels(labels)
	if m, ok := r.byKey[key]; ok {
		return m.gauge
	}
	m := &metric{
		name:   name,
		help:   help,
		mtype:  "gauge",
		labels: formatLabels(labels),
		gauge:  &Gauge{},
	}
	r.metrics = append(r.metrics, m)
	r.byKey[key] = m
	return m.gauge
}

// Gather renders the registry in Prometheus text exposition format.
func (r *Registry) Gather() string {
	r.mu.Lock()
	metrics := make([]*metric, len(r.metrics))
	copy(metrics, r.metrics)
	r.mu.Unlock()

	var sb strings.Builder
	seenHeader := make(map[string]bool)
	for _, m := range metrics {
		if !seenHeader[m.name] {
			seenHeader[m.name] = true
			if m.help != "" {
				fmt.Fprintf(&sb, "# HELP %s %s\n", m.name, m.help)
			}
			fmt.Fprintf(&sb, "# TYPE %s %s\n", m.name, m.mtype)
		}
		switch m.mtype {
		case "counter":
			fmt.Fprintf(&sb, "%s%s %d\n", m.name, m.labels, m.counter.Value())
		case "gauge":
			fmt.Fprintf(&sb, "%s%s %d\n", m.name, m.labels, m.gauge.Value())
		}
	}
	return sb.String()
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
