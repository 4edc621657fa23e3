package observability

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

type kind uint8

const (
	counterKind kind = iota
	gaugeKind
)

func (k kind) String() string {
	if k == gaugeKind {
		return "gauge"
	}
	return "counter"
}

// Registry keeps the coordinator's metric families in memory and renders
// them in the Prometheus text format. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

type family struct {
	kind   kind
	series map[string]*Value // keyed by the rendered label set
}

// Value is one labelled series. Hot paths keep a *Value instead of looking
// the series up by name on every update.
type Value struct {
	bits atomic.Uint64
}

// Add adds delta to the series.
func (v *Value) Add(delta float64) {
	for {
		old := v.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Set replaces the series value.
func (v *Value) Set(x float64) { v.bits.Store(math.Float64bits(x)) }

// Load returns the current value.
func (v *Value) Load() float64 { return math.Float64frombits(v.bits.Load()) }

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// CounterValue returns the counter series for name and labels, registering
// it at zero on first use.
func (r *Registry) CounterValue(name string, labels map[string]string) *Value {
	return r.value(counterKind, name, labels)
}

// GaugeValue is CounterValue for gauges.
func (r *Registry) GaugeValue(name string, labels map[string]string) *Value {
	return r.value(gaugeKind, name, labels)
}

// IncCounter adds delta to a counter. A zero delta registers nothing.
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	r.CounterValue(name, labels).Add(delta)
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.GaugeValue(name, labels).Set(value)
}

// Counter returns the current value of a counter, 0 if it was never set.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	return r.lookup(counterKind, name, labels)
}

// Gauge returns the current value of a gauge, 0 if it was never set.
func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	return r.lookup(gaugeKind, name, labels)
}

func (r *Registry) lookup(k kind, name string, labels map[string]string) float64 {
	name = sanitizeMetricName(name)
	key := renderLabels(labels)
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	if !ok || f.kind != k {
		return 0
	}
	if v, ok := f.series[key]; ok {
		return v.Load()
	}
	return 0
}

func (r *Registry) value(k kind, name string, labels map[string]string) *Value {
	name = sanitizeMetricName(name)
	key := renderLabels(labels)

	r.mu.RLock()
	if f, ok := r.families[name]; ok {
		if v, ok := f.series[key]; ok {
			r.mu.RUnlock()
			return v
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{kind: k, series: make(map[string]*Value)}
		r.families[name] = f
	}
	v, ok := f.series[key]
	if !ok {
		v = &Value{}
		f.series[key] = v
	}
	return v
}

// RenderPrometheus writes every family, sorted by name, each preceded by
// its TYPE line.
func (r *Registry) RenderPrometheus() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		f := r.families[name]
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, f.kind)

		keys := make([]string, 0, len(f.series))
		for key := range f.series {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			b.WriteString(name)
			b.WriteString(key)
			b.WriteByte(' ')
			b.WriteString(strconv.FormatFloat(f.series[key].Load(), 'f', -1, 64))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// renderLabels formats labels as {k="v",...} with sorted keys, or "" when
// there are none. The result doubles as the series key.
func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = sanitizeMetricName(k) + "=" + strconv.Quote(labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "fractal_metric"
	}
	out := []byte(name)
	for i, c := range out {
		letter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
		digit := c >= '0' && c <= '9' && i > 0
		if !letter && !digit {
			out[i] = '_'
		}
	}
	return string(out)
}
