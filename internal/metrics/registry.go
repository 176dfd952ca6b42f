// Package metrics wraps a Prometheus registry behind the counter/timer/
// gauge surface the scheduler records against. Metric names are dotted in
// code (the platform's canonical names) and sanitized to the Prometheus
// character set at registration.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Canonical scheduler metric names.
const (
	SchedulerEvaluateDuration     = "scheduler.evaluate.duration"
	SchedulerEvaluateRunningCount = "scheduler.evaluate.running.count"
	SchedulerTriggerCount         = "scheduler.trigger.count"
)

// TriggerTags is the per-trigger label set applied to all scheduler
// metrics. Every call site must use this helper so a metric name is always
// registered with the same label keys.
func TriggerTags(namespace, flowID, triggerID string) map[string]string {
	return map[string]string{
		"namespace":  namespace,
		"flow_id":    flowID,
		"trigger_id": triggerID,
	}
}

// Registry is a process-local metrics registry. Vectors are created lazily
// on first use of a metric name; subsequent calls with the same name must
// carry the same tag keys.
type Registry struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	timers   map[string]*prometheus.HistogramVec
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		timers:   make(map[string]*prometheus.HistogramVec),
	}
}

// Counter returns the counter for the given name and tag values,
// registering the vector on first use.
func (r *Registry) Counter(name string, tags map[string]string) prometheus.Counter {
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: sanitize(name), Help: name},
			labelKeys(tags),
		)
		r.reg.MustRegister(vec)
		r.counters[name] = vec
	}
	r.mu.Unlock()

	return vec.With(prometheus.Labels(tags))
}

// Gauge returns the gauge for the given name and tag values, registering
// the vector on first use. Gauges start at zero.
func (r *Registry) Gauge(name string, tags map[string]string) prometheus.Gauge {
	r.mu.Lock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: sanitize(name), Help: name},
			labelKeys(tags),
		)
		r.reg.MustRegister(vec)
		r.gauges[name] = vec
	}
	r.mu.Unlock()

	return vec.With(prometheus.Labels(tags))
}

// Timer returns a duration recorder for the given name and tag values,
// backed by a histogram with buckets suited to trigger evaluations
// (milliseconds through tens of seconds).
func (r *Registry) Timer(name string, tags map[string]string) *Timer {
	r.mu.Lock()
	vec, ok := r.timers[name]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    sanitize(name) + "_seconds",
				Help:    name,
				Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			labelKeys(tags),
		)
		r.reg.MustRegister(vec)
		r.timers[name] = vec
	}
	r.mu.Unlock()

	return &Timer{observer: vec.With(prometheus.Labels(tags))}
}

// Handler returns the HTTP handler exposing the registry in Prometheus
// text format, mounted at /metrics by the ops server.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Timer records durations into a histogram.
type Timer struct {
	observer prometheus.Observer
}

// ObserveSince records the elapsed wall time since start.
func (t *Timer) ObserveSince(start time.Time) {
	t.observer.Observe(time.Since(start).Seconds())
}

// Observe records an explicit duration.
func (t *Timer) Observe(d time.Duration) {
	t.observer.Observe(d.Seconds())
}

// sanitize maps a dotted metric name onto the Prometheus name charset.
func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// labelKeys returns the sorted tag keys; sorting keeps vector registration
// deterministic for a given tag set.
func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
