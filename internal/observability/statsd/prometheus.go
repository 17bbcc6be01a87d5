package statsd

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink exposes Sink metrics on a private registry.
//
// The label set of a metric is fixed by its first emission. Later emissions
// drop labels outside that set and leave missing ones empty.
type PrometheusSink struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*labelledVec[*prometheus.CounterVec]
	gauges     map[string]*labelledVec[*prometheus.GaugeVec]
	histograms map[string]*labelledVec[*prometheus.HistogramVec]
}

type labelledVec[V any] struct {
	vec    V
	labels []string
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink builds a sink whose metric names are prefixed with namespace.
func NewPrometheusSink(namespace string) *PrometheusSink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusSink{
		namespace:  promName(namespace),
		registry:   reg,
		counters:   make(map[string]*labelledVec[*prometheus.CounterVec]),
		gauges:     make(map[string]*labelledVec[*prometheus.GaugeVec]),
		histograms: make(map[string]*labelledVec[*prometheus.HistogramVec]),
	}
}

// Registry returns the private registry.
func (p *PrometheusSink) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Count adds value to the counter <name>_total.
func (p *PrometheusSink) Count(name string, value int64, tags map[string]string) {
	if p == nil || value < 0 {
		return
	}
	p.mu.Lock()
	lv, ok := p.counters[name]
	if !ok {
		labels := labelNames(tags)
		lv = &labelledVec[*prometheus.CounterVec]{
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: p.namespace,
				Name:      promName(name) + "_total",
				Help:      "Count of " + name + " events.",
			}, labels),
			labels: labels,
		}
		if !p.register(lv.vec) {
			p.mu.Unlock()
			return
		}
		p.counters[name] = lv
	}
	p.mu.Unlock()
	lv.vec.With(labelValues(lv.labels, tags)).Add(float64(value))
}

// Gauge sets the gauge <name>.
func (p *PrometheusSink) Gauge(name string, value float64, tags map[string]string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	lv, ok := p.gauges[name]
	if !ok {
		labels := labelNames(tags)
		lv = &labelledVec[*prometheus.GaugeVec]{
			vec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: p.namespace,
				Name:      promName(name),
				Help:      "Last value of " + name + ".",
			}, labels),
			labels: labels,
		}
		if !p.register(lv.vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = lv
	}
	p.mu.Unlock()
	lv.vec.With(labelValues(lv.labels, tags)).Set(value)
}

// Timing observes value in the histogram <name>_seconds.
func (p *PrometheusSink) Timing(name string, value time.Duration, tags map[string]string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	lv, ok := p.histograms[name]
	if !ok {
		labels := labelNames(tags)
		lv = &labelledVec[*prometheus.HistogramVec]{
			vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: p.namespace,
				Name:      promName(name) + "_seconds",
				Help:      "Duration of " + name + ".",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, labels),
			labels: labels,
		}
		if !p.register(lv.vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = lv
	}
	p.mu.Unlock()
	lv.vec.With(labelValues(lv.labels, tags)).Observe(value.Seconds())
}

// register reports false when the name collides with an existing collector
// of another kind; the metric is then dropped.
func (p *PrometheusSink) register(c prometheus.Collector) bool {
	return p.registry.Register(c) == nil
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		if n := promName(k); n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, tags map[string]string) prometheus.Labels {
	normalized := make(map[string]string, len(tags))
	for k, v := range tags {
		normalized[promName(k)] = strings.TrimSpace(v)
	}
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = normalized[n]
	}
	return out
}

// promName maps a dotted statsd name onto the Prometheus name charset.
func promName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}
