package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a private Prometheus registry.
// A private registry keeps instances independent, so tests and embedded
// uses never trip over duplicate registration in the global default.
//
// Register all metrics during startup, before concurrent recording
// begins; the internal maps are not guarded for concurrent writes.
type PrometheusMetrics struct {
	registry      *prometheus.Registry
	counters      map[string]prometheus.Counter
	counterVecs   map[string]*prometheus.CounterVec
	gauges        map[string]prometheus.Gauge
	gaugeVecs     map[string]*prometheus.GaugeVec
	histograms    map[string]prometheus.Histogram
	histogramVecs map[string]*prometheus.HistogramVec
	customBuckets map[string][]float64
}

// NewPrometheusMetrics creates an empty PrometheusMetrics with its own
// registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:      prometheus.NewRegistry(),
		counters:      make(map[string]prometheus.Counter),
		counterVecs:   make(map[string]*prometheus.CounterVec),
		gauges:        make(map[string]prometheus.Gauge),
		gaugeVecs:     make(map[string]*prometheus.GaugeVec),
		histograms:    make(map[string]prometheus.Histogram),
		histogramVecs: make(map[string]*prometheus.HistogramVec),
		customBuckets: make(map[string][]float64),
	}
}

// SetCustomBuckets overrides the histogram buckets used for name. It must
// be called before the histogram is registered; otherwise the default
// buckets apply.
func (p *PrometheusMetrics) SetCustomBuckets(name string, buckets []float64) {
	p.customBuckets[name] = buckets
}

// Register creates and registers a metric of the given type.
func (p *PrometheusMetrics) Register(name, metricType, help string) {
	switch metricType {
	case "Counter":
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: name,
			Help: help,
		})
		p.registry.MustRegister(counter)
		p.counters[name] = counter
	case "Gauge":
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		})
		p.registry.MustRegister(gauge)
		p.gauges[name] = gauge
	case "Histogram":
		histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: p.bucketsFor(name),
		})
		p.registry.MustRegister(histogram)
		p.histograms[name] = histogram
	default:
		log.Printf("metrics: unknown metric type %q for %s", metricType, name)
	}
}

// Record records value against a previously registered unlabelled metric.
// Counters are incremented by value, gauges set to it, histograms observe
// it. Unregistered names are ignored.
func (p *PrometheusMetrics) Record(name string, value float64) {
	if counter, ok := p.counters[name]; ok {
		counter.Add(value)
		return
	}
	if gauge, ok := p.gauges[name]; ok {
		gauge.Set(value)
		return
	}
	if histogram, ok := p.histograms[name]; ok {
		histogram.Observe(value)
	}
}

// RegisterWithLabels creates and registers a labelled metric of the given
// type.
func (p *PrometheusMetrics) RegisterWithLabels(name, metricType, help string, labels []string) {
	switch metricType {
	case "Counter":
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, labels)
		p.registry.MustRegister(vec)
		p.counterVecs[name] = vec
	case "Gauge":
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, labels)
		p.registry.MustRegister(vec)
		p.gaugeVecs[name] = vec
	case "Histogram":
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: p.bucketsFor(name),
		}, labels)
		p.registry.MustRegister(vec)
		p.histogramVecs[name] = vec
	default:
		log.Printf("metrics: unknown metric type %q for %s", metricType, name)
	}
}

// RecordWithLabels records value against a previously registered labelled
// metric. The label values must match the registered label names in count
// and order. Unregistered names are ignored.
func (p *PrometheusMetrics) RecordWithLabels(name string, value float64, labelValues ...string) {
	if vec, ok := p.counterVecs[name]; ok {
		vec.WithLabelValues(labelValues...).Add(value)
		return
	}
	if vec, ok := p.gaugeVecs[name]; ok {
		vec.WithLabelValues(labelValues...).Set(value)
		return
	}
	if vec, ok := p.histogramVecs[name]; ok {
		vec.WithLabelValues(labelValues...).Observe(value)
	}
}

// Handler returns an HTTP handler exposing the registry in the Prometheus
// text format, for mounting on a scrape endpoint.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMetrics) bucketsFor(name string) []float64 {
	if buckets, ok := p.customBuckets[name]; ok {
		return buckets
	}
	return prometheus.DefBuckets
}
