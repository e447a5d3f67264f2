// Package metrics defines a small recording interface the rest of the
// application programs against, together with a Prometheus-backed
// implementation. Components register their metrics once at startup and
// record against them by name:
//
//	m := metrics.NewPrometheusMetrics()
//	m.Register("jobs_done_total", "Counter", "Jobs finished so far")
//	m.Record("jobs_done_total", 1)
//
//	m.RegisterWithLabels("http_requests_total", "Counter",
//		"HTTP requests by path", []string{"path"})
//	m.RecordWithLabels("http_requests_total", 1, "/health")
//
// Supported metric types are "Counter", "Gauge" and "Histogram".
package metrics

// Metrics records application metrics. Implementations must tolerate
// recording against a name that was never registered by dropping the
// sample, so callers do not need registration checks on hot paths.
type Metrics interface {
	// Register creates a metric of the given type under name.
	Register(name, metricType, help string)

	// Record adds value to a counter, sets a gauge, or observes a
	// histogram sample, depending on how name was registered.
	Record(name string, value float64)

	// RegisterWithLabels creates a labelled metric of the given type.
	RegisterWithLabels(name, metricType, help string, labels []string)

	// RecordWithLabels records value against the metric identified by
	// name and the given label values, in registration order.
	RecordWithLabels(name string, value float64, labelValues ...string)
}
